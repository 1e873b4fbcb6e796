// Package fsstore is a blobstore.Store on a local or shared filesystem.
//
// Layout under the root:
//
//	config.yml        layout version, hash name and directory levels
//	tmp/<uuid>        in-progress writes
//	ab/cdef...        published blobs, split by the configured levels
//
// A blob is written to tmp/, synced and renamed into place, so a crash never
// leaves a partial blob at a published name. Reads touch the blob's mtime,
// which makes the mtime a last-use timestamp for pruning.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vk/keygraph/internal/blobstore"
	"github.com/vk/keygraph/internal/ctxlog"
	"gopkg.in/yaml.v2"
)

const (
	configFile    = "config.yml"
	tmpDir        = "tmp"
	layoutVersion = 1
	hashName      = "blake3"
)

// RootConfig is the persisted description of a store's layout.
type RootConfig struct {
	Version int    `yaml:"version"`
	Hash    string `yaml:"hash"`
	Levels  []int  `yaml:"levels"`
}

// Store is a filesystem blob store.
type Store struct {
	root     string
	levels   []int
	now      func() time.Time
	existing bool
}

var (
	_ blobstore.Store  = (*Store)(nil)
	_ blobstore.Peeker = (*Store)(nil)
)

// Option configures Open.
type Option func(*Store)

// WithLevels sets the directory split used when creating a new root.
func WithLevels(levels ...int) Option {
	return func(s *Store) { s.levels = append([]int(nil), levels...) }
}

// WithClock replaces time.Now for mtime touches.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// ExistingOnly makes Open fail unless root is already an initialized cache
// root. Maintenance commands use it so a mistyped path is reported instead
// of silently creating an empty cache.
func ExistingOnly() Option {
	return func(s *Store) { s.existing = true }
}

// ErrNotCacheRoot is returned by Open with ExistingOnly when root has no
// config.yml.
var ErrNotCacheRoot = errors.New("not a cache root")

// Open prepares root for use, creating it and its config.yml if needed. An
// existing root whose config.yml disagrees with the requested layout is
// rejected.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{root: root, levels: blobstore.DefaultLevels, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if root == "" {
		return nil, errors.New("fsstore: root cannot be empty")
	}
	if s.existing {
		if _, err := os.Stat(filepath.Join(root, configFile)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("fsstore: %s: %w", root, ErrNotCacheRoot)
			}
			return nil, fmt.Errorf("fsstore: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: creating root %s: %w", root, err)
	}

	want := RootConfig{Version: layoutVersion, Hash: hashName, Levels: s.levels}
	have, err := readConfig(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := s.writeConfig(want); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if have.Version != want.Version || have.Hash != want.Hash {
			return nil, fmt.Errorf("fsstore: root %s has layout version %d/%s, want %d/%s", root, have.Version, have.Hash, want.Version, want.Hash)
		}
		// An existing root dictates the levels unless the caller asked for
		// something else explicitly.
		if !slices.Equal(have.Levels, want.Levels) && !slices.Equal(want.Levels, blobstore.DefaultLevels) {
			return nil, fmt.Errorf("fsstore: root %s uses levels %v, want %v", root, have.Levels, want.Levels)
		}
		s.levels = have.Levels
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Levels returns the directory split in use.
func (s *Store) Levels() []int { return append([]int(nil), s.levels...) }

func readConfig(root string) (RootConfig, error) {
	var cfg RootConfig
	data, err := os.ReadFile(filepath.Join(root, configFile))
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("fsstore: parsing %s: %w", configFile, err)
	}
	return cfg, nil
}

func (s *Store) writeConfig(cfg RootConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.publish(filepath.Join(s.root, configFile), data); err != nil {
		return fmt.Errorf("fsstore: writing %s: %w", configFile, err)
	}
	return nil
}

func (s *Store) path(name string) (string, error) {
	if err := blobstore.ValidateName(name, s.levels); err != nil {
		return "", err
	}
	parts := append([]string{s.root}, blobstore.SplitName(name, s.levels)...)
	return filepath.Join(parts...), nil
}

// Get reads a blob and touches its mtime.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	data, p, err := s.read(name)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := os.Chtimes(p, now, now); err != nil {
		ctxlog.FromContext(ctx).Debug("Could not touch blob.", "name", name, "error", err)
	}
	return data, nil
}

// Peek reads a blob without touching it.
func (s *Store) Peek(_ context.Context, name string) ([]byte, error) {
	data, _, err := s.read(name)
	return data, err
}

func (s *Store) read(name string) ([]byte, string, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, p, fmt.Errorf("%s: %w", name, blobstore.ErrNotFound)
		}
		return nil, p, fmt.Errorf("fsstore: reading %s: %w", name, err)
	}
	return data, p, nil
}

// Put publishes data under name. An existing blob is left untouched.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		ctxlog.FromContext(ctx).Debug("Blob already published.", "name", name)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("fsstore: creating directory for %s: %w", name, err)
	}
	if err := s.publish(p, data); err != nil {
		return fmt.Errorf("fsstore: writing %s: %w", name, err)
	}
	return nil
}

// publish writes data to a fresh temp file and renames it onto target.
func (s *Store) publish(target string, data []byte) error {
	tmp := filepath.Join(s.root, tmpDir, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return werr
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Delete removes a blob.
func (s *Store) Delete(_ context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsstore: deleting %s: %w", name, err)
	}
	return nil
}

// List walks every published blob.
func (s *Store) List(ctx context.Context, fn func(blobstore.Info) error) error {
	depth := len(s.levels)
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if d.IsDir() {
			if rel == tmpDir || len(parts) >= depth {
				return filepath.SkipDir
			}
			return nil
		}
		if len(parts) != depth {
			return nil
		}
		name := strings.Join(parts, "")
		if blobstore.ValidateName(name, s.levels) != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(blobstore.Info{Name: name, Size: info.Size(), ModTime: info.ModTime()})
	})
}

// CleanTmp removes in-progress files older than olderThan, left behind by
// writers that crashed before publishing.
func (s *Store) CleanTmp(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, tmpDir))
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, tmpDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
