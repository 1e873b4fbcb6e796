// Package gridsource provides the `grid_dir` source: a directory of
// <key>.json files, each holding a 2-D array of numbers.
package gridsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/grid"
	"github.com/vk/keygraph/internal/hcl_adapter"
	"github.com/vk/keygraph/internal/identity"
	"github.com/vk/keygraph/internal/layer"
	"github.com/vk/keygraph/internal/node"
	"github.com/vk/keygraph/internal/registry"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

const ext = ".json"

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register registers the source type with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterSource("grid_dir", NewFromBody)
}

// Config is the body of a `source "grid_dir"` block.
type Config struct {
	Path string `hcl:"path"`
}

// params is what the loaders' identities close over.
type params struct {
	Path string `cty:"path"`
}

// Source reads grids from a directory.
type Source struct {
	dir   string
	image identity.Identity
	shape identity.Identity
}

var _ layer.SourceAdapter = (*Source)(nil)

// NewFromBody decodes a block body and creates the source.
func NewFromBody(ctx context.Context, body hcl.Body) (layer.SourceAdapter, error) {
	var cfg Config
	if err := hcl_adapter.DecodeBody(body, &cfg); err != nil {
		return nil, err
	}
	return New(ctx, cfg.Path)
}

// New creates a source over dir, which must exist.
func New(ctx context.Context, dir string) (*Source, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("grid_dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("grid_dir: %s is not a directory", dir)
	}
	p := params{Path: filepath.Clean(dir)}
	image, err := identity.FromGo("gridsource.load_json", 1, p)
	if err != nil {
		return nil, err
	}
	shape, err := identity.FromGo("gridsource.shape", 1, p)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Grid source ready.", "dir", dir)
	return &Source{dir: dir, image: image, shape: shape}, nil
}

// Keys returns the stems of the directory's .json files in lexical order.
func (s *Source) Keys(ctx context.Context) ([]node.Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("grid_dir: listing %s: %w", s.dir, err)
	}
	var keys []node.Key
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		keys = append(keys, node.Key(strings.TrimSuffix(e.Name(), ext)))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	ctxlog.FromContext(ctx).Debug("Listed grid keys.", "dir", s.dir, "count", len(keys))
	return keys, nil
}

// Fields returns `image`, the grid itself, and `shape`, its [rows, cols].
func (s *Source) Fields() []layer.SourceField {
	return []layer.SourceField{
		{Name: "image", Identity: s.image, Load: s.loadImage},
		{Name: "shape", Identity: s.shape, Load: s.loadShape},
	}
}

func (s *Source) read(key node.Key) (grid.Grid, error) {
	name := string(key)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("grid_dir: invalid key %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name+ext))
	if err != nil {
		return nil, fmt.Errorf("grid_dir: %w", err)
	}
	v, err := ctyjson.Unmarshal(data, grid.Type)
	if err != nil {
		return nil, fmt.Errorf("grid_dir: decoding %s%s: %w", name, ext, err)
	}
	g, err := grid.FromValue(v)
	if err != nil {
		return nil, fmt.Errorf("grid_dir: %s%s: %w", name, ext, err)
	}
	return g, nil
}

func (s *Source) loadImage(_ context.Context, key node.Key) (cty.Value, error) {
	g, err := s.read(key)
	if err != nil {
		return cty.NilVal, err
	}
	return g.Value()
}

func (s *Source) loadShape(_ context.Context, key node.Key) (cty.Value, error) {
	g, err := s.read(key)
	if err != nil {
		return cty.NilVal, err
	}
	return g.Shape(), nil
}
