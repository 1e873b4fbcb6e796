// Package index keeps a queryable summary of a cache store in a bbolt file.
//
// The store itself needs no index: every entry is found by its fingerprint.
// The index exists for operators, answering "what is in this cache and how
// big is it" without decoding every envelope again. It is rebuilt from the
// store on demand and is never consulted during evaluation.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vk/keygraph/internal/blobstore"
	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/cache/disk"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/fingerprint"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var entriesBucket = []byte("entries")

// record is the stored form of an indexed entry.
type record struct {
	Field      string    `msgpack:"field"`
	Key        string    `msgpack:"key,omitempty"`
	Serializer string    `msgpack:"ser"`
	Size       int64     `msgpack:"size"`
	Stored     int64     `msgpack:"stored"`
	CreatedAt  time.Time `msgpack:"created"`
	LastUsed   time.Time `msgpack:"used"`
}

// Row is one indexed entry.
type Row struct {
	cache.Entry
	Key      string
	Stored   int64
	LastUsed time.Time
}

// FieldStats aggregates the entries of one field.
type FieldStats struct {
	Field   string
	Entries int
	Bytes   int64
}

// Stats summarizes an index.
type Stats struct {
	Entries    int
	Bytes      int64
	Unreadable int
	Fields     []FieldStats
}

// Index is an open index file.
type Index struct {
	path string
	db   *bolt.DB
}

// Open opens or creates the index at path.
func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing index %s: %w", path, err)
	}
	return &Index{path: path, db: db}, nil
}

// Path returns the index file.
func (ix *Index) Path() string { return ix.path }

// Close closes the index file.
func (ix *Index) Close() error { return ix.db.Close() }

// Rebuild replaces the index contents with a fresh scan of store. Entries
// whose envelope cannot be decoded are counted as unreadable and skipped.
func (ix *Index) Rebuild(ctx context.Context, store blobstore.Store) (Stats, error) {
	logger := ctxlog.FromContext(ctx)
	rows := map[fingerprint.Fingerprint]record{}
	unreadable := 0

	err := store.List(ctx, func(info blobstore.Info) error {
		fp, err := fingerprint.Parse(info.Name)
		if err != nil {
			unreadable++
			return nil
		}
		data, err := blobstore.Peek(ctx, store, info.Name)
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		env, err := disk.Decode(fp, data)
		if err != nil {
			logger.Debug("Skipping unreadable entry.", "fingerprint", info.Name, "error", err)
			unreadable++
			return nil
		}
		rows[fp] = record{
			Field:      env.Field,
			Key:        env.Key,
			Serializer: env.Serializer,
			Size:       env.Size,
			Stored:     info.Size,
			CreatedAt:  env.CreatedAt,
			LastUsed:   info.ModTime,
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("scanning store: %w", err)
	}

	err = ix.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(entriesBucket)
		if err != nil {
			return err
		}
		for fp, r := range rows {
			v, err := msgpack.Marshal(&r)
			if err != nil {
				return err
			}
			if err := b.Put(fp[:], v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("writing index %s: %w", ix.path, err)
	}

	stats, err := ix.Stats()
	stats.Unreadable = unreadable
	return stats, err
}

// Lookup returns the indexed entry for fp.
func (ix *Index) Lookup(fp fingerprint.Fingerprint) (Row, bool, error) {
	var (
		row   Row
		found bool
	)
	err := ix.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get(fp[:])
		if v == nil {
			return nil
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		row, found = r.row(fp), true
		return nil
	})
	return row, found, err
}

// Rows calls fn for every indexed entry in fingerprint order.
func (ix *Index) Rows(fn func(Row) error) error {
	return ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			var fp fingerprint.Fingerprint
			if len(k) != len(fp) {
				return fmt.Errorf("index key has %d bytes", len(k))
			}
			copy(fp[:], k)
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			return fn(r.row(fp))
		})
	})
}

// Stats aggregates the index by field.
func (ix *Index) Stats() (Stats, error) {
	var stats Stats
	perField := map[string]*FieldStats{}
	err := ix.Rows(func(r Row) error {
		stats.Entries++
		stats.Bytes += r.Stored
		fs, ok := perField[r.Field]
		if !ok {
			fs = &FieldStats{Field: r.Field}
			perField[r.Field] = fs
		}
		fs.Entries++
		fs.Bytes += r.Stored
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	for _, fs := range perField {
		stats.Fields = append(stats.Fields, *fs)
	}
	sort.Slice(stats.Fields, func(i, j int) bool { return stats.Fields[i].Field < stats.Fields[j].Field })
	return stats, nil
}

func decodeRecord(v []byte) (record, error) {
	var r record
	if err := msgpack.Unmarshal(v, &r); err != nil {
		return r, fmt.Errorf("decoding index record: %w", err)
	}
	return r, nil
}

func (r record) row(fp fingerprint.Fingerprint) Row {
	return Row{
		Entry: cache.Entry{
			Fingerprint: fp,
			Field:       r.Field,
			Serializer:  r.Serializer,
			Size:        r.Size,
			CreatedAt:   r.CreatedAt,
		},
		Key:      r.Key,
		Stored:   r.Stored,
		LastUsed: r.LastUsed,
	}
}
