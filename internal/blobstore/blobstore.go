// Package blobstore defines the durable byte store behind the disk tier.
//
// A store maps object names to immutable byte blobs. Names are lowercase hex
// fingerprints, so a store never needs an index: the name is the address.
// Every implementation must publish atomically, so that a reader observes
// either nothing or a complete blob, and must treat a second Put of the same
// name as a harmless duplicate.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when no blob exists under a name.
var ErrNotFound = errors.New("blob not found")

// Info describes a stored blob.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store is a content-addressed blob store.
type Store interface {
	// Get returns the blob, or an error wrapping ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// Put publishes data under name atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List calls fn for every stored blob. Returning an error from fn stops
	// the walk and is returned from List.
	List(ctx context.Context, fn func(Info) error) error
}

// DefaultLevels splits a 64-character name into a two-character directory
// and the remaining 62 characters.
var DefaultLevels = []int{2, 62}

// ValidateName checks that name is lowercase hex of the length levels add up
// to.
func ValidateName(name string, levels []int) error {
	want := 0
	for _, l := range levels {
		want += l
	}
	if len(name) != want {
		return fmt.Errorf("invalid blob name %q: want %d characters, got %d", name, want, len(name))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("invalid blob name %q: character %q is not lowercase hex", name, c)
		}
	}
	return nil
}

// SplitName cuts name into path segments according to levels.
func SplitName(name string, levels []int) []string {
	parts := make([]string, 0, len(levels))
	start := 0
	for _, l := range levels {
		parts = append(parts, name[start:start+l])
		start += l
	}
	return parts
}

// Peeker is implemented by stores whose Get has side effects, such as
// refreshing a last-use timestamp. Peek reads without them.
type Peeker interface {
	Peek(ctx context.Context, name string) ([]byte, error)
}

// Peek reads a blob through Peeker when s supports it and through Get
// otherwise. Maintenance tooling uses it so that scanning a store does not
// count as using every entry.
func Peek(ctx context.Context, s Store, name string) ([]byte, error) {
	if p, ok := s.(Peeker); ok {
		return p.Peek(ctx, name)
	}
	return s.Get(ctx, name)
}
