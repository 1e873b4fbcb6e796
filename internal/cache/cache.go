// Package cache defines the contract shared by every cache tier.
//
// A tier is an associative store from fingerprint.Fingerprint to cty.Value.
// Tiers never decide what to cache or when; the evaluator probes the tiers
// attached to a node in order and writes computed values back into them.
// Because a fingerprint already encodes the full derivation of a value, a
// tier never needs to invalidate anything: stale entries are simply never
// asked for again.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/keygraph/internal/fingerprint"
	"github.com/zclconf/go-cty/cty"
)

// ErrCorruption is matched by every CorruptionError.
var ErrCorruption = errors.New("cache corruption")

// Tier is one cache layer: RAM, disk, or a remote blob store behind the disk
// envelope format.
type Tier interface {
	// Name identifies the tier in logs and metrics.
	Name() string
	// Get returns the value stored under fp. A miss is (cty.NilVal, false, nil).
	Get(ctx context.Context, fp fingerprint.Fingerprint) (cty.Value, bool, error)
	// Put stores a computed value. Storing the same fingerprint twice is a
	// harmless no-op.
	Put(ctx context.Context, rec Record) error
}

// Record is a computed value together with the bookkeeping a tier may keep
// alongside it.
type Record struct {
	Fingerprint fingerprint.Fingerprint
	Field       string
	Key         string
	Value       cty.Value
}

// Entry describes a stored entry without its value, as reported by
// maintenance tooling.
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	Field       string
	Serializer  string
	Size        int64
	CreatedAt   time.Time
}

// CorruptionError reports a stored entry that failed verification.
type CorruptionError struct {
	Fingerprint fingerprint.Fingerprint
	Reason      string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("cache entry %s is corrupted: %s", e.Fingerprint, e.Reason)
}

// Is makes errors.Is(err, ErrCorruption) succeed.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}
