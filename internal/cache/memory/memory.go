package memory

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/fingerprint"
	"github.com/zclconf/go-cty/cty"
)

// Tier is the in-process cache tier.
//
// Exactly one of entries or bounded is in use:
//   - entries: unbounded sync.Map from fingerprint to cty.Value
//   - bounded: LRU cache holding at most size entries
type Tier struct {
	name    string
	entries sync.Map
	bounded *lru.Cache[fingerprint.Fingerprint, cty.Value]
}

var _ cache.Tier = (*Tier)(nil)

// New creates a RAM tier. A size of zero or less means unbounded.
func New(size int) (*Tier, error) {
	t := &Tier{name: "memory"}
	if size > 0 {
		c, err := lru.New[fingerprint.Fingerprint, cty.Value](size)
		if err != nil {
			return nil, fmt.Errorf("creating LRU of size %d: %w", size, err)
		}
		t.bounded = c
		t.name = fmt.Sprintf("memory[%d]", size)
	}
	return t, nil
}

// Name identifies the tier in logs and metrics.
func (t *Tier) Name() string { return t.name }

// Get returns the value stored under fp.
func (t *Tier) Get(_ context.Context, fp fingerprint.Fingerprint) (cty.Value, bool, error) {
	if t.bounded != nil {
		v, ok := t.bounded.Get(fp)
		return v, ok, nil
	}
	v, ok := t.entries.Load(fp)
	if !ok {
		return cty.NilVal, false, nil
	}
	return v.(cty.Value), true, nil
}

// Put stores rec.Value under rec.Fingerprint.
func (t *Tier) Put(_ context.Context, rec cache.Record) error {
	if t.bounded != nil {
		t.bounded.Add(rec.Fingerprint, rec.Value)
		return nil
	}
	t.entries.Store(rec.Fingerprint, rec.Value)
	return nil
}

// Len returns the number of stored entries.
func (t *Tier) Len() int {
	if t.bounded != nil {
		return t.bounded.Len()
	}
	n := 0
	t.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear drops every entry.
func (t *Tier) Clear() {
	if t.bounded != nil {
		t.bounded.Purge()
		return
	}
	t.entries.Clear()
}
