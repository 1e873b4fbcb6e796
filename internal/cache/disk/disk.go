// Package disk provides the durable cache tier.
//
// Each entry is one envelope object in a blobstore.Store, named by the hex
// form of its fingerprint. The location is a pure function of the
// fingerprint, so any number of processes or machines pointing at the same
// store share entries without coordination.
//
// Entries are verified on read. A failed verification never returns data: by
// default the entry is logged, removed and treated as a miss, so the value is
// recomputed and republished; in strict mode the CorruptionError is returned
// to the caller instead.
package disk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/keygraph/internal/blobstore"
	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/fingerprint"
	"github.com/vk/keygraph/internal/metrics"
	"github.com/vk/keygraph/internal/serializer"
	"github.com/zclconf/go-cty/cty"
)

// Tier is a cache tier over a blob store.
type Tier struct {
	name     string
	store    blobstore.Store
	ser      serializer.Serializer
	verify   bool
	strict   bool
	metadata map[string]string
	metrics  *metrics.Metrics
	now      func() time.Time
}

var _ cache.Tier = (*Tier)(nil)

// Option configures a Tier.
type Option func(*Tier)

// WithSerializer sets the format new entries are written in. Existing
// entries are always read with the serializer recorded in their envelope.
func WithSerializer(s serializer.Serializer) Option {
	return func(t *Tier) { t.ser = s }
}

// WithVerify toggles checksum and signature verification on read.
func WithVerify(v bool) Option {
	return func(t *Tier) { t.verify = v }
}

// WithStrict makes corrupted entries an error instead of a miss.
func WithStrict(v bool) Option {
	return func(t *Tier) { t.strict = v }
}

// WithMetadata attaches user metadata to every entry written.
func WithMetadata(m map[string]string) Option {
	return func(t *Tier) { t.metadata = m }
}

// WithMetrics counts corrupted entries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tier) { t.metrics = m }
}

// WithClock replaces time.Now for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tier) { t.now = now }
}

// New creates a tier named name over store.
func New(name string, store blobstore.Store, opts ...Option) (*Tier, error) {
	if store == nil {
		return nil, errors.New("disk tier needs a blob store")
	}
	t := &Tier{name: name, store: store, verify: true, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	if t.ser == nil {
		s, err := serializer.Parse(serializer.Default)
		if err != nil {
			return nil, err
		}
		t.ser = s
	}
	return t, nil
}

// Name identifies the tier in logs and metrics.
func (t *Tier) Name() string { return t.name }

// Serializer returns the format new entries are written in.
func (t *Tier) Serializer() serializer.Serializer { return t.ser }

// Get returns the verified value stored under fp.
func (t *Tier) Get(ctx context.Context, fp fingerprint.Fingerprint) (cty.Value, bool, error) {
	data, err := t.store.Get(ctx, fp.String())
	if errors.Is(err, blobstore.ErrNotFound) {
		return cty.NilVal, false, nil
	}
	if err != nil {
		return cty.NilVal, false, err
	}

	env, err := Decode(fp, data)
	if err == nil {
		var v cty.Value
		if v, err = env.Open(fp, t.verify); err == nil {
			return v, true, nil
		}
	}

	var ce *cache.CorruptionError
	if !errors.As(err, &ce) {
		return cty.NilVal, false, err
	}
	return cty.NilVal, false, t.corrupted(ctx, ce)
}

func (t *Tier) corrupted(ctx context.Context, ce *cache.CorruptionError) error {
	t.metrics.Corrupt(t.name)
	if t.strict {
		return ce
	}
	logger := ctxlog.FromContext(ctx)
	logger.Warn("Cache entry failed verification and will be recomputed. You may want to delete the cache root if this keeps happening.",
		"tier", t.name, "fingerprint", ce.Fingerprint.String(), "reason", ce.Reason)
	if err := t.store.Delete(ctx, ce.Fingerprint.String()); err != nil {
		logger.Warn("Could not remove corrupted cache entry.", "tier", t.name, "fingerprint", ce.Fingerprint.String(), "error", err)
	}
	return nil
}

// Put publishes rec. A concurrent or repeated Put of the same fingerprint is
// a no-op at the store level.
func (t *Tier) Put(ctx context.Context, rec cache.Record) error {
	env, err := Seal(rec, t.ser, t.now(), t.metadata)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encoding envelope for field %q: %w", rec.Field, err)
	}
	return t.store.Put(ctx, rec.Fingerprint.String(), data)
}
