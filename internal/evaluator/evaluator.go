package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/fingerprint"
	"github.com/vk/keygraph/internal/graph"
	"github.com/vk/keygraph/internal/metrics"
	"github.com/vk/keygraph/internal/node"
	"github.com/zclconf/go-cty/cty"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/vk/keygraph/internal/evaluator"

// ComputationError reports a node whose logic failed. Nothing is cached for
// the failing node or anything downstream of it.
type ComputationError struct {
	Field       string
	Key         node.Key
	Fingerprint fingerprint.Fingerprint
	Err         error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computing field %q for key %q: %v", e.Field, e.Key, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// Evaluator resolves fields lazily, one key at a time. It is safe for
// concurrent use and guarantees at most one in-flight computation per
// fingerprint across all of its callers.
type Evaluator struct {
	metrics *metrics.Metrics
	tracer  trace.Tracer
	flight  singleflight.Group
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMetrics reports tier and compute activity to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Evaluator) { e.tracer = t }
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the value of field for key. Graphs composed with key
// checking reject keys their source does not list.
func (e *Evaluator) Evaluate(ctx context.Context, g *graph.Graph, field string, key node.Key) (cty.Value, error) {
	if g.ChecksKeys() {
		if err := e.checkKeys(ctx, g, key); err != nil {
			return cty.NilVal, err
		}
	}
	return e.evaluate(ctx, g, field, key)
}

func (e *Evaluator) evaluate(ctx context.Context, g *graph.Graph, field string, key node.Key) (val cty.Value, err error) {
	ctx, span := e.tracer.Start(ctx, "keygraph.Evaluate", trace.WithAttributes(
		attribute.String("field", field),
		attribute.String("key", string(key)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	target, err := g.Resolve(field)
	if err != nil {
		return cty.NilVal, err
	}
	c := e.newCall(key, target)
	return c.resolve(ctx, target)
}

// checkKeys fails with an UnknownKeyError for the first key the source does
// not list.
func (e *Evaluator) checkKeys(ctx context.Context, g *graph.Graph, keys ...node.Key) error {
	listed, err := sourceKeys(ctx, g)
	if err != nil {
		return err
	}
	known := make(map[node.Key]struct{}, len(listed))
	for _, k := range listed {
		known[k] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := known[k]; !ok {
			return &graph.UnknownKeyError{Key: string(k)}
		}
	}
	return nil
}

// sourceKeys lists the source keys, rejecting empty and repeated ones when
// the graph checks keys.
func sourceKeys(ctx context.Context, g *graph.Graph) ([]node.Key, error) {
	keys, err := g.SourceKeys(ctx)
	if err != nil || !g.ChecksKeys() {
		return keys, err
	}
	seen := make(map[node.Key]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			return nil, errors.New("source lists an empty key")
		}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("source lists key %q more than once", k)
		}
		seen[k] = struct{}{}
	}
	return keys, nil
}

// EvaluateAll evaluates field for every key with at most workers concurrent
// evaluations. Results are returned in key order.
func (e *Evaluator) EvaluateAll(ctx context.Context, g *graph.Graph, field string, keys []node.Key, workers int) ([]cty.Value, error) {
	if _, err := g.Resolve(field); err != nil {
		return nil, err
	}
	if g.ChecksKeys() {
		if err := e.checkKeys(ctx, g, keys...); err != nil {
			return nil, err
		}
	}
	out := make([]cty.Value, len(keys))
	eg, egCtx := errgroup.WithContext(ctx)
	if workers > 0 {
		eg.SetLimit(workers)
	}
	for i, k := range keys {
		eg.Go(func() error {
			v, err := e.evaluate(egCtx, g, field, k)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Keys lists the graph's keys, dropping those rejected by any filter.
func (e *Evaluator) Keys(ctx context.Context, g *graph.Graph) ([]node.Key, error) {
	keys, err := sourceKeys(ctx, g)
	if err != nil {
		return nil, err
	}
	filters := g.Filters()
	if len(filters) == 0 {
		return keys, nil
	}

	kept := make([]node.Key, 0, len(keys))
	for _, k := range keys {
		ok := true
		for _, f := range filters {
			v, err := e.evaluate(ctx, g, f, k)
			if err != nil {
				return nil, err
			}
			if v.IsNull() || !v.IsKnown() || !v.Type().Equals(cty.Bool) {
				return nil, fmt.Errorf("filter %q must produce a known bool, got %s for key %q", f, v.Type().FriendlyName(), k)
			}
			if v.False() {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, k)
		}
	}
	ctxlog.FromContext(ctx).Debug("Keys filtered.", "total", len(keys), "kept", len(kept))
	return kept, nil
}

// Step describes one node of an evaluation plan.
type Step struct {
	Field       string
	Identity    string
	Fingerprint fingerprint.Fingerprint
	Tiers       []string
}

// Explain returns the plan for field at key, dependencies first, with the
// fingerprint each node would be cached under. No logic is invoked.
func (e *Evaluator) Explain(ctx context.Context, g *graph.Graph, field string, key node.Key) ([]Step, error) {
	target, err := g.Resolve(field)
	if err != nil {
		return nil, err
	}
	c := e.newCall(key, target)
	steps := make([]Step, 0, len(c.plan))
	for _, n := range c.plan {
		tiers := make([]string, 0, len(n.Tiers()))
		for _, t := range n.Tiers() {
			tiers = append(tiers, t.Name())
		}
		steps = append(steps, Step{
			Field:       n.Field(),
			Identity:    n.Identity().String(),
			Fingerprint: c.fps[n],
			Tiers:       tiers,
		})
	}
	return steps, nil
}

// Fingerprint returns the fingerprint of field at key.
func (e *Evaluator) Fingerprint(ctx context.Context, g *graph.Graph, field string, key node.Key) (fingerprint.Fingerprint, error) {
	target, err := g.Resolve(field)
	if err != nil {
		return fingerprint.Zero, err
	}
	c := e.newCall(key, target)
	return c.fps[target], nil
}

// call is the state of one Evaluate invocation.
type call struct {
	e    *Evaluator
	key  node.Key
	plan []*node.Node
	fps  map[*node.Node]fingerprint.Fingerprint
	memo map[fingerprint.Fingerprint]cty.Value
}

func (e *Evaluator) newCall(key node.Key, target *node.Node) *call {
	c := &call{
		e:    e,
		key:  key,
		plan: graph.PlanNode(target),
		fps:  make(map[*node.Node]fingerprint.Fingerprint),
		memo: make(map[fingerprint.Fingerprint]cty.Value),
	}
	// The plan lists dependencies first, so every input is hashed before
	// the nodes that read it.
	for _, n := range c.plan {
		inputs := n.Inputs()
		deps := make([]fingerprint.Fingerprint, len(inputs))
		for i, in := range inputs {
			deps[i] = c.fps[in]
		}
		c.fps[n] = fingerprint.Derive(n.Identity().Digest(), deps, n.Leaf(), string(key))
	}
	return c
}

func (c *call) resolve(ctx context.Context, n *node.Node) (cty.Value, error) {
	fp := c.fps[n]
	tiers := n.Tiers()

	memoVal, memoOK := c.memo[fp]
	if memoOK && len(tiers) == 0 {
		return memoVal, nil
	}

	v, hit, err := c.e.probe(ctx, n, fp, c.key, tiers)
	if err != nil {
		return cty.NilVal, err
	}
	if hit {
		c.memo[fp] = v
		return v, nil
	}
	if memoOK {
		// Reached through another node with the same fingerprint; still
		// publish into this node's tiers.
		if err := c.e.publish(ctx, n, fp, c.key, memoVal, tiers); err != nil {
			return cty.NilVal, err
		}
		return memoVal, nil
	}

	inputs := n.Inputs()
	args := node.Args{
		Key:    c.key,
		Fields: make([]string, len(inputs)),
		Values: make([]cty.Value, len(inputs)),
	}
	for i, in := range inputs {
		iv, err := c.resolve(ctx, in)
		if err != nil {
			return cty.NilVal, err
		}
		args.Fields[i] = in.Field()
		args.Values[i] = iv
	}

	v, err = c.e.compute(ctx, n, fp, args, tiers)
	if err != nil {
		return cty.NilVal, err
	}
	c.memo[fp] = v
	return v, nil
}

// probe asks each tier in order. On a hit in tier i, tiers 0..i-1 are
// backfilled with the value.
func (e *Evaluator) probe(ctx context.Context, n *node.Node, fp fingerprint.Fingerprint, key node.Key, tiers []cache.Tier) (cty.Value, bool, error) {
	logger := ctxlog.FromContext(ctx)
	for i, t := range tiers {
		v, ok, err := t.Get(ctx, fp)
		if err != nil {
			return cty.NilVal, false, fmt.Errorf("cache tier %s: reading field %q: %w", t.Name(), n.Field(), err)
		}
		if !ok {
			e.metrics.Miss(t.Name(), n.Field())
			continue
		}
		e.metrics.Hit(t.Name(), n.Field())
		logger.Debug("Cache hit.", "field", n.Field(), "tier", t.Name(), "fingerprint", fp.Short())
		rec := cache.Record{Fingerprint: fp, Field: n.Field(), Key: string(key), Value: v}
		for _, earlier := range tiers[:i] {
			if err := earlier.Put(ctx, rec); err != nil {
				return cty.NilVal, false, fmt.Errorf("cache tier %s: backfilling field %q: %w", earlier.Name(), n.Field(), err)
			}
		}
		return v, true, nil
	}
	return cty.NilVal, false, nil
}

func (e *Evaluator) publish(ctx context.Context, n *node.Node, fp fingerprint.Fingerprint, key node.Key, v cty.Value, tiers []cache.Tier) error {
	rec := cache.Record{Fingerprint: fp, Field: n.Field(), Key: string(key), Value: v}
	for _, t := range tiers {
		if err := t.Put(ctx, rec); err != nil {
			return fmt.Errorf("cache tier %s: writing field %q: %w", t.Name(), n.Field(), err)
		}
	}
	return nil
}

// compute invokes the node's logic at most once per fingerprint across all
// concurrent callers, then publishes into the node's tiers.
func (e *Evaluator) compute(ctx context.Context, n *node.Node, fp fingerprint.Fingerprint, args node.Args, tiers []cache.Tier) (cty.Value, error) {
	res, err, shared := e.flight.Do(fp.String(), func() (any, error) {
		// Another caller may have published while our inputs resolved.
		if v, hit, err := e.probe(ctx, n, fp, args.Key, tiers); err != nil || hit {
			return v, err
		}
		v, err := e.invoke(ctx, n, fp, args)
		if err != nil {
			return nil, err
		}
		if err := e.publish(ctx, n, fp, args.Key, v, tiers); err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		var ce *ComputationError
		if shared && errors.As(err, &ce) && ce.Key != args.Key {
			// Same computation, reported for this caller's key.
			err = &ComputationError{Field: ce.Field, Key: args.Key, Fingerprint: ce.Fingerprint, Err: ce.Err}
		}
		return cty.NilVal, err
	}
	v := res.(cty.Value)
	if shared {
		// The leader published into its own node's tiers, which may not be
		// ours.
		if err := e.publish(ctx, n, fp, args.Key, v, tiers); err != nil {
			return cty.NilVal, err
		}
	}
	return v, nil
}

func (e *Evaluator) invoke(ctx context.Context, n *node.Node, fp fingerprint.Fingerprint, args node.Args) (cty.Value, error) {
	ctx, span := e.tracer.Start(ctx, "keygraph.Compute", trace.WithAttributes(
		attribute.String("field", n.Field()),
		attribute.String("identity", n.Identity().String()),
		attribute.String("fingerprint", fp.String()),
	))
	defer span.End()

	logger := ctxlog.FromContext(ctx)
	logger.Debug("Computing field.", "field", n.Field(), "key", args.Key, "identity", n.Identity().String(), "fingerprint", fp.Short())

	start := time.Now()
	v, err := n.Compute(ctx, args)
	if err == nil && v.Type() == cty.NilType {
		err = errors.New("logic returned no value")
	}
	e.metrics.Computed(n.Field(), time.Since(start).Seconds(), err != nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug("Field computation failed.", "field", n.Field(), "key", args.Key, "error", err)
		return cty.NilVal, &ComputationError{Field: n.Field(), Key: args.Key, Fingerprint: fp, Err: err}
	}
	return v, nil
}
