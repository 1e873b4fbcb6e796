package evaluator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/keygraph/internal/blobstore"
	"github.com/vk/keygraph/internal/blobstore/fsstore"
	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/cache/disk"
	"github.com/vk/keygraph/internal/cache/memory"
	"github.com/vk/keygraph/internal/fingerprint"
	"github.com/vk/keygraph/internal/graph"
	"github.com/vk/keygraph/internal/identity"
	"github.com/vk/keygraph/internal/layer"
	"github.com/vk/keygraph/internal/metrics"
	"github.com/vk/keygraph/internal/node"
	"github.com/zclconf/go-cty/cty"
)

func countBlobs(t *testing.T, s blobstore.Store) []string {
	t.Helper()
	var names []string
	require.NoError(t, s.List(context.Background(), func(i blobstore.Info) error {
		names = append(names, i.Name)
		return nil
	}))
	return names
}

func TestImagePipelineScenario(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	store, err := fsstore.Open(t.TempDir())
	require.NoError(t, err)
	tier, err := disk.New("disk", store)
	require.NoError(t, err)

	// --- Act: cold evaluation ---
	first := newCalls()
	v1, err := New().Evaluate(ctx, imagePipeline(t, first, 0.25, tier), "image", "k")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 2, len(ints(v1)))
	for _, name := range []string{"S", "binarize", "zoom", "crop"} {
		assert.Equal(t, 1, first.get(name), name)
	}
	before := countBlobs(t, store)
	assert.Len(t, before, 4)

	// --- Act: identical graph rebuilt from scratch ---
	second := newCalls()
	v2, err := New().Evaluate(ctx, imagePipeline(t, second, 0.25, tier), "image", "k")

	// --- Assert ---
	require.NoError(t, err)
	assert.Zero(t, second.total(), "a warm cache must not invoke any logic")
	assert.True(t, v1.RawEquals(v2))

	// --- Act: change one parameter ---
	third := newCalls()
	v3, err := New().Evaluate(ctx, imagePipeline(t, third, 0.5, tier), "image", "k")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 6, len(ints(v3)))
	assert.Equal(t, 1, third.get("zoom"))
	assert.Equal(t, 1, third.get("crop"))
	assert.Zero(t, third.get("binarize"), "binarize is upstream of the change")
	assert.Zero(t, third.get("S"))

	after := countBlobs(t, store)
	assert.Len(t, after, 6)
	assert.Subset(t, after, before, "old entries stay alongside the new ones")
}

func TestDeterminism(t *testing.T) {
	ctx := context.Background()
	build := func() *graph.Graph {
		c := newCalls()
		g, err := graph.Empty().Compose(
			layer.Source("nums", numberSource{keys: []node.Key{"abc"}, calls: c}),
			layer.Transform("t", false, fn(c, "double", 0, "n", "n")),
		)
		require.NoError(t, err)
		return g
	}

	e := New()
	g1, g2 := build(), build()
	v1, err := e.Evaluate(ctx, g1, "double", "abc")
	require.NoError(t, err)
	v2, err := New().Evaluate(ctx, g2, "double", "abc")
	require.NoError(t, err)
	assert.True(t, v1.RawEquals(v2))
	assert.Equal(t, cty.NumberIntVal(6), v1)

	s1, err := e.Explain(ctx, g1, "double", "abc")
	require.NoError(t, err)
	s2, err := e.Explain(ctx, g2, "double", "abc")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestInvalidationLocality(t *testing.T) {
	ctx := context.Background()
	build := func(p int64) *graph.Graph {
		c := newCalls()
		g, err := graph.Empty().Compose(
			layer.Source("nums", numberSource{keys: []node.Key{"k1"}, calls: c}),
			layer.Transform("t", false,
				fn(c, "b", p, "n"),
				fn(c, "c", 10, "n"),
				fn(c, "d", 0, "b"),
			),
		)
		require.NoError(t, err)
		return g
	}

	e := New()
	g, gPrime := build(1), build(2)
	fpOf := func(g *graph.Graph, field string) fingerprint.Fingerprint {
		f, err := e.Fingerprint(ctx, g, field, "k1")
		require.NoError(t, err)
		return f
	}

	for _, unchanged := range []string{"n", "c", "id"} {
		assert.Equal(t, fpOf(g, unchanged), fpOf(gPrime, unchanged), unchanged)
	}
	for _, changed := range []string{"b", "d"} {
		assert.NotEqual(t, fpOf(g, changed), fpOf(gPrime, changed), changed)
	}

	// Leaves mix in the key, derived nodes inherit it.
	other, err := e.Fingerprint(ctx, g, "d", "k2")
	require.NoError(t, err)
	assert.NotEqual(t, fpOf(g, "d"), other)
}

func TestCacheTransparency(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	tier, err := memory.New(0)
	require.NoError(t, err)
	c := newCalls()
	g, err := graph.Empty().Compose(
		layer.Source("nums", numberSource{keys: []node.Key{"key"}, calls: c}),
		layer.Transform("t", false, fn(c, "b", 5, "n"), fn(c, "c", 1, "b")),
		layer.Cache("mem", nil, tier),
	)
	require.NoError(t, err)
	e := New()

	// --- Act ---
	cold, err := e.Evaluate(ctx, g, "c", "key")
	require.NoError(t, err)
	coldCalls := c.total()
	warm, err := e.Evaluate(ctx, g, "c", "key")
	require.NoError(t, err)

	// --- Assert ---
	assert.True(t, cold.RawEquals(warm))
	assert.Equal(t, cty.NumberIntVal(9), warm)
	assert.Equal(t, 3, coldCalls)
	assert.Equal(t, coldCalls, c.total(), "warm call must not invoke logic")
}

func TestDiamondDependencyIsEvaluatedOnce(t *testing.T) {
	ctx := context.Background()
	c := newCalls()
	g, err := graph.Empty().Compose(
		layer.Source("nums", numberSource{keys: []node.Key{"key"}, calls: c}),
		layer.Transform("t", false,
			fn(c, "left", 1, "n"),
			fn(c, "right", 2, "n"),
			fn(c, "join", 0, "left", "right"),
		),
	)
	require.NoError(t, err)

	v, err := New().Evaluate(ctx, g, "join", "key")
	require.NoError(t, err)
	assert.Equal(t, cty.NumberIntVal(3+1+3+2), v)
	assert.Equal(t, 1, c.get("n"))
	assert.Equal(t, 1, c.get("left"))
	assert.Equal(t, 1, c.get("right"))

	plan, err := g.Plan("join")
	require.NoError(t, err)
	assert.Len(t, plan, 4)
}

func TestSameFingerprintReachedTwicePublishesToBothTiers(t *testing.T) {
	ctx := context.Background()
	c := newCalls()
	first, err := memory.New(0)
	require.NoError(t, err)
	second, err := memory.New(0)
	require.NoError(t, err)

	g, err := graph.Empty().Compose(
		layer.Source("nums", numberSource{keys: []node.Key{"key"}, calls: c}),
		layer.Transform("t", false, fn(c, "b", 1, "n")),
		layer.Cache("first", []string{"b"}, first),
		// Same logic under another name: same fingerprint, different tiers.
		layer.Transform("alias", false, layer.Output{
			Field:    "b2",
			Inputs:   []string{"n"},
			Identity: identity.MustNew("test.b", 1, cty.ObjectVal(map[string]cty.Value{"p": cty.NumberIntVal(1)})),
			Compute:  fn(c, "b", 1, "n").Compute,
		}),
		layer.Cache("second", []string{"b2"}, second),
		layer.Transform("sum", false, fn(c, "sum", 0, "b", "b2")),
	)
	require.NoError(t, err)

	_, err = New().Evaluate(ctx, g, "sum", "key")
	require.NoError(t, err)
	assert.Equal(t, 1, c.get("b"), "the second node is answered from the per-call memo")
	assert.Equal(t, 1, first.Len())
	assert.Equal(t, 1, second.Len())
}

func TestComputationErrorLeavesNoCacheEntry(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	boom := errors.New("kernel too large")
	tier, err := memory.New(0)
	require.NoError(t, err)
	c := newCalls()
	g, err := graph.Empty().Compose(
		layer.Source("nums", numberSource{keys: []node.Key{"key"}, calls: c}),
		layer.Transform("t", false, layer.Output{
			Field:    "broken",
			Inputs:   []string{"n"},
			Identity: identity.MustNew("test.broken", 1, cty.NilVal),
			Compute: func(context.Context, node.Args) (cty.Value, error) {
				return cty.NilVal, boom
			},
		}, fn(c, "after", 0, "broken")),
		layer.Cache("mem", []string{"broken", "after"}, tier),
	)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())

	// --- Act ---
	_, err = New(WithMetrics(m)).Evaluate(ctx, g, "after", "key")

	// --- Assert ---
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var ce *ComputationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "broken", ce.Field)
	assert.Equal(t, node.Key("key"), ce.Key)
	assert.False(t, ce.Fingerprint.IsZero())
	assert.Zero(t, tier.Len(), "nothing may be cached for a failed node or its dependents")
	assert.Zero(t, c.get("after"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComputeFailures.WithLabelValues("broken")))
}

func TestLogicReturningNoValueIsAnError(t *testing.T) {
	c := newCalls()
	g, err := graph.Empty().Compose(
		layer.Source("nums", numberSource{keys: []node.Key{"key"}, calls: c}),
		layer.Transform("t", false, layer.Output{
			Field:    "empty",
			Inputs:   []string{"n"},
			Identity: identity.MustNew("test.empty", 1, cty.NilVal),
			Compute:  func(context.Context, node.Args) (cty.Value, error) { return cty.NilVal, nil },
		}),
	)
	require.NoError(t, err)

	_, err = New().Evaluate(context.Background(), g, "empty", "key")
	var ce *ComputationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "no value")
}

func TestUnknownFieldIsUnresolved(t *testing.T) {
	_, err := New().Evaluate(context.Background(), graph.Empty(), "nope", "k")
	assert.ErrorIs(t, err, graph.ErrUnresolvedDependency)
}

type brokenTier struct{ err error }

func (b brokenTier) Name() string { return "broken" }
func (b brokenTier) Get(context.Context, fingerprint.Fingerprint) (cty.Value, bool, error) {
	return cty.NilVal, false, b.err
}
func (b brokenTier) Put(context.Context, cache.Record) error { return b.err }

func TestTierErrorsSurface(t *testing.T) {
	outage := errors.New("filesystem unavailable")
	c := newCalls()
	g, err := graph.Empty().Compose(
		layer.Source("nums", numberSource{keys: []node.Key{"key"}, calls: c}),
		layer.Cache("broken", []string{"n"}, brokenTier{err: outage}),
	)
	require.NoError(t, err)

	_, err = New().Evaluate(context.Background(), g, "n", "key")
	assert.ErrorIs(t, err, outage)
	assert.Zero(t, c.get("n"), "a storage outage must not degrade to recomputing")
}

func TestBackfillsEarlierTiers(t *testing.T) {
	ctx := context.Background()
	ram, err := memory.New(0)
	require.NoError(t, err)
	store, err := fsstore.Open(t.TempDir())
	require.NoError(t, err)
	dtier, err := disk.New("disk", store)
	require.NoError(t, err)

	build := func(c *calls) *graph.Graph {
		g, err := graph.Empty().Compose(
			layer.Source("nums", numberSource{keys: []node.Key{"key"}, calls: c}),
			layer.Transform("t", false, fn(c, "b", 3, "n")),
			layer.Cache("tiers", []string{"b"}, ram, dtier),
		)
		require.NoError(t, err)
		return g
	}

	_, err = New().Evaluate(ctx, build(newCalls()), "b", "key")
	require.NoError(t, err)
	ram.Clear()

	c := newCalls()
	m := metrics.New(prometheus.NewRegistry())
	v, err := New(WithMetrics(m)).Evaluate(ctx, build(c), "b", "key")
	require.NoError(t, err)
	assert.Equal(t, cty.NumberIntVal(6), v)
	assert.Zero(t, c.total())
	assert.Equal(t, 1, ram.Len(), "a disk hit is copied into RAM")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierHits.WithLabelValues("disk", "b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierMisses.WithLabelValues(ram.Name(), "b")))
}

// recordingTier never hits and keeps every record it is given.
type recordingTier struct {
	mu   sync.Mutex
	puts []cache.Record
}

func (r *recordingTier) Name() string { return "recording" }
func (r *recordingTier) Get(context.Context, fingerprint.Fingerprint) (cty.Value, bool, error) {
	return cty.NilVal, false, nil
}
func (r *recordingTier) Put(_ context.Context, rec cache.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts = append(r.puts, rec)
	return nil
}

func TestBackfillCarriesKey(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	ram, err := memory.New(0)
	require.NoError(t, err)
	build := func(c *calls, tiers ...cache.Tier) *graph.Graph {
		g, err := graph.Empty().Compose(
			layer.Source("nums", numberSource{keys: []node.Key{"abc"}, calls: c}),
			layer.Transform("t", false, fn(c, "b", 3, "n")),
			layer.Cache("tiers", []string{"b"}, tiers...),
		)
		require.NoError(t, err)
		return g
	}
	_, err = New().Evaluate(ctx, build(newCalls(), ram), "b", "abc")
	require.NoError(t, err)
	rec := &recordingTier{}

	// --- Act ---
	c := newCalls()
	v, err := New().Evaluate(ctx, build(c, rec, ram), "b", "abc")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, cty.NumberIntVal(6), v)
	assert.Zero(t, c.total())
	require.Len(t, rec.puts, 1)
	assert.Equal(t, "abc", rec.puts[0].Key)
	assert.Equal(t, "b", rec.puts[0].Field)
	assert.Equal(t, cty.NumberIntVal(6), rec.puts[0].Value)
}

func TestConcurrentEvaluationsComputeOnce(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	tier, err := memory.New(0)
	require.NoError(t, err)
	c := newCalls()
	g, err := graph.Empty().Compose(
		layer.Source("nums", numberSource{keys: []node.Key{"key"}, calls: c}),
		layer.Transform("t", false, layer.Output{
			Field:    "slow",
			Inputs:   []string{"n"},
			Identity: identity.MustNew("test.slow", 1, cty.NilVal),
			Compute: func(_ context.Context, args node.Args) (cty.Value, error) {
				c.inc("slow")
				time.Sleep(50 * time.Millisecond)
				return args.Get("n"), nil
			},
		}),
		layer.Cache("mem", []string{"slow"}, tier),
	)
	require.NoError(t, err)
	e := New()

	// --- Act ---
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Evaluate(ctx, g, "slow", "key")
			assert.NoError(t, err)
			assert.Equal(t, cty.NumberIntVal(3), v)
		}()
	}
	wg.Wait()

	// --- Assert ---
	assert.Equal(t, 1, c.get("slow"))
}

func TestCheckedKeys(t *testing.T) {
	ctx := context.Background()
	e := New()

	t.Run("listed keys evaluate", func(t *testing.T) {
		// --- Arrange ---
		c := newCalls()
		g := mustCompose(t, layer.Source("nums", numberSource{keys: []node.Key{"a", "bb"}, calls: c}), layer.CheckKeys("ids"))

		// --- Act ---
		v, err := e.Evaluate(ctx, g, "n", "bb")

		// --- Assert ---
		require.NoError(t, err)
		assert.Equal(t, cty.NumberIntVal(2), v)
	})

	t.Run("unlisted key is rejected before any load", func(t *testing.T) {
		// --- Arrange ---
		c := newCalls()
		g := mustCompose(t, layer.Source("nums", numberSource{keys: []node.Key{"a", "bb"}, calls: c}), layer.CheckKeys("ids"))

		// --- Act ---
		_, err := e.Evaluate(ctx, g, "n", "zzz")
		_, allErr := e.EvaluateAll(ctx, g, "n", []node.Key{"a", "zzz"}, 2)

		// --- Assert ---
		var unknown *graph.UnknownKeyError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "zzz", unknown.Key)
		assert.ErrorIs(t, allErr, graph.ErrUnknownKey)
		assert.Zero(t, c.total())
	})

	t.Run("unchecked graph evaluates any key", func(t *testing.T) {
		g := mustCompose(t, layer.Source("nums", numberSource{keys: []node.Key{"a"}, calls: newCalls()}))
		v, err := e.Evaluate(ctx, g, "n", "zzz")
		require.NoError(t, err)
		assert.Equal(t, cty.NumberIntVal(3), v)
	})

	t.Run("listing rejects repeated and empty keys", func(t *testing.T) {
		dup := mustCompose(t, layer.Source("nums", numberSource{keys: []node.Key{"a", "b", "a"}, calls: newCalls()}), layer.CheckKeys("ids"))
		_, err := e.Keys(ctx, dup)
		assert.ErrorContains(t, err, `"a" more than once`)

		empty := mustCompose(t, layer.Source("nums", numberSource{keys: []node.Key{"a", ""}, calls: newCalls()}), layer.CheckKeys("ids"))
		_, err = e.Keys(ctx, empty)
		assert.ErrorContains(t, err, "empty key")
	})
}

func TestKeysAppliesFilters(t *testing.T) {
	ctx := context.Background()
	c := newCalls()
	src := numberSource{keys: []node.Key{"a", "bb", "ccc", "dddd"}, calls: c}
	even := layer.Output{
		Inputs:   []string{"n"},
		Identity: identity.MustNew("test.even", 1, cty.NilVal),
		Compute: func(_ context.Context, args node.Args) (cty.Value, error) {
			i, _ := args.Get("n").AsBigFloat().Int64()
			return cty.BoolVal(i%2 == 0), nil
		},
	}
	g, err := graph.Empty().Compose(layer.Source("nums", src), layer.Filter("even", even))
	require.NoError(t, err)
	e := New()

	keys, err := e.Keys(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, []node.Key{"bb", "dddd"}, keys)
	assert.NotContains(t, g.Fields(), layer.FilterField("even"), "predicates stay private")

	vals, err := e.EvaluateAll(ctx, g, "n", keys, 2)
	require.NoError(t, err)
	assert.Equal(t, []cty.Value{cty.NumberIntVal(2), cty.NumberIntVal(4)}, vals)

	unfiltered, err := e.Keys(ctx, mustCompose(t, layer.Source("nums", src)))
	require.NoError(t, err)
	assert.Len(t, unfiltered, 4)
}

func TestKeysRejectsNonBoolPredicate(t *testing.T) {
	c := newCalls()
	g := mustCompose(t,
		layer.Source("nums", numberSource{keys: []node.Key{"a"}, calls: c}),
		layer.Filter("bad", fn(c, "", 0, "n")),
	)
	_, err := New().Keys(context.Background(), g)
	assert.ErrorContains(t, err, "known bool")
}

func TestEvaluateAllStopsOnError(t *testing.T) {
	c := newCalls()
	g := mustCompose(t,
		layer.Source("nums", numberSource{keys: []node.Key{"a", "bb"}, calls: c}),
		layer.Transform("t", false, layer.Output{
			Field:    "picky",
			Inputs:   []string{"n"},
			Identity: identity.MustNew("test.picky", 1, cty.NilVal),
			Compute: func(_ context.Context, args node.Args) (cty.Value, error) {
				if args.Key == "bb" {
					return cty.NilVal, errors.New("no")
				}
				return args.Get("n"), nil
			},
		}),
	)
	_, err := New().EvaluateAll(context.Background(), g, "picky", []node.Key{"a", "bb"}, 0)
	var ce *ComputationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, node.Key("bb"), ce.Key)

	_, err = New().EvaluateAll(context.Background(), g, "missing", nil, 1)
	assert.ErrorIs(t, err, graph.ErrUnresolvedDependency)
}

func TestExplain(t *testing.T) {
	tier, err := memory.New(8)
	require.NoError(t, err)
	c := newCalls()
	g := mustCompose(t,
		layer.Source("nums", numberSource{keys: []node.Key{"a"}, calls: c}),
		layer.Transform("t", false, fn(c, "b", 1, "n")),
		layer.Cache("mem", []string{"b"}, tier),
	)
	steps, err := New().Explain(context.Background(), g, "b", "a")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "n", steps[0].Field)
	assert.Empty(t, steps[0].Tiers)
	assert.Equal(t, "b", steps[1].Field)
	assert.Equal(t, []string{tier.Name()}, steps[1].Tiers)
	assert.Contains(t, steps[1].Identity, "test.b@v1")
	assert.Zero(t, c.total(), "explaining never invokes logic")
}

func mustCompose(t *testing.T, layers ...graph.Layer) *graph.Graph {
	t.Helper()
	g, err := graph.Empty().Compose(layers...)
	require.NoError(t, err)
	return g
}
