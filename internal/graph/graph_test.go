package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/keygraph/internal/identity"
	"github.com/vk/keygraph/internal/node"
	"github.com/zclconf/go-cty/cty"
)

func constant(v cty.Value) node.ComputeFunc {
	return func(context.Context, node.Args) (cty.Value, error) { return v, nil }
}

func leaf(t *testing.T, field string) *node.Node {
	t.Helper()
	n, err := node.NewLeaf(field, identity.MustNew("test.leaf", 1, cty.StringVal(field)), constant(cty.StringVal(field)))
	require.NoError(t, err)
	return n
}

func derived(t *testing.T, field, code string, inputs ...*node.Node) *node.Node {
	t.Helper()
	n, err := node.New(field, identity.MustNew(code, 1, cty.NilVal), inputs, constant(cty.True))
	require.NoError(t, err)
	return n
}

func TestEmpty(t *testing.T) {
	g := Empty()
	require.NotNil(t, g)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.Fields())
	assert.False(t, g.HasKeys())

	_, err := g.SourceKeys(context.Background())
	assert.ErrorContains(t, err, "no source")
}

func TestAdd(t *testing.T) {
	t.Run("is persistent", func(t *testing.T) {
		g0 := Empty()
		g1, err := g0.Add(leaf(t, "a"), false)
		require.NoError(t, err)

		assert.Equal(t, 0, g0.Len())
		assert.Equal(t, 1, g1.Len())
		_, ok := g0.Lookup("a")
		assert.False(t, ok)
	})

	t.Run("name conflict", func(t *testing.T) {
		g, err := Empty().Add(leaf(t, "a"), false)
		require.NoError(t, err)

		other, err := node.NewLeaf("a", identity.MustNew("test.other", 1, cty.NilVal), constant(cty.True))
		require.NoError(t, err)

		_, err = g.Add(other, false)
		require.ErrorIs(t, err, ErrNameConflict)
		var nc *NameConflictError
		require.ErrorAs(t, err, &nc)
		assert.Equal(t, "a", nc.Field)

		_, err = g.Add(other, true)
		assert.NoError(t, err)
	})

	t.Run("identical redeclaration still conflicts", func(t *testing.T) {
		a := leaf(t, "a")
		g, err := Empty().Add(a, false)
		require.NoError(t, err)

		_, err = g.Add(leaf(t, "a"), false)
		assert.ErrorIs(t, err, ErrNameConflict)
		_, err = g.Add(a.WithTiers(), false)
		assert.ErrorIs(t, err, ErrNameConflict)
	})

	t.Run("unresolved dependency", func(t *testing.T) {
		a := leaf(t, "a")
		b := derived(t, "b", "test.b", a)

		_, err := Empty().Add(b, false)
		require.ErrorIs(t, err, ErrUnresolvedDependency)
		var ud *UnresolvedDependencyError
		require.ErrorAs(t, err, &ud)
		assert.Equal(t, "b", ud.Field)
		assert.Equal(t, "a", ud.Dependency)
	})

	t.Run("stale input after override is unresolved", func(t *testing.T) {
		a := leaf(t, "a")
		g, err := Empty().Add(a, false)
		require.NoError(t, err)

		replacement := derived(t, "a", "test.replace", a)
		g, err = g.Add(replacement, true)
		require.NoError(t, err)

		stale := derived(t, "c", "test.c", a)
		_, err = g.Add(stale, false)
		assert.ErrorIs(t, err, ErrUnresolvedDependency)
	})
}

func TestRebind(t *testing.T) {
	t.Run("keeps a node whose input was overridden", func(t *testing.T) {
		// --- Arrange ---
		img := leaf(t, "image")
		g, err := Empty().Add(img, false)
		require.NoError(t, err)
		binarized := derived(t, "image", "test.binarize", img)
		g, err = g.Add(binarized, true)
		require.NoError(t, err)

		// --- Act ---
		g2, err := g.Rebind(binarized.WithTiers())

		// --- Assert ---
		require.NoError(t, err)
		bound, _ := g2.Lookup("image")
		assert.NotSame(t, binarized, bound)
		assert.True(t, bound.SameDerivation(binarized))
		before, _ := g.Lookup("image")
		assert.Same(t, binarized, before, "the original graph is untouched")
	})

	t.Run("rejects a different derivation", func(t *testing.T) {
		a := leaf(t, "a")
		g, err := Empty().Add(a, false)
		require.NoError(t, err)

		_, err = g.Rebind(derived(t, "a", "test.other", a))
		assert.ErrorIs(t, err, ErrNameConflict)
	})

	t.Run("rejects a missing field", func(t *testing.T) {
		_, err := Empty().Rebind(leaf(t, "a"))
		assert.ErrorIs(t, err, ErrUnresolvedDependency)
	})
}

func TestResolveAndFields(t *testing.T) {
	g, err := Empty().Add(leaf(t, "b"), false)
	require.NoError(t, err)
	g, err = g.Add(leaf(t, "a"), false)
	require.NoError(t, err)
	g, err = g.Add(leaf(t, PrivatePrefix+"hidden"), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, g.Fields())
	assert.Equal(t, 3, g.Len())

	n, err := g.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "a", n.Field())

	_, err = g.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnresolvedDependency)
	assert.ErrorContains(t, err, `field "missing" is not defined`)
}

func TestPlan(t *testing.T) {
	// a -> b, a -> c, (b, c) -> d
	a := leaf(t, "a")
	b := derived(t, "b", "test.b", a)
	c := derived(t, "c", "test.c", a)
	d := derived(t, "d", "test.d", b, c)
	unrelated := leaf(t, "z")

	g := Empty()
	var err error
	for _, n := range []*node.Node{a, b, c, d, unrelated} {
		g, err = g.Add(n, false)
		require.NoError(t, err)
	}

	plan, err := g.Plan("d")
	require.NoError(t, err)
	require.Len(t, plan, 4, "diamond must be deduplicated and unrelated nodes skipped")

	pos := map[string]int{}
	for i, n := range plan {
		pos[n.Field()] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
	assert.NotContains(t, pos, "z")

	_, err = g.Plan("nope")
	assert.ErrorIs(t, err, ErrUnresolvedDependency)
}

type funcLayer struct {
	name string
	fn   func(*Graph) (*Graph, error)
}

func (l funcLayer) Name() string                   { return l.name }
func (l funcLayer) Apply(g *Graph) (*Graph, error) { return l.fn(g) }

func TestCompose(t *testing.T) {
	addLeaf := func(field string) Layer {
		return funcLayer{name: "leaf:" + field, fn: func(g *Graph) (*Graph, error) {
			return g.Add(leaf(t, field), false)
		}}
	}

	g, err := Empty().Compose(addLeaf("a"), addLeaf("b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.Fields())
	assert.Equal(t, []string{"leaf:a", "leaf:b"}, g.Layers())

	_, err = g.Compose(addLeaf("a"))
	require.ErrorIs(t, err, ErrNameConflict)
	assert.ErrorContains(t, err, "layer leaf:a")

	failing := funcLayer{name: "boom", fn: func(*Graph) (*Graph, error) { return nil, fmt.Errorf("boom") }}
	_, err = g.Compose(failing)
	assert.ErrorContains(t, err, "layer boom: boom")
}

func TestKeysAndFilters(t *testing.T) {
	g, err := Empty().Add(leaf(t, "a"), false)
	require.NoError(t, err)

	g = g.WithKeys(func(context.Context) ([]node.Key, error) { return []node.Key{"1", "2"}, nil })
	assert.True(t, g.HasKeys())

	keys, err := g.SourceKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []node.Key{"1", "2"}, keys)

	g2, err := g.WithFilter("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g2.Filters())
	assert.Empty(t, g.Filters())

	_, err = g.WithFilter("missing")
	assert.ErrorIs(t, err, ErrUnresolvedDependency)
}
