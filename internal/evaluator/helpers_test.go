package evaluator

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/graph"
	"github.com/vk/keygraph/internal/identity"
	"github.com/vk/keygraph/internal/layer"
	"github.com/vk/keygraph/internal/node"
	"github.com/zclconf/go-cty/cty"
)

// calls counts logic invocations by name.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func newCalls() *calls { return &calls{n: map[string]int{}} }

func (c *calls) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[name]++
}

func (c *calls) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

func (c *calls) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := 0
	for _, v := range c.n {
		sum += v
	}
	return sum
}

func ints(v cty.Value) []int64 {
	var out []int64
	for it := v.ElementIterator(); it.Next(); {
		_, e := it.Element()
		i, _ := e.AsBigFloat().Int64()
		out = append(out, i)
	}
	return out
}

func list(xs []int64) cty.Value {
	if len(xs) == 0 {
		return cty.ListValEmpty(cty.Number)
	}
	vals := make([]cty.Value, len(xs))
	for i, x := range xs {
		vals[i] = cty.NumberIntVal(x)
	}
	return cty.ListVal(vals)
}

// imageSource serves a 16-pixel grayscale strip per key.
type imageSource struct {
	keys  []node.Key
	calls *calls
}

func (s imageSource) Keys(context.Context) ([]node.Key, error) { return s.keys, nil }

func (s imageSource) Fields() []layer.SourceField {
	return []layer.SourceField{{
		Name:     "image",
		Identity: identity.MustNew("test.load_strip", 1, cty.NilVal),
		Load: func(_ context.Context, key node.Key) (cty.Value, error) {
			s.calls.inc("S")
			px := make([]int64, 16)
			for i := range px {
				px[i] = int64((i*37 + len(key)*11) % 256)
			}
			return list(px), nil
		},
	}}
}

func binarize(c *calls) layer.Output {
	return layer.Output{
		Field:    "image",
		Inputs:   []string{"image"},
		Identity: identity.MustNew("test.binarize", 1, cty.ObjectVal(map[string]cty.Value{"threshold": cty.NumberIntVal(128)})),
		Compute: func(_ context.Context, args node.Args) (cty.Value, error) {
			c.inc("binarize")
			px := ints(args.Get("image"))
			for i, p := range px {
				if p >= 128 {
					px[i] = 1
				} else {
					px[i] = 0
				}
			}
			return list(px), nil
		},
	}
}

func zoom(factor float64, c *calls) layer.Output {
	return layer.Output{
		Field:    "image",
		Inputs:   []string{"image"},
		Identity: identity.MustNew("test.zoom", 1, cty.ObjectVal(map[string]cty.Value{"factor": cty.NumberVal(big.NewFloat(factor))})),
		Compute: func(_ context.Context, args node.Args) (cty.Value, error) {
			c.inc("zoom")
			px := ints(args.Get("image"))
			step := int(1 / factor)
			var out []int64
			for i := 0; i < len(px); i += step {
				out = append(out, px[i])
			}
			return list(out), nil
		},
	}
}

func crop(c *calls) layer.Output {
	return layer.Output{
		Field:    "image",
		Inputs:   []string{"image"},
		Identity: identity.MustNew("test.crop", 1, cty.ObjectVal(map[string]cty.Value{"margin": cty.NumberIntVal(1)})),
		Compute: func(_ context.Context, args node.Args) (cty.Value, error) {
			c.inc("crop")
			px := ints(args.Get("image"))
			return list(px[1 : len(px)-1]), nil
		},
	}
}

// imagePipeline is S -> Binarize -> Zoom(factor) -> Crop with every stage
// of "image" cached in tier.
func imagePipeline(t *testing.T, c *calls, factor float64, tier cache.Tier) *graph.Graph {
	t.Helper()
	g, err := graph.Empty().Compose(
		layer.Source("strips", imageSource{keys: []node.Key{"k"}, calls: c}),
		layer.Cache("raw", []string{"image"}, tier),
		layer.Transform("binarize", true, binarize(c)),
		layer.Cache("binarized", []string{"image"}, tier),
		layer.Transform("zoom", true, zoom(factor, c)),
		layer.Cache("zoomed", []string{"image"}, tier),
		layer.Transform("crop", true, crop(c)),
		layer.Cache("cropped", []string{"image"}, tier),
	)
	require.NoError(t, err)
	return g
}

// fn builds a derived output that records its invocation and combines its
// inputs with a parameter.
func fn(c *calls, field string, param int64, inputs ...string) layer.Output {
	return layer.Output{
		Field:    field,
		Inputs:   inputs,
		Identity: identity.MustNew("test."+field, 1, cty.ObjectVal(map[string]cty.Value{"p": cty.NumberIntVal(param)})),
		Compute: func(_ context.Context, args node.Args) (cty.Value, error) {
			c.inc(field)
			sum := param
			for _, v := range args.Values {
				i, _ := v.AsBigFloat().Int64()
				sum += i
			}
			return cty.NumberIntVal(sum), nil
		},
	}
}

// numberSource serves "n" = len(key) for each key.
type numberSource struct {
	keys  []node.Key
	calls *calls
}

func (s numberSource) Keys(context.Context) ([]node.Key, error) { return s.keys, nil }

func (s numberSource) Fields() []layer.SourceField {
	return []layer.SourceField{{
		Name:     "n",
		Identity: identity.MustNew("test.len", 1, cty.NilVal),
		Load: func(_ context.Context, key node.Key) (cty.Value, error) {
			s.calls.inc("n")
			return cty.NumberIntVal(int64(len(key))), nil
		},
	}}
}
