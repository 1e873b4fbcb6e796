// Package layer provides the ways a pipeline grows. A source contributes
// leaf fields and the key enumeration. Transforms derive new fields, and
// Apply rewrites existing ones in place. A cache attaches tiers to existing
// fields, a filter narrows the keys and CheckKeys rejects unlisted ones.
package layer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/graph"
	"github.com/vk/keygraph/internal/identity"
	"github.com/vk/keygraph/internal/node"
	"github.com/zclconf/go-cty/cty"
)

// IDField is the leaf every source contributes; its value is the key itself.
const IDField = "id"

var idIdentity = identity.MustNew("keygraph.id", 1, cty.NilVal)

// SourceField is one raw field a source can load for a key.
type SourceField struct {
	Name     string
	Identity identity.Identity
	Load     func(ctx context.Context, key node.Key) (cty.Value, error)
}

// SourceAdapter is the boundary to a dataset.
type SourceAdapter interface {
	Keys(ctx context.Context) ([]node.Key, error)
	Fields() []SourceField
}

// Output declares one field a transform produces.
type Output struct {
	Field    string
	Inputs   []string
	Identity identity.Identity
	Compute  node.ComputeFunc
}

type source struct {
	name    string
	adapter SourceAdapter
}

// Source returns a layer that binds every adapter field as a leaf, plus the
// id field, and makes the adapter the graph's key enumeration.
func Source(name string, adapter SourceAdapter) graph.Layer {
	return &source{name: name, adapter: adapter}
}

func (s *source) Name() string { return "source." + s.name }

func (s *source) Apply(g *graph.Graph) (*graph.Graph, error) {
	if g.HasKeys() {
		return nil, &graph.NameConflictError{Field: IDField}
	}

	hasID := false
	for _, f := range s.adapter.Fields() {
		if f.Load == nil {
			return nil, fmt.Errorf("source field %q has no loader", f.Name)
		}
		load := f.Load
		n, err := node.NewLeaf(f.Name, f.Identity, func(ctx context.Context, args node.Args) (cty.Value, error) {
			return load(ctx, args.Key)
		})
		if err != nil {
			return nil, err
		}
		if g, err = g.Add(n, false); err != nil {
			return nil, err
		}
		hasID = hasID || f.Name == IDField
	}

	if !hasID {
		n, err := node.NewLeaf(IDField, idIdentity, func(_ context.Context, args node.Args) (cty.Value, error) {
			return cty.StringVal(string(args.Key)), nil
		})
		if err != nil {
			return nil, err
		}
		if g, err = g.Add(n, false); err != nil {
			return nil, err
		}
	}

	return g.WithKeys(s.adapter.Keys), nil
}

type transform struct {
	name     string
	override bool
	outputs  []Output
}

// Transform returns a layer that derives the given outputs. Outputs are added
// in order, each resolving its inputs against the graph as it stands at that
// point. With override set, an output may re-bind an existing field.
func Transform(name string, override bool, outputs ...Output) graph.Layer {
	return &transform{name: name, override: override, outputs: outputs}
}

func (t *transform) Name() string { return "transform." + t.name }

func (t *transform) Apply(g *graph.Graph) (*graph.Graph, error) {
	if len(t.outputs) == 0 {
		return nil, errors.New("transform declares no outputs")
	}
	for _, out := range t.outputs {
		n, err := buildDerived(g, out)
		if err != nil {
			return nil, err
		}
		if g, err = g.Add(n, t.override); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func buildDerived(g *graph.Graph, out Output) (*node.Node, error) {
	inputs := make([]*node.Node, 0, len(out.Inputs))
	for _, name := range out.Inputs {
		in, ok := g.Lookup(name)
		if !ok {
			return nil, &graph.UnresolvedDependencyError{Field: out.Field, Dependency: name}
		}
		inputs = append(inputs, in)
	}
	return node.New(out.Field, out.Identity, inputs, out.Compute)
}

// FieldFunc maps the current value of Field to its replacement.
type FieldFunc struct {
	Field    string
	Identity identity.Identity
	Fn       func(ctx context.Context, v cty.Value) (cty.Value, error)
}

type applyLayer struct {
	name  string
	funcs []FieldFunc
}

// Apply returns a layer that rebinds each named field to its function of the
// field's previous value. Every field must already be bound and may appear
// only once.
func Apply(name string, funcs ...FieldFunc) graph.Layer {
	sorted := append([]FieldFunc(nil), funcs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Field < sorted[j].Field })
	return &applyLayer{name: name, funcs: sorted}
}

func (a *applyLayer) Name() string { return "apply." + a.name }

func (a *applyLayer) Apply(g *graph.Graph) (*graph.Graph, error) {
	if len(a.funcs) == 0 {
		return nil, errors.New("apply declares no fields")
	}
	for i, f := range a.funcs {
		if i > 0 && a.funcs[i-1].Field == f.Field {
			return nil, fmt.Errorf("apply lists field %q twice", f.Field)
		}
		if f.Fn == nil {
			return nil, fmt.Errorf("apply field %q has no function", f.Field)
		}
	}

	prev := g
	for _, f := range a.funcs {
		fn := f.Fn
		n, err := buildDerived(prev, Output{
			Field:    f.Field,
			Inputs:   []string{f.Field},
			Identity: f.Identity,
			Compute: func(ctx context.Context, args node.Args) (cty.Value, error) {
				return fn(ctx, args.Values[0])
			},
		})
		if err != nil {
			return nil, err
		}
		if g, err = g.Add(n, true); err != nil {
			return nil, err
		}
	}
	return g, nil
}

type cacheLayer struct {
	name   string
	fields []string
	tiers  []cache.Tier
}

// Cache returns a layer that attaches tiers to the named fields, or to every
// public field when fields is empty. Fingerprints are unchanged.
func Cache(name string, fields []string, tiers ...cache.Tier) graph.Layer {
	return &cacheLayer{name: name, fields: fields, tiers: tiers}
}

func (c *cacheLayer) Name() string { return "cache." + c.name }

func (c *cacheLayer) Apply(g *graph.Graph) (*graph.Graph, error) {
	if len(c.tiers) == 0 {
		return nil, errors.New("cache layer has no tiers")
	}
	fields := c.fields
	if len(fields) == 0 {
		fields = g.Fields()
	}
	for _, f := range fields {
		n, err := g.Resolve(f)
		if err != nil {
			return nil, err
		}
		if g, err = g.Rebind(n.WithTiers(c.tiers...)); err != nil {
			return nil, err
		}
	}
	return g, nil
}

type filter struct {
	name      string
	predicate Output
}

// Filter returns a layer that keeps only the keys for which predicate
// evaluates to true. The predicate is bound under a private field, so it is
// fingerprinted and cacheable like any other node.
func Filter(name string, predicate Output) graph.Layer {
	return &filter{name: name, predicate: predicate}
}

// FilterField is the private field a filter's predicate is bound to.
func FilterField(name string) string {
	return graph.PrivatePrefix + "filter:" + name
}

func (f *filter) Name() string { return "filter." + f.name }

func (f *filter) Apply(g *graph.Graph) (*graph.Graph, error) {
	if !g.HasKeys() {
		return nil, errors.New("filter needs a source to narrow")
	}
	out := f.predicate
	out.Field = FilterField(f.name)
	n, err := buildDerived(g, out)
	if err != nil {
		return nil, err
	}
	if g, err = g.Add(n, false); err != nil {
		return nil, err
	}
	return g.WithFilter(out.Field)
}

type checkKeys struct {
	name string
}

// CheckKeys returns a layer that makes evaluation reject keys the source does
// not list, and key listing reject empty or repeated keys. It must follow a
// source.
func CheckKeys(name string) graph.Layer {
	return &checkKeys{name: name}
}

func (c *checkKeys) Name() string { return "check_keys." + c.name }

func (c *checkKeys) Apply(g *graph.Graph) (*graph.Graph, error) {
	return g.WithKeyCheck()
}
