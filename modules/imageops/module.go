// Package imageops provides grid transforms (`binarize`, `zoom`, `crop`)
// and the `nonempty` filter.
//
// Every transform reads one field, `image` unless configured otherwise, and
// writes its result to `output`, which defaults to the input field. Writing
// back to the input field rebinds it, so later layers see the transformed
// grid under the same name. Setting `fields` instead rewrites each listed
// field in place with the same op.
package imageops

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/keygraph/internal/grid"
	"github.com/vk/keygraph/internal/hcl_adapter"
	"github.com/vk/keygraph/internal/identity"
	"github.com/vk/keygraph/internal/layer"
	"github.com/vk/keygraph/internal/node"
	"github.com/vk/keygraph/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

const defaultField = "image"

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register registers the layer and filter types with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterTransform("binarize", transformFactory(newBinarize))
	r.RegisterTransform("zoom", transformFactory(newZoom))
	r.RegisterTransform("crop", transformFactory(newCrop))
	r.RegisterFilter("nonempty", newNonEmptyFilter)
}

// Wiring names the field an op reads and the field it writes, or the fields
// it rewrites in place.
type Wiring struct {
	Field  string
	Output string
	Fields []string
}

func (w Wiring) withDefaults() Wiring {
	if w.Field == "" {
		w.Field = defaultField
	}
	if w.Output == "" {
		w.Output = w.Field
	}
	return w
}

// Op is a decoded transform: its wiring, the params its identity closes
// over and the function applied to each grid.
type Op struct {
	wiring Wiring
	code   string
	params any
	apply  func(grid.Grid) grid.Grid
}

// Transform builds the registry transform for o.
func (o Op) Transform() (*registry.Transform, error) {
	id, err := identity.FromGo("imageops."+o.code, 1, o.params)
	if err != nil {
		return nil, err
	}
	if len(o.wiring.Fields) > 0 {
		if o.wiring.Field != "" || o.wiring.Output != "" {
			return nil, fmt.Errorf("%s: fields cannot be combined with field or output", o.code)
		}
		funcs := make([]layer.FieldFunc, 0, len(o.wiring.Fields))
		for _, f := range o.wiring.Fields {
			funcs = append(funcs, layer.FieldFunc{Field: f, Identity: id, Fn: o.gridFunc(f)})
		}
		return &registry.Transform{Apply: funcs}, nil
	}

	w := o.wiring.withDefaults()
	fn := o.gridFunc(w.Field)
	out := layer.Output{
		Field:    w.Output,
		Inputs:   []string{w.Field},
		Identity: id,
		Compute: func(ctx context.Context, args node.Args) (cty.Value, error) {
			return fn(ctx, args.Values[0])
		},
	}
	return &registry.Transform{Outputs: []layer.Output{out}, Override: w.Output == w.Field}, nil
}

func (o Op) gridFunc(field string) func(context.Context, cty.Value) (cty.Value, error) {
	apply := o.apply
	return func(_ context.Context, v cty.Value) (cty.Value, error) {
		g, err := grid.FromValue(v)
		if err != nil {
			return cty.NilVal, fmt.Errorf("%s: field %q: %w", o.code, field, err)
		}
		return apply(g).Value()
	}
}

func transformFactory(decode func(hcl.Body) (Op, error)) registry.TransformFactory {
	return func(_ context.Context, body hcl.Body) (*registry.Transform, error) {
		o, err := decode(body)
		if err != nil {
			return nil, err
		}
		return o.Transform()
	}
}

// FilterConfig is the body of a `filter "nonempty"` block.
type FilterConfig struct {
	Field string `hcl:"field,optional"`
}

func newNonEmptyFilter(_ context.Context, body hcl.Body) (layer.Output, error) {
	cfg := FilterConfig{Field: defaultField}
	if err := hcl_adapter.DecodeBody(body, &cfg); err != nil {
		return layer.Output{}, err
	}
	return NonEmpty(cfg.Field), nil
}

var nonEmptyIdentity = identity.MustNew("imageops.nonempty", 1, cty.NilVal)

// NonEmpty is a predicate keeping keys whose grid in field has a non-zero
// cell.
func NonEmpty(field string) layer.Output {
	return layer.Output{
		Inputs:   []string{field},
		Identity: nonEmptyIdentity,
		Compute: func(_ context.Context, args node.Args) (cty.Value, error) {
			g, err := grid.FromValue(args.Values[0])
			if err != nil {
				return cty.NilVal, fmt.Errorf("nonempty: field %q: %w", field, err)
			}
			return cty.BoolVal(!g.Empty()), nil
		},
	}
}
