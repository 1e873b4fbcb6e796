package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/keygraph/internal/layer"
)

// SourceFactory builds a source adapter from the body of a `source` block.
type SourceFactory func(ctx context.Context, body hcl.Body) (layer.SourceAdapter, error)

// Transform is what a TransformFactory contributes to a pipeline: either
// Outputs or, for in-place rewrites of several fields, Apply.
type Transform struct {
	Outputs []layer.Output
	// Override allows the outputs to rebind existing fields.
	Override bool
	Apply    []layer.FieldFunc
}

// TransformFactory builds the outputs of a `layer` block.
type TransformFactory func(ctx context.Context, body hcl.Body) (*Transform, error)

// FilterFactory builds the predicate of a `filter` block. The predicate's
// Field is ignored.
type FilterFactory func(ctx context.Context, body hcl.Body) (layer.Output, error)

// RegisterSource registers the factory for a source type.
func (r *Registry) RegisterSource(name string, f SourceFactory) {
	if _, exists := r.sources[name]; exists {
		panic(fmt.Sprintf("source type '%s' already registered", name))
	}
	slog.Debug("Registering source type.", "name", name)
	r.sources[name] = f
}

// RegisterTransform registers the factory for a layer type.
func (r *Registry) RegisterTransform(name string, f TransformFactory) {
	if _, exists := r.transforms[name]; exists {
		panic(fmt.Sprintf("layer type '%s' already registered", name))
	}
	slog.Debug("Registering layer type.", "name", name)
	r.transforms[name] = f
}

// RegisterFilter registers the factory for a filter type.
func (r *Registry) RegisterFilter(name string, f FilterFactory) {
	if _, exists := r.filters[name]; exists {
		panic(fmt.Sprintf("filter type '%s' already registered", name))
	}
	slog.Debug("Registering filter type.", "name", name)
	r.filters[name] = f
}
