package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Module is the interface that all core modules must implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Registry holds the factories registered by modules for a single
// application instance.
type Registry struct {
	sources    map[string]SourceFactory
	transforms map[string]TransformFactory
	filters    map[string]FilterFactory
}

// New creates and initializes a new Registry instance.
func New() *Registry {
	return &Registry{
		sources:    make(map[string]SourceFactory),
		transforms: make(map[string]TransformFactory),
		filters:    make(map[string]FilterFactory),
	}
}

// Load registers every module in order.
func (r *Registry) Load(modules ...Module) *Registry {
	for _, m := range modules {
		m.Register(r)
	}
	return r
}

// Source returns the factory registered for a source type.
func (r *Registry) Source(name string) (SourceFactory, error) {
	f, ok := r.sources[name]
	if !ok {
		return nil, unknown("source", name, r.sources)
	}
	return f, nil
}

// Transform returns the factory registered for a layer type.
func (r *Registry) Transform(name string) (TransformFactory, error) {
	f, ok := r.transforms[name]
	if !ok {
		return nil, unknown("layer", name, r.transforms)
	}
	return f, nil
}

// Filter returns the factory registered for a filter type.
func (r *Registry) Filter(name string) (FilterFactory, error) {
	f, ok := r.filters[name]
	if !ok {
		return nil, unknown("filter", name, r.filters)
	}
	return f, nil
}

// Types returns the registered type names per block kind, sorted.
func (r *Registry) Types() map[string][]string {
	return map[string][]string{
		"source": names(r.sources),
		"layer":  names(r.transforms),
		"filter": names(r.filters),
	}
}

func unknown[T any](kind, name string, m map[string]T) error {
	known := names(m)
	if len(known) == 0 {
		return fmt.Errorf("unknown %s type %q: no %s types are registered", kind, name, kind)
	}
	return fmt.Errorf("unknown %s type %q (known: %s)", kind, name, strings.Join(known, ", "))
}

func names[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
