package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/immutable"
	"github.com/vk/keygraph/internal/node"
)

// PrivatePrefix marks fields that exist for internal wiring (filter
// predicates) and are hidden from Fields.
const PrivatePrefix = "$"

// KeyLister enumerates the keys of a dataset.
type KeyLister func(ctx context.Context) ([]node.Key, error)

// Layer contributes nodes to a graph.
type Layer interface {
	Name() string
	Apply(g *Graph) (*Graph, error)
}

// Graph is an immutable mapping from field name to node.
type Graph struct {
	fields  *immutable.SortedMap[string, *node.Node]
	keys      KeyLister
	checkKeys bool
	filters   []string
	layers    []string
}

// Empty returns a graph with no fields and no keys.
func Empty() *Graph {
	return &Graph{fields: immutable.NewSortedMap[string, *node.Node](nil)}
}

func (g *Graph) clone() *Graph {
	cp := *g
	return &cp
}

// Len returns the number of bound fields, private ones included.
func (g *Graph) Len() int {
	return g.fields.Len()
}

// Fields returns the sorted public field names.
func (g *Graph) Fields() []string {
	out := make([]string, 0, g.fields.Len())
	itr := g.fields.Iterator()
	for !itr.Done() {
		k, _, _ := itr.Next()
		if !strings.HasPrefix(k, PrivatePrefix) {
			out = append(out, k)
		}
	}
	return out
}

// Lookup returns the node bound at field.
func (g *Graph) Lookup(field string) (*node.Node, bool) {
	return g.fields.Get(field)
}

// Resolve is Lookup that reports a missing field as UnresolvedDependencyError.
func (g *Graph) Resolve(field string) (*node.Node, error) {
	n, ok := g.fields.Get(field)
	if !ok {
		return nil, &UnresolvedDependencyError{Dependency: field}
	}
	return n, nil
}

// Add returns a graph with n bound at n.Field(). An existing binding is
// replaced only with override. Every input of n must be the node currently
// bound at its field.
func (g *Graph) Add(n *node.Node, override bool) (*Graph, error) {
	if n == nil {
		return nil, errors.New("cannot add a nil node")
	}
	if _, ok := g.fields.Get(n.Field()); ok && !override {
		return nil, &NameConflictError{Field: n.Field()}
	}
	for _, in := range n.Inputs() {
		bound, ok := g.fields.Get(in.Field())
		if !ok || !bound.SameDerivation(in) {
			return nil, &UnresolvedDependencyError{Field: n.Field(), Dependency: in.Field()}
		}
	}
	return g.bind(n), nil
}

// Rebind replaces the node bound at n.Field() with n, which must derive the
// same fingerprint as the bound node. Inputs are not re-checked: they were
// resolved when the bound node was added, and may since have been
// overridden.
func (g *Graph) Rebind(n *node.Node) (*Graph, error) {
	if n == nil {
		return nil, errors.New("cannot rebind a nil node")
	}
	existing, ok := g.fields.Get(n.Field())
	if !ok {
		return nil, &UnresolvedDependencyError{Dependency: n.Field()}
	}
	if !existing.SameDerivation(n) {
		return nil, fmt.Errorf("rebinding field %q: %w", n.Field(), &NameConflictError{Field: n.Field()})
	}
	return g.bind(n), nil
}

func (g *Graph) bind(n *node.Node) *Graph {
	cp := g.clone()
	cp.fields = g.fields.Set(n.Field(), n)
	return cp
}

// HasKeys reports whether a key lister is attached.
func (g *Graph) HasKeys() bool {
	return g.keys != nil
}

// WithKeys returns a graph enumerating keys through lister.
func (g *Graph) WithKeys(lister KeyLister) *Graph {
	cp := g.clone()
	cp.keys = lister
	return cp
}

// SourceKeys lists the keys as the source reports them, before filters.
func (g *Graph) SourceKeys(ctx context.Context) ([]node.Key, error) {
	if g.keys == nil {
		return nil, errors.New("graph has no source: keys cannot be listed")
	}
	return g.keys(ctx)
}

// WithKeyCheck returns a graph whose keys are validated against the source
// listing before evaluation.
func (g *Graph) WithKeyCheck() (*Graph, error) {
	if g.keys == nil {
		return nil, errors.New("graph has no source: keys cannot be checked")
	}
	cp := g.clone()
	cp.checkKeys = true
	return cp, nil
}

// ChecksKeys reports whether WithKeyCheck was applied.
func (g *Graph) ChecksKeys() bool {
	return g.checkKeys
}

// WithFilter registers a boolean field that must hold for a key to be listed.
func (g *Graph) WithFilter(field string) (*Graph, error) {
	if _, ok := g.fields.Get(field); !ok {
		return nil, &UnresolvedDependencyError{Dependency: field}
	}
	cp := g.clone()
	cp.filters = append(append([]string(nil), g.filters...), field)
	return cp, nil
}

// Filters returns the predicate fields in registration order.
func (g *Graph) Filters() []string {
	return append([]string(nil), g.filters...)
}

// Layers returns the names of the layers composed so far.
func (g *Graph) Layers() []string {
	return append([]string(nil), g.layers...)
}

// Compose applies layers in order. The first failure aborts composition.
func (g *Graph) Compose(layers ...Layer) (*Graph, error) {
	cur := g
	for _, l := range layers {
		next, err := l.Apply(cur)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name(), err)
		}
		next = next.clone()
		next.layers = append(append([]string(nil), cur.layers...), l.Name())
		cur = next
	}
	return cur, nil
}

// Plan returns the nodes needed to produce field, dependencies first. Each
// node appears once even if several paths reach it.
func (g *Graph) Plan(field string) ([]*node.Node, error) {
	target, err := g.Resolve(field)
	if err != nil {
		return nil, err
	}
	return PlanNode(target), nil
}

// PlanNode orders the subgraph reachable from target, dependencies first.
func PlanNode(target *node.Node) []*node.Node {
	var order []*node.Node
	visited := make(map[*node.Node]bool)

	var visit func(n *node.Node)
	visit = func(n *node.Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, in := range n.Inputs() {
			visit(in)
		}
		order = append(order, n)
	}
	visit(target)
	return order
}
