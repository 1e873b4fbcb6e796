package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/identity"
	"github.com/zclconf/go-cty/cty"
)

// Key identifies one dataset entry. The core treats it as opaque.
type Key string

// Args is what a ComputeFunc receives: the key being evaluated and the values
// of the node's inputs in declaration order.
type Args struct {
	Key    Key
	Fields []string
	Values []cty.Value
}

// Get returns the value of the named input, or cty.NilVal if the node has no
// such input.
func (a Args) Get(field string) cty.Value {
	for i, f := range a.Fields {
		if f == field {
			return a.Values[i]
		}
	}
	return cty.NilVal
}

// ComputeFunc is the deterministic logic behind a node.
type ComputeFunc func(ctx context.Context, args Args) (cty.Value, error)

// Node is one named computable output. Nodes are immutable: the only way to
// change one is to build a new one, which is what graph composition does.
type Node struct {
	// field is the name the node is bound to in a graph.
	field string
	// identity captures the logic; its digest feeds every fingerprint.
	identity identity.Identity
	// inputs are resolved at composition time and never rewired.
	inputs []*Node
	// compute produces the value from the resolved inputs.
	compute ComputeFunc
	// leaf nodes read raw source data and mix the key into their fingerprint.
	leaf bool
	// tiers are probed in order before compute is invoked.
	tiers []cache.Tier
}

// NewLeaf creates a source node. Its logic receives only the key.
func NewLeaf(field string, id identity.Identity, compute ComputeFunc) (*Node, error) {
	n, err := build(field, id, nil, compute)
	if err != nil {
		return nil, err
	}
	n.leaf = true
	return n, nil
}

// New creates a derived node whose inputs are already-built nodes.
func New(field string, id identity.Identity, inputs []*Node, compute ComputeFunc) (*Node, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("node %q: a derived node needs at least one input", field)
	}
	return build(field, id, inputs, compute)
}

func build(field string, id identity.Identity, inputs []*Node, compute ComputeFunc) (*Node, error) {
	if field == "" {
		return nil, errors.New("node field name cannot be empty")
	}
	if id.IsZero() {
		return nil, fmt.Errorf("node %q: identity is unset", field)
	}
	if compute == nil {
		return nil, fmt.Errorf("node %q: compute function is nil", field)
	}
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("node %q: input %d is nil", field, i)
		}
	}
	return &Node{
		field:    field,
		identity: id,
		inputs:   append([]*Node(nil), inputs...),
		compute:  compute,
	}, nil
}

// Field returns the name the node produces.
func (n *Node) Field() string { return n.field }

// Identity returns the logic identity.
func (n *Node) Identity() identity.Identity { return n.identity }

// Leaf reports whether the node is a source node.
func (n *Node) Leaf() bool { return n.leaf }

// Inputs returns a copy of the resolved inputs.
func (n *Node) Inputs() []*Node { return append([]*Node(nil), n.inputs...) }

// Tiers returns a copy of the attached cache tiers.
func (n *Node) Tiers() []cache.Tier { return append([]cache.Tier(nil), n.tiers...) }

// Compute invokes the node's logic.
func (n *Node) Compute(ctx context.Context, args Args) (cty.Value, error) {
	return n.compute(ctx, args)
}

// InputFields lists the field names of the inputs, in order.
func (n *Node) InputFields() []string {
	fields := make([]string, len(n.inputs))
	for i, in := range n.inputs {
		fields[i] = in.field
	}
	return fields
}

// WithTiers returns a copy of n with additional cache tiers appended. The
// copy derives exactly the same fingerprint as n.
func (n *Node) WithTiers(tiers ...cache.Tier) *Node {
	cp := *n
	cp.inputs = append([]*Node(nil), n.inputs...)
	cp.tiers = append(append([]cache.Tier(nil), n.tiers...), tiers...)
	return &cp
}

// SameDerivation reports whether n and other derive the same fingerprint for
// every key: same identity, same leafness and pairwise-same inputs.
func (n *Node) SameDerivation(other *Node) bool {
	if n == other {
		return true
	}
	if n == nil || other == nil {
		return false
	}
	if n.leaf != other.leaf || !n.identity.Equal(other.identity) || len(n.inputs) != len(other.inputs) {
		return false
	}
	for i := range n.inputs {
		if !n.inputs[i].SameDerivation(other.inputs[i]) {
			return false
		}
	}
	return true
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.field, n.identity)
}
