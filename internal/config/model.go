package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// Block kinds.
const (
	KindSource = "source"
	KindLayer  = "layer"
	KindFilter = "filter"
	KindCache  = "cache"
)

// Kinds lists every block kind a pipeline may contain.
var Kinds = []string{KindSource, KindLayer, KindFilter, KindCache}

// Pipeline is the format-agnostic representation of a pipeline definition.
type Pipeline struct {
	// Files lists the definition files in the order they were read.
	Files []string
	// Blocks are kept in application order: file order, then position
	// within the file.
	Blocks []*Block
}

// Block is one top-level block such as `layer "zoom" { ... }`.
type Block struct {
	Kind string
	Type string
	// Index counts earlier blocks of the same kind and type, so that
	// repeated blocks get distinct names.
	Index    int
	Body     hcl.Body
	DefRange hcl.Range
}

// Name is the layer name of the block: its type, suffixed with its index
// when the type was used before.
func (b *Block) Name() string {
	if b.Index == 0 {
		return b.Type
	}
	return fmt.Sprintf("%s.%d", b.Type, b.Index)
}

// Count returns the number of blocks of the given kind.
func (p *Pipeline) Count(kind string) int {
	n := 0
	for _, b := range p.Blocks {
		if b.Kind == kind {
			n++
		}
	}
	return n
}
