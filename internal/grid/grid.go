// Package grid converts between 2-D numeric grids and their cty form, a
// list of lists of numbers.
package grid

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Type is the cty type of a grid value.
var Type = cty.List(cty.List(cty.Number))

// ShapeType is the cty type of a grid's shape: [rows, cols].
var ShapeType = cty.List(cty.Number)

// Grid is a rectangular grid of numbers in row-major order.
type Grid [][]float64

// New returns a zero grid of the given size.
func New(rows, cols int) Grid {
	g := make(Grid, rows)
	for i := range g {
		g[i] = make([]float64, cols)
	}
	return g
}

// FromValue converts a cty grid value. Ragged rows are rejected.
func FromValue(v cty.Value) (Grid, error) {
	if v.IsNull() || !v.IsWhollyKnown() {
		return nil, fmt.Errorf("grid value must be known and not null")
	}
	var g Grid
	if err := gocty.FromCtyValue(v, &g); err != nil {
		return nil, fmt.Errorf("value is not a grid: %w", err)
	}
	if g == nil {
		g = Grid{}
	}
	if err := g.check(); err != nil {
		return nil, err
	}
	return g, nil
}

// Value returns the cty form of g.
func (g Grid) Value() (cty.Value, error) {
	if err := g.check(); err != nil {
		return cty.NilVal, err
	}
	if len(g) == 0 {
		return cty.ListValEmpty(cty.List(cty.Number)), nil
	}
	rows := make([]cty.Value, len(g))
	for i, row := range g {
		if len(row) == 0 {
			rows[i] = cty.ListValEmpty(cty.Number)
			continue
		}
		v, err := gocty.ToCtyValue(row, cty.List(cty.Number))
		if err != nil {
			return cty.NilVal, err
		}
		rows[i] = v
	}
	return cty.ListVal(rows), nil
}

// Rows returns the number of rows.
func (g Grid) Rows() int { return len(g) }

// Cols returns the number of columns.
func (g Grid) Cols() int {
	if len(g) == 0 {
		return 0
	}
	return len(g[0])
}

// Shape returns [rows, cols] as a cty value.
func (g Grid) Shape() cty.Value {
	return cty.ListVal([]cty.Value{
		cty.NumberIntVal(int64(g.Rows())),
		cty.NumberIntVal(int64(g.Cols())),
	})
}

// Empty reports whether every cell is zero. A grid without cells is empty.
func (g Grid) Empty() bool {
	for _, row := range g {
		for _, c := range row {
			if c != 0 {
				return false
			}
		}
	}
	return true
}

func (g Grid) check() error {
	for i, row := range g {
		if len(row) != g.Cols() {
			return fmt.Errorf("grid row %d has %d cells, want %d", i, len(row), g.Cols())
		}
	}
	return nil
}
