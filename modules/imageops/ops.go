package imageops

import (
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/keygraph/internal/grid"
	"github.com/vk/keygraph/internal/hcl_adapter"
)

// BinarizeConfig is the body of a `layer "binarize"` block.
type BinarizeConfig struct {
	Field     string   `hcl:"field,optional"`
	Output    string   `hcl:"output,optional"`
	Fields    []string `hcl:"fields,optional"`
	Threshold float64  `hcl:"threshold,optional"`
}

type binarizeParams struct {
	Threshold float64 `cty:"threshold"`
}

func newBinarize(body hcl.Body) (Op, error) {
	cfg := BinarizeConfig{Threshold: 128}
	if err := hcl_adapter.DecodeBody(body, &cfg); err != nil {
		return Op{}, err
	}
	return Binarize(Wiring{Field: cfg.Field, Output: cfg.Output, Fields: cfg.Fields}, cfg.Threshold), nil
}

// Binarize maps cells at or above threshold to 1 and the rest to 0.
func Binarize(w Wiring, threshold float64) Op {
	return Op{
		wiring: w,
		code:   "binarize",
		params: binarizeParams{Threshold: threshold},
		apply: func(g grid.Grid) grid.Grid {
			out := grid.New(g.Rows(), g.Cols())
			for i, row := range g {
				for j, c := range row {
					if c >= threshold {
						out[i][j] = 1
					}
				}
			}
			return out
		},
	}
}

// ZoomConfig is the body of a `layer "zoom"` block.
type ZoomConfig struct {
	Field  string   `hcl:"field,optional"`
	Output string   `hcl:"output,optional"`
	Fields []string `hcl:"fields,optional"`
	Factor float64  `hcl:"factor"`
}

type zoomParams struct {
	Factor float64 `cty:"factor"`
}

func newZoom(body hcl.Body) (Op, error) {
	var cfg ZoomConfig
	if err := hcl_adapter.DecodeBody(body, &cfg); err != nil {
		return Op{}, err
	}
	if cfg.Factor <= 0 || math.IsInf(cfg.Factor, 0) || math.IsNaN(cfg.Factor) {
		return Op{}, fmt.Errorf("zoom: factor must be a positive number, got %v", cfg.Factor)
	}
	return Zoom(Wiring{Field: cfg.Field, Output: cfg.Output, Fields: cfg.Fields}, cfg.Factor), nil
}

// Zoom rescales a grid by factor with nearest-neighbour sampling. A
// non-empty dimension never shrinks below one cell.
func Zoom(w Wiring, factor float64) Op {
	scale := func(n int) int {
		if n == 0 {
			return 0
		}
		return max(1, int(math.Round(float64(n)*factor)))
	}
	return Op{
		wiring: w,
		code:   "zoom",
		params: zoomParams{Factor: factor},
		apply: func(g grid.Grid) grid.Grid {
			rows, cols := scale(g.Rows()), scale(g.Cols())
			out := grid.New(rows, cols)
			for i := range out {
				si := min(g.Rows()-1, int(float64(i)/factor))
				for j := range out[i] {
					sj := min(g.Cols()-1, int(float64(j)/factor))
					out[i][j] = g[si][sj]
				}
			}
			return out
		},
	}
}

// CropConfig is the body of a `layer "crop"` block. Margins count cells
// removed from each edge.
type CropConfig struct {
	Field  string   `hcl:"field,optional"`
	Output string   `hcl:"output,optional"`
	Fields []string `hcl:"fields,optional"`
	Top    int      `hcl:"top,optional"`
	Bottom int      `hcl:"bottom,optional"`
	Left   int      `hcl:"left,optional"`
	Right  int      `hcl:"right,optional"`
}

type cropParams struct {
	Top    int `cty:"top"`
	Bottom int `cty:"bottom"`
	Left   int `cty:"left"`
	Right  int `cty:"right"`
}

func newCrop(body hcl.Body) (Op, error) {
	var cfg CropConfig
	if err := hcl_adapter.DecodeBody(body, &cfg); err != nil {
		return Op{}, err
	}
	if cfg.Top < 0 || cfg.Bottom < 0 || cfg.Left < 0 || cfg.Right < 0 {
		return Op{}, fmt.Errorf("crop: margins cannot be negative")
	}
	return Crop(Wiring{Field: cfg.Field, Output: cfg.Output, Fields: cfg.Fields}, cfg.Top, cfg.Bottom, cfg.Left, cfg.Right), nil
}

// Crop removes margins from each edge. Margins larger than the grid leave
// it without cells.
func Crop(w Wiring, top, bottom, left, right int) Op {
	return Op{
		wiring: w,
		code:   "crop",
		params: cropParams{Top: top, Bottom: bottom, Left: left, Right: right},
		apply: func(g grid.Grid) grid.Grid {
			rows := max(0, g.Rows()-top-bottom)
			cols := max(0, g.Cols()-left-right)
			if rows == 0 || cols == 0 {
				return grid.Grid{}
			}
			out := grid.New(rows, cols)
			for i := range out {
				copy(out[i], g[top+i][left:left+cols])
			}
			return out
		},
	}
}
