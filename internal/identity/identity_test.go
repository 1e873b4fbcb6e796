package identity

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func zoomParams(factor float64) cty.Value {
	return cty.ObjectVal(map[string]cty.Value{
		"factor": cty.NumberFloatVal(factor),
		"field":  cty.StringVal("image"),
	})
}

func TestEquivalence(t *testing.T) {
	t.Run("equal params from distinct values are equal", func(t *testing.T) {
		a := MustNew("imageops.zoom", 1, zoomParams(0.25))
		b := MustNew("imageops.zoom", 1, zoomParams(0.25))
		assert.True(t, a.Equal(b))
		assert.Equal(t, a.Digest(), b.Digest())
	})

	t.Run("Go structs with equal fields are equal", func(t *testing.T) {
		type cfg struct {
			Factor float64 `cty:"factor"`
			Field  string  `cty:"field"`
		}
		a, err := FromGo("imageops.zoom", 1, cfg{Factor: 0.25, Field: "image"})
		require.NoError(t, err)
		b, err := FromGo("imageops.zoom", 1, &cfg{Factor: 0.25, Field: "image"})
		require.NoError(t, err)
		assert.True(t, a.Equal(b))

		// Same shape built directly as cty is also equal.
		c := MustNew("imageops.zoom", 1, zoomParams(0.25))
		assert.True(t, a.Equal(c))
	})

	t.Run("attribute order in source does not matter", func(t *testing.T) {
		a := MustNew("x", 1, cty.ObjectVal(map[string]cty.Value{"a": cty.NumberIntVal(1), "b": cty.NumberIntVal(2)}))
		b := MustNew("x", 1, cty.ObjectVal(map[string]cty.Value{"b": cty.NumberIntVal(2), "a": cty.NumberIntVal(1)}))
		assert.True(t, a.Equal(b))
	})

	t.Run("nil params equal empty object", func(t *testing.T) {
		a := MustNew("x", 1, cty.NilVal)
		b := MustNew("x", 1, cty.EmptyObjectVal)
		assert.True(t, a.Equal(b))
	})
}

func TestSensitivity(t *testing.T) {
	base := MustNew("imageops.zoom", 1, zoomParams(0.25))

	cases := map[string]Identity{
		"param value":  MustNew("imageops.zoom", 1, zoomParams(0.5)),
		"code version": MustNew("imageops.zoom", 2, zoomParams(0.25)),
		"code id":      MustNew("imageops.crop", 1, zoomParams(0.25)),
		"params type": MustNew("imageops.zoom", 1, cty.MapVal(map[string]cty.Value{
			"factor": cty.StringVal("0.25"),
			"field":  cty.StringVal("image"),
		})),
		"nested": MustNew("imageops.zoom", 1, zoomParams(0.25), MustNew("inner", 1, cty.NilVal)),
	}
	for name, other := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, base.Equal(other))
		})
	}

	t.Run("number and string differ", func(t *testing.T) {
		a := MustNew("x", 1, cty.NumberIntVal(1))
		b := MustNew("x", 1, cty.StringVal("1"))
		assert.False(t, a.Equal(b))
	})

	t.Run("object and map with same content differ", func(t *testing.T) {
		obj := MustNew("x", 1, cty.ObjectVal(map[string]cty.Value{"a": cty.StringVal("v")}))
		m := MustNew("x", 1, cty.MapVal(map[string]cty.Value{"a": cty.StringVal("v")}))
		assert.False(t, obj.Equal(m))
	})

	t.Run("nested order matters", func(t *testing.T) {
		n1 := MustNew("n1", 1, cty.NilVal)
		n2 := MustNew("n2", 1, cty.NilVal)
		a := MustNew("x", 1, cty.NilVal, n1, n2)
		b := MustNew("x", 1, cty.NilVal, n2, n1)
		assert.False(t, a.Equal(b))
	})
}

func TestUnfingerprintable(t *testing.T) {
	handleType := cty.Capsule("handle", reflect.TypeOf(0))
	handle := 7

	cases := map[string]func() error{
		"unknown value": func() error {
			_, err := New("x", 1, cty.ObjectVal(map[string]cty.Value{"a": cty.UnknownVal(cty.String)}))
			return err
		},
		"marked value": func() error {
			_, err := New("x", 1, cty.StringVal("secret").Mark("sensitive"))
			return err
		},
		"capsule": func() error {
			_, err := New("x", 1, cty.ListVal([]cty.Value{cty.CapsuleVal(handleType, &handle)}))
			return err
		},
		"go func": func() error {
			_, err := FromGo("x", 1, func() {})
			return err
		},
		"go channel in map": func() error {
			_, err := FromGo("x", 1, map[string]chan int{"c": make(chan int)})
			return err
		},
		"untagged struct field": func() error {
			_, err := FromGo("x", 1, struct{ Threshold float64 }{Threshold: 0.5})
			return err
		},
		"empty code": func() error {
			_, err := New("", 1, cty.NilVal)
			return err
		},
		"unset nested": func() error {
			_, err := New("x", 1, cty.NilVal, Identity{})
			return err
		},
	}

	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			err := fn()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnfingerprintable)
			var ue *UnfingerprintableLogicError
			require.ErrorAs(t, err, &ue)
			assert.NotEmpty(t, ue.Reason)
		})
	}
}

func TestAccessors(t *testing.T) {
	inner := MustNew("inner", 3, cty.NilVal)
	id := MustNew("outer", 2, zoomParams(0.25), inner)

	assert.Equal(t, "outer", id.Code())
	assert.Equal(t, 2, id.Version())
	assert.True(t, id.Params().RawEquals(zoomParams(0.25)))
	require.Len(t, id.Nested(), 1)
	assert.True(t, id.Nested()[0].Equal(inner))
	assert.Contains(t, id.String(), "outer@v2#")
	assert.False(t, id.IsZero())
	assert.True(t, Identity{}.IsZero())
}
