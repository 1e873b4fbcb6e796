// Package serializer turns cty values into bytes for durable tiers.
//
// A serializer never records the value's type: the disk envelope stores the
// type separately and passes it back to Unmarshal. Serializers compose with a
// compression codec through a name such as "msgpack+zstd".
package serializer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	ctymsgpack "github.com/zclconf/go-cty/cty/msgpack"
)

// Default is the serializer used when none is configured.
const Default = "msgpack"

// Serializer encodes and decodes values of a known type.
type Serializer interface {
	Name() string
	Marshal(v cty.Value) ([]byte, error)
	Unmarshal(data []byte, ty cty.Type) (cty.Value, error)
}

var bases = map[string]Serializer{
	"msgpack": msgpackSerializer{},
	"json":    jsonSerializer{},
	"string":  stringSerializer{},
}

// Parse builds a serializer from its name: a base name optionally followed by
// one or more "+codec" suffixes, applied innermost first.
func Parse(name string) (Serializer, error) {
	if name == "" {
		name = Default
	}
	parts := strings.Split(name, "+")
	s, ok := bases[parts[0]]
	if !ok {
		return nil, fmt.Errorf("unknown serializer %q (known: %s)", parts[0], strings.Join(Names(), ", "))
	}
	for _, c := range parts[1:] {
		codec, ok := codecs[c]
		if !ok {
			return nil, fmt.Errorf("unknown compression codec %q in serializer %q", c, name)
		}
		s = Compressed(s, codec)
	}
	return s, nil
}

// Names lists the base serializers.
func Names() []string {
	names := make([]string, 0, len(bases))
	for n := range bases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type msgpackSerializer struct{}

func (msgpackSerializer) Name() string { return "msgpack" }

func (msgpackSerializer) Marshal(v cty.Value) ([]byte, error) {
	return ctymsgpack.Marshal(v, v.Type())
}

func (msgpackSerializer) Unmarshal(data []byte, ty cty.Type) (cty.Value, error) {
	return ctymsgpack.Unmarshal(data, ty)
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string { return "json" }

func (jsonSerializer) Marshal(v cty.Value) ([]byte, error) {
	return ctyjson.Marshal(v, v.Type())
}

func (jsonSerializer) Unmarshal(data []byte, ty cty.Type) (cty.Value, error) {
	return ctyjson.Unmarshal(data, ty)
}

// stringSerializer stores a string value as its raw bytes.
type stringSerializer struct{}

func (stringSerializer) Name() string { return "string" }

func (stringSerializer) Marshal(v cty.Value) ([]byte, error) {
	if !v.Type().Equals(cty.String) {
		return nil, fmt.Errorf("string serializer cannot store a value of type %s", v.Type().FriendlyName())
	}
	if v.IsNull() || !v.IsKnown() {
		return nil, errors.New("string serializer cannot store a null or unknown value")
	}
	return []byte(v.AsString()), nil
}

func (stringSerializer) Unmarshal(data []byte, ty cty.Type) (cty.Value, error) {
	if !ty.Equals(cty.String) {
		return cty.NilVal, fmt.Errorf("string serializer cannot produce a value of type %s", ty.FriendlyName())
	}
	if !utf8.Valid(data) {
		return cty.NilVal, errors.New("stored string is not valid UTF-8")
	}
	return cty.StringVal(string(data)), nil
}
