// Package identity derives the structural identity of a piece of logic.
//
// Logic is identified by three things and nothing else: a registered code id
// (for example "imageops.zoom"), an integer code version that authors bump
// whenever the behaviour of that code changes, and the parameters the logic
// closes over, expressed as a plain cty.Value. Nested identities cover logic
// that is built out of other logic.
//
// Two identities are equal exactly when all of those parts are equal. The
// params comparison is typed and structural: the object {factor = 0.25} and
// the map {factor = 0.25} differ, as do the number 1 and the string "1". Go
// object identity never participates.
package identity

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/vk/keygraph/internal/fingerprint"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

const identityTag = "keygraph/identity/v1"

// ErrUnfingerprintable is matched by every UnfingerprintableLogicError.
var ErrUnfingerprintable = errors.New("unfingerprintable logic")

// UnfingerprintableLogicError reports logic whose configuration cannot be
// hashed structurally.
type UnfingerprintableLogicError struct {
	Code   string
	Reason string
}

func (e *UnfingerprintableLogicError) Error() string {
	return fmt.Sprintf("logic %q cannot be fingerprinted: %s", e.Code, e.Reason)
}

// Is makes errors.Is(err, ErrUnfingerprintable) succeed.
func (e *UnfingerprintableLogicError) Is(target error) bool {
	return target == ErrUnfingerprintable
}

// Identity is the immutable, hashed description of a piece of logic.
type Identity struct {
	code    string
	version int
	params  cty.Value
	nested  []Identity
	digest  fingerprint.Fingerprint
}

// New builds and digests an identity. A NilVal params is treated as an empty
// object.
func New(code string, version int, params cty.Value, nested ...Identity) (Identity, error) {
	if code == "" {
		return Identity{}, &UnfingerprintableLogicError{Code: code, Reason: "empty code id"}
	}
	if version < 0 {
		return Identity{}, &UnfingerprintableLogicError{Code: code, Reason: "negative version"}
	}
	if params.Type() == cty.NilType {
		params = cty.EmptyObjectVal
	}
	if err := checkParams(params); err != nil {
		return Identity{}, &UnfingerprintableLogicError{Code: code, Reason: err.Error()}
	}
	for i, n := range nested {
		if n.IsZero() {
			return Identity{}, &UnfingerprintableLogicError{Code: code, Reason: fmt.Sprintf("nested identity %d is unset", i)}
		}
	}

	tyJSON, err := ctyjson.MarshalType(params.Type())
	if err != nil {
		return Identity{}, &UnfingerprintableLogicError{Code: code, Reason: fmt.Sprintf("params type: %s", err)}
	}
	valJSON, err := ctyjson.Marshal(params, params.Type())
	if err != nil {
		return Identity{}, &UnfingerprintableLogicError{Code: code, Reason: fmt.Sprintf("params value: %s", err)}
	}

	b := fingerprint.NewBuilder(identityTag).
		String(code).
		Uint(uint64(version)).
		Bytes(tyJSON).
		Bytes(valJSON).
		Uint(uint64(len(nested)))
	for _, n := range nested {
		b.Fingerprint(n.digest)
	}

	return Identity{
		code:    code,
		version: version,
		params:  params,
		nested:  append([]Identity(nil), nested...),
		digest:  b.Sum(),
	}, nil
}

// FromGo converts plain Go configuration (numbers, strings, bools, slices,
// maps and structs with `cty` tags) into params and calls New.
func FromGo(code string, version int, params any, nested ...Identity) (Identity, error) {
	if params == nil {
		return New(code, version, cty.EmptyObjectVal, nested...)
	}
	if err := checkStructTags(reflect.TypeOf(params)); err != nil {
		return Identity{}, &UnfingerprintableLogicError{Code: code, Reason: err.Error()}
	}
	ty, err := gocty.ImpliedType(params)
	if err != nil {
		return Identity{}, &UnfingerprintableLogicError{Code: code, Reason: err.Error()}
	}
	val, err := gocty.ToCtyValue(params, ty)
	if err != nil {
		return Identity{}, &UnfingerprintableLogicError{Code: code, Reason: err.Error()}
	}
	return New(code, version, val, nested...)
}

// MustNew is New for statically known identities; it panics on error.
func MustNew(code string, version int, params cty.Value, nested ...Identity) Identity {
	id, err := New(code, version, params, nested...)
	if err != nil {
		panic(err)
	}
	return id
}

// Code returns the registered code id.
func (i Identity) Code() string { return i.code }

// Version returns the code version.
func (i Identity) Version() int { return i.version }

// Params returns the closed-over configuration.
func (i Identity) Params() cty.Value { return i.params }

// Nested returns a copy of the nested identities.
func (i Identity) Nested() []Identity { return append([]Identity(nil), i.nested...) }

// Digest returns the identity's fingerprint.
func (i Identity) Digest() fingerprint.Fingerprint { return i.digest }

// IsZero reports whether i was never built through New.
func (i Identity) IsZero() bool { return i.digest.IsZero() }

// Equal reports fingerprint equality.
func (i Identity) Equal(other Identity) bool { return i.digest == other.digest }

func (i Identity) String() string {
	return fmt.Sprintf("%s@v%d#%s", i.code, i.version, i.digest.Short())
}

func checkParams(v cty.Value) error {
	if v.ContainsMarked() {
		return errors.New("params contain marked values")
	}
	if !v.IsWhollyKnown() {
		return errors.New("params contain unknown values")
	}
	if hasCapsule(v.Type()) {
		return errors.New("params contain a capsule type")
	}
	return nil
}

func hasCapsule(ty cty.Type) bool {
	switch {
	case ty.IsCapsuleType():
		return true
	case ty.IsListType(), ty.IsSetType(), ty.IsMapType():
		return hasCapsule(ty.ElementType())
	case ty.IsObjectType():
		for _, at := range ty.AttributeTypes() {
			if hasCapsule(at) {
				return true
			}
		}
	case ty.IsTupleType():
		for _, et := range ty.TupleElementTypes() {
			if hasCapsule(et) {
				return true
			}
		}
	}
	return false
}

// checkStructTags rejects structs with exported fields that gocty would
// silently drop for lack of a `cty` tag.
func checkStructTags(t reflect.Type) error {
	return walkStructTags(t, map[reflect.Type]bool{})
}

func walkStructTags(t reflect.Type, seen map[reflect.Type]bool) error {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if seen[t] {
		return nil
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return walkStructTags(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if _, ok := f.Tag.Lookup("cty"); !ok {
				return fmt.Errorf("field %s.%s has no cty tag", t.Name(), f.Name)
			}
			if err := walkStructTags(f.Type, seen); err != nil {
				return err
			}
		}
	}
	return nil
}
