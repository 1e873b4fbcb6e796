package hcl_adapter

import (
	"fmt"
	"reflect"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

// DecodeBody decodes a block body into target, a pointer to a struct with
// `hcl` tags. Optional attributes absent from the body leave the target's
// field untouched, so callers pre-populate defaults. Expressions may read
// environment variables through `env`.
func DecodeBody(body hcl.Body, target any) error {
	if rv := reflect.ValueOf(target); rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", target)
	}
	if diags := gohcl.DecodeBody(body, processContext(), target); diags.HasErrors() {
		return diags
	}
	return nil
}
