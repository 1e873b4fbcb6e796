package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrNameConflict is matched by every NameConflictError.
	ErrNameConflict = errors.New("name conflict")
	// ErrUnresolvedDependency is matched by every UnresolvedDependencyError.
	ErrUnresolvedDependency = errors.New("unresolved dependency")
	// ErrUnknownKey is matched by every UnknownKeyError.
	ErrUnknownKey = errors.New("unknown key")
)

// NameConflictError reports a field bound twice without override.
type NameConflictError struct {
	Field string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("field %q is already defined; mark the layer as an override to replace it", e.Field)
}

func (e *NameConflictError) Is(target error) bool { return target == ErrNameConflict }

// UnresolvedDependencyError reports a reference to a field that does not
// exist in the graph being composed. Field is empty when the reference came
// from a layer rather than a node.
type UnresolvedDependencyError struct {
	Field      string
	Dependency string
}

func (e *UnresolvedDependencyError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("field %q is not defined", e.Dependency)
	}
	return fmt.Sprintf("field %q depends on undefined field %q", e.Field, e.Dependency)
}

func (e *UnresolvedDependencyError) Is(target error) bool { return target == ErrUnresolvedDependency }

// UnknownKeyError reports a key the source does not list, raised only for
// graphs composed with key checking.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("key %q is not listed by the source", e.Key)
}

func (e *UnknownKeyError) Is(target error) bool { return target == ErrUnknownKey }
