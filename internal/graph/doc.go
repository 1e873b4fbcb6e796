// Package graph holds the immutable mapping from field name to node that a
// pipeline definition compiles into.
//
// # Composition
//
// A Graph is never modified. Every operation that would change it (adding a
// node, attaching a key lister, registering a filter) returns a new Graph and
// leaves the receiver untouched. Layers are pure functions from one Graph to
// the next:
//
//	source ──▶ transform ──▶ cache ──▶ transform ──▶ filter ──▶ ...
//	   G0          G1          G2          G3          G4
//
// Every node's inputs are resolved to concrete *node.Node values at the
// moment the node is added. A later layer that re-binds a field (an override,
// or a cache layer attaching tiers) therefore never rewires nodes that were
// composed before it, which keeps every previously reachable node's
// fingerprint stable across composition.
//
// # Fail-fast errors
//
// Structural problems surface from Add and Compose and never at evaluation
// time:
//   - NameConflictError: a field is bound twice without override.
//   - UnresolvedDependencyError: an input is not the node currently bound at
//     its field.
//
// # Acyclicity
//
// A node can only read from nodes that already exist in the Graph, so cycles
// cannot be expressed. No cycle check is needed.
//
// # Thread-Safety
//
// Graphs are immutable values and safe to share between goroutines. The
// underlying map is a persistent sorted map, so each derived Graph shares
// structure with its parent.
package graph
