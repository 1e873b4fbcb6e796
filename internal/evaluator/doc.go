// Package evaluator resolves a field for a key by walking the graph lazily.
//
// Each call runs in two passes. The first pass is pure: it hashes every node
// reachable from the target into a fingerprint, dependencies first. The
// second pass resolves values top-down so that a cache hit on a node stops
// the walk before any of its inputs are touched:
//
//  1. per-call memo (diamonds resolve once),
//  2. the node's tiers, in order, with earlier tiers backfilled on a hit,
//  3. otherwise resolve inputs and compute under a singleflight keyed by the
//     fingerprint, then publish into every tier of the node.
//
// Logic failures surface as *ComputationError and are never cached.
package evaluator
