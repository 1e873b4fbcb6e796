// Package memory provides the RAM cache tier.
//
// # Purpose
//
// The RAM tier keeps computed values in process memory, keyed by
// fingerprint. It is the first tier a node usually probes and the one the
// disk tier backfills into on a hit.
//
// # Characteristics
//
//   - **Volatile:** Entries live until Clear or process exit.
//   - **Thread-Safe:** Concurrent Get and Put from any number of goroutines.
//   - **Zero-Copy:** Values are stored as immutable cty.Value, unserialized.
//
// # Concurrency Model
//
// An unbounded tier uses sync.Map: keys are fingerprints, written once and
// read many times.
//
// A bounded tier uses hashicorp/golang-lru, which guards its list with an
// internal mutex. Eviction only ever turns a future hit into a miss.
package memory
