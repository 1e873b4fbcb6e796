// Package registry maps the type names used in pipeline definitions to the
// compiled factories that build layers.
//
// Modules register their factories at startup. When a pipeline is built,
// each `source`, `layer` and `filter` block is handed to the factory
// registered under its type, which decodes the block body and returns the
// logic and identity the layer needs. Registering a name twice is a
// programming error and panics.
package registry
