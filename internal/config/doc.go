// Package config defines the format-agnostic model of a pipeline definition
// and the Loader interface that produces it.
//
// A pipeline is an ordered list of blocks. Each block names a kind (source,
// layer, filter or cache) and a type registered by a module, and carries an
// undecoded body. Decoding a body into the parameters of a layer is left to
// the factory that owns the type, so the model stays free of module details.
// Concrete loaders, such as the HCL one, live in separate packages.
package config
