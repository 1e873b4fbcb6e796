package config

import (
	"context"
)

// Loader is the interface for a format-specific pipeline loader.
type Loader interface {
	// Load reads the pipeline definition found at paths and returns its
	// blocks in application order.
	Load(ctx context.Context, paths ...string) (*Pipeline, error)
}
