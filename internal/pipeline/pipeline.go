// Package pipeline turns a loaded pipeline definition into a composed graph.
//
// Blocks are applied in the order the loader returns them. Source, layer and
// filter blocks are resolved through the registry, except the built-in
// `layer "check_keys"`. Cache blocks open their tier here and attach it to
// the fields bound at that point of the pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/vk/keygraph/internal/config"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/graph"
	"github.com/vk/keygraph/internal/hcl_adapter"
	"github.com/vk/keygraph/internal/layer"
	"github.com/vk/keygraph/internal/metrics"
	"github.com/vk/keygraph/internal/registry"
)

// CheckKeysType is the built-in `layer` type that rejects keys the source
// does not list. It takes no attributes.
const CheckKeysType = "check_keys"

// Options configures Build.
type Options struct {
	// Metrics receives tier corruption counts. May be nil.
	Metrics *metrics.Metrics
	// S3Client creates the client for `cache "s3"` blocks. Defaults to
	// s3store.NewClient.
	S3Client S3ClientFunc
}

// Pipeline is a built graph together with the resources its tiers hold.
type Pipeline struct {
	Graph   *graph.Graph
	closers []io.Closer
}

// Close releases every tier connection.
func (p *Pipeline) Close() error {
	var merr *multierror.Error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	p.closers = nil
	return merr.ErrorOrNil()
}

// Build composes the graph described by def.
func Build(ctx context.Context, def *config.Pipeline, reg *registry.Registry, opts Options) (*Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	if def == nil || len(def.Blocks) == 0 {
		return nil, errors.New("pipeline has no blocks")
	}
	if opts.S3Client == nil {
		opts.S3Client = defaultS3Client
	}

	p := &Pipeline{Graph: graph.Empty()}
	for _, b := range def.Blocks {
		l, err := p.layer(ctxlog.With(ctx, "block", b.Name()), b, reg, opts)
		if err == nil {
			p.Graph, err = p.Graph.Compose(l)
		}
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("%s: %s %q: %w", b.DefRange, b.Kind, b.Type, err)
		}
		logger.Debug("Applied pipeline block.", "kind", b.Kind, "type", b.Type, "name", b.Name())
	}

	if !p.Graph.HasKeys() {
		_ = p.Close()
		return nil, errors.New("pipeline has no source block")
	}
	logger.Info("Pipeline built.", "layers", len(p.Graph.Layers()), "fields", len(p.Graph.Fields()), "filters", len(p.Graph.Filters()))
	return p, nil
}

func (p *Pipeline) layer(ctx context.Context, b *config.Block, reg *registry.Registry, opts Options) (graph.Layer, error) {
	switch b.Kind {
	case config.KindSource:
		factory, err := reg.Source(b.Type)
		if err != nil {
			return nil, err
		}
		adapter, err := factory(ctx, b.Body)
		if err != nil {
			return nil, err
		}
		return layer.Source(b.Name(), adapter), nil

	case config.KindLayer:
		if b.Type == CheckKeysType {
			if err := hcl_adapter.DecodeBody(b.Body, &struct{}{}); err != nil {
				return nil, err
			}
			return layer.CheckKeys(b.Name()), nil
		}
		factory, err := reg.Transform(b.Type)
		if err != nil {
			return nil, err
		}
		t, err := factory(ctx, b.Body)
		if err != nil {
			return nil, err
		}
		switch {
		case len(t.Apply) > 0 && len(t.Outputs) > 0:
			return nil, errors.New("layer declares both outputs and in-place fields")
		case len(t.Apply) > 0:
			return layer.Apply(b.Name(), t.Apply...), nil
		}
		return layer.Transform(b.Name(), t.Override, t.Outputs...), nil

	case config.KindFilter:
		factory, err := reg.Filter(b.Type)
		if err != nil {
			return nil, err
		}
		pred, err := factory(ctx, b.Body)
		if err != nil {
			return nil, err
		}
		return layer.Filter(b.Name(), pred), nil

	case config.KindCache:
		tier, fields, closer, err := openTier(ctx, b, opts)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			p.closers = append(p.closers, closer)
		}
		return layer.Cache(b.Name(), fields, tier), nil
	}
	return nil, fmt.Errorf("unsupported block kind %q", b.Kind)
}
