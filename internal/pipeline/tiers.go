package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vk/keygraph/internal/blobstore"
	"github.com/vk/keygraph/internal/blobstore/fsstore"
	"github.com/vk/keygraph/internal/blobstore/remote"
	"github.com/vk/keygraph/internal/blobstore/s3store"
	"github.com/vk/keygraph/internal/cache"
	"github.com/vk/keygraph/internal/cache/disk"
	"github.com/vk/keygraph/internal/cache/memory"
	"github.com/vk/keygraph/internal/config"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/hcl_adapter"
	"github.com/vk/keygraph/internal/serializer"
)

// Stale temp files older than this are removed when a disk root is opened.
const tmpMaxAge = time.Hour

// S3ClientFunc creates the client used by an S3 tier.
type S3ClientFunc func(ctx context.Context, cfg s3store.Config) (s3store.Client, error)

func defaultS3Client(ctx context.Context, cfg s3store.Config) (s3store.Client, error) {
	return s3store.NewClient(ctx, cfg)
}

type memoryParams struct {
	Fields []string `hcl:"fields,optional"`
	Size   int      `hcl:"size,optional"`
}

// envelopeParams are the settings shared by every tier that stores
// envelopes in a blob store.
type envelopeParams struct {
	Serializer string
	Strict     bool
	Verify     bool
	Metadata   map[string]string
}

type diskParams struct {
	Fields     []string          `hcl:"fields,optional"`
	Root       string            `hcl:"root"`
	Levels     []int             `hcl:"levels,optional"`
	Serializer string            `hcl:"serializer,optional"`
	Strict     bool              `hcl:"strict,optional"`
	Verify     bool              `hcl:"verify,optional"`
	Metadata   map[string]string `hcl:"metadata,optional"`
}

type s3Params struct {
	Fields     []string          `hcl:"fields,optional"`
	Bucket     string            `hcl:"bucket"`
	Prefix     string            `hcl:"prefix,optional"`
	Region     string            `hcl:"region,optional"`
	Endpoint   string            `hcl:"endpoint,optional"`
	Serializer string            `hcl:"serializer,optional"`
	Strict     bool              `hcl:"strict,optional"`
	Verify     bool              `hcl:"verify,optional"`
	Metadata   map[string]string `hcl:"metadata,optional"`
}

type remoteParams struct {
	Fields     []string          `hcl:"fields,optional"`
	URL        string            `hcl:"url"`
	Namespace  string            `hcl:"namespace,optional"`
	Timeout    string            `hcl:"timeout,optional"`
	Insecure   bool              `hcl:"insecure_skip_verify,optional"`
	Serializer string            `hcl:"serializer,optional"`
	Strict     bool              `hcl:"strict,optional"`
	Verify     bool              `hcl:"verify,optional"`
	Metadata   map[string]string `hcl:"metadata,optional"`
}

// openTier decodes a cache block and opens its tier. The closer, when not
// nil, must be closed once the graph is no longer evaluated.
func openTier(ctx context.Context, b *config.Block, opts Options) (cache.Tier, []string, io.Closer, error) {
	logger := ctxlog.FromContext(ctx)

	switch b.Type {
	case "memory":
		var p memoryParams
		if err := hcl_adapter.DecodeBody(b.Body, &p); err != nil {
			return nil, nil, nil, err
		}
		tier, err := memory.New(p.Size)
		return tier, p.Fields, nil, err

	case "disk":
		p := diskParams{Verify: true}
		if err := hcl_adapter.DecodeBody(b.Body, &p); err != nil {
			return nil, nil, nil, err
		}
		var fsOpts []fsstore.Option
		if len(p.Levels) > 0 {
			fsOpts = append(fsOpts, fsstore.WithLevels(p.Levels...))
		}
		store, err := fsstore.Open(p.Root, fsOpts...)
		if err != nil {
			return nil, nil, nil, err
		}
		if n, err := store.CleanTmp(tmpMaxAge); err != nil {
			logger.Warn("Failed to clean temp files.", "root", p.Root, "error", err)
		} else if n > 0 {
			logger.Info("Removed stale temp files.", "root", p.Root, "count", n)
		}
		tier, err := newEnvelopeTier("disk:"+p.Root, store, envelopeParams{p.Serializer, p.Strict, p.Verify, p.Metadata}, opts)
		return tier, p.Fields, nil, err

	case "s3":
		p := s3Params{Verify: true}
		if err := hcl_adapter.DecodeBody(b.Body, &p); err != nil {
			return nil, nil, nil, err
		}
		cfg := s3store.Config{Bucket: p.Bucket, Prefix: p.Prefix, Region: p.Region, Endpoint: p.Endpoint}
		client, err := opts.S3Client(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := s3store.New(client, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		name := "s3://" + strings.TrimSuffix(p.Bucket+"/"+p.Prefix, "/")
		tier, err := newEnvelopeTier(name, store, envelopeParams{p.Serializer, p.Strict, p.Verify, p.Metadata}, opts)
		return tier, p.Fields, nil, err

	case "remote":
		p := remoteParams{Verify: true}
		if err := hcl_adapter.DecodeBody(b.Body, &p); err != nil {
			return nil, nil, nil, err
		}
		cfg := remote.ClientConfig{URL: p.URL, Namespace: p.Namespace, InsecureSkipVerify: p.Insecure}
		if p.Timeout != "" {
			d, err := time.ParseDuration(p.Timeout)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("invalid timeout %q: %w", p.Timeout, err)
			}
			cfg.Timeout = d
		}
		client, err := remote.Dial(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		tier, err := newEnvelopeTier("remote:"+p.URL, client, envelopeParams{p.Serializer, p.Strict, p.Verify, p.Metadata}, opts)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return tier, p.Fields, client, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown cache type %q (known: disk, memory, remote, s3)", b.Type)
}

func newEnvelopeTier(name string, store blobstore.Store, p envelopeParams, opts Options) (cache.Tier, error) {
	ser, err := serializer.Parse(p.Serializer)
	if err != nil {
		return nil, err
	}
	return disk.New(name, store,
		disk.WithSerializer(ser),
		disk.WithStrict(p.Strict),
		disk.WithVerify(p.Verify),
		disk.WithMetadata(p.Metadata),
		disk.WithMetrics(opts.Metrics),
	)
}
