// Package hcl_adapter loads pipeline definitions written in HCL.
package hcl_adapter

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/vk/keygraph/internal/config"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/fsutil"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new HCL pipeline loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file found at paths and collects their top-level
// blocks in application order. Block bodies are left undecoded.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	hclFiles, err := fsutil.FindFiles(paths, ".hcl")
	if err != nil {
		return nil, err
	}
	if len(hclFiles) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %s", strings.Join(paths, ", "))
	}
	logger.Debug("Discovered HCL files.", "count", len(hclFiles))

	pipeline := &config.Pipeline{Files: hclFiles}
	seen := make(map[string]int)
	parser := hclparse.NewParser()

	for _, file := range hclFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		body, ok := hclFile.Body.(*hclsyntax.Body)
		if !ok {
			return nil, fmt.Errorf("failed to parse HCL file %s: unexpected body type %T", file, hclFile.Body)
		}

		if diags := checkFile(body); diags.HasErrors() {
			return nil, fmt.Errorf("invalid pipeline file %s: %w", file, diags)
		}

		for _, blk := range body.Blocks {
			id := blk.Type + "/" + blk.Labels[0]
			pipeline.Blocks = append(pipeline.Blocks, &config.Block{
				Kind:     blk.Type,
				Type:     blk.Labels[0],
				Index:    seen[id],
				Body:     blk.Body,
				DefRange: blk.DefRange(),
			})
			seen[id]++
		}
	}

	logger.Debug("HCL loading complete.",
		"sources", pipeline.Count(config.KindSource),
		"layers", pipeline.Count(config.KindLayer),
		"filters", pipeline.Count(config.KindFilter),
		"caches", pipeline.Count(config.KindCache),
	)
	return pipeline, nil
}

// checkFile rejects top-level attributes, unknown block kinds and blocks
// without exactly one label.
func checkFile(body *hclsyntax.Body) hcl.Diagnostics {
	var diags hcl.Diagnostics
	for _, attr := range body.Attributes {
		rng := attr.SrcRange
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unsupported argument",
			Detail:   fmt.Sprintf("Top-level argument %q is not allowed; a pipeline contains only blocks.", attr.Name),
			Subject:  &rng,
		})
	}
	for _, blk := range body.Blocks {
		rng := blk.DefRange()
		if !slices.Contains(config.Kinds, blk.Type) {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unsupported block type",
				Detail:   fmt.Sprintf("Blocks of type %q are not expected here; use one of %s.", blk.Type, strings.Join(config.Kinds, ", ")),
				Subject:  &rng,
			})
			continue
		}
		if len(blk.Labels) != 1 {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Wrong number of block labels",
				Detail:   fmt.Sprintf("A %s block needs exactly one label naming its type.", blk.Type),
				Subject:  &rng,
			})
		}
	}
	return diags
}
