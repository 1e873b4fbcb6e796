package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/node"
	"github.com/vk/keygraph/internal/pipeline"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Run executes the configured command.
func (a *App) Run(ctx context.Context, appConfig *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "command", appConfig.Command)

	switch appConfig.Command {
	case CmdEval, CmdKeys, CmdFingerprint, CmdExplain:
		return a.runPipeline(ctx, appConfig)
	case CmdCacheVerify:
		return a.verifyCache(ctx, appConfig)
	case CmdCachePrune:
		return a.pruneCache(ctx, appConfig)
	case CmdCacheIndex:
		return a.indexCache(ctx, appConfig)
	case CmdServe:
		return a.serve(ctx, appConfig)
	}
	return fmt.Errorf("unknown command %q", appConfig.Command)
}

func (a *App) runPipeline(ctx context.Context, appConfig *Config) error {
	p, err := pipeline.Build(ctx, a.pipeline, a.registry, pipeline.Options{Metrics: a.metrics})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			a.logger.Warn("Failed to release pipeline resources.", "error", err)
		}
	}()

	switch appConfig.Command {
	case CmdKeys:
		keys, err := a.evaluator.Keys(ctx, p.Graph)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(a.outW, k)
		}
		return nil

	case CmdFingerprint:
		fp, err := a.evaluator.Fingerprint(ctx, p.Graph, appConfig.Field, node.Key(appConfig.Keys[0]))
		if err != nil {
			return err
		}
		fmt.Fprintln(a.outW, fp)
		return nil

	case CmdExplain:
		steps, err := a.evaluator.Explain(ctx, p.Graph, appConfig.Field, node.Key(appConfig.Keys[0]))
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.outW, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FIELD\tLOGIC\tFINGERPRINT\tTIERS")
		for _, s := range steps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Field, s.Identity, s.Fingerprint.Short(), strings.Join(s.Tiers, ","))
		}
		return tw.Flush()
	}

	return a.evaluate(ctx, p, appConfig)
}

// evalLine is one line of `eval` output.
type evalLine struct {
	Key   string          `json:"key"`
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

func (a *App) evaluate(ctx context.Context, p *pipeline.Pipeline, appConfig *Config) error {
	var keys []node.Key
	if len(appConfig.Keys) > 0 {
		for _, k := range appConfig.Keys {
			keys = append(keys, node.Key(k))
		}
	} else {
		var err error
		if keys, err = a.evaluator.Keys(ctx, p.Graph); err != nil {
			return err
		}
	}
	a.logger.Info("Evaluating.", "field", appConfig.Field, "keys", len(keys), "workers", appConfig.WorkerCount)

	values, err := a.evaluator.EvaluateAll(ctx, p.Graph, appConfig.Field, keys, appConfig.WorkerCount)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.outW)
	for i, v := range values {
		raw, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return fmt.Errorf("encoding %s for key %q: %w", appConfig.Field, keys[i], err)
		}
		if err := enc.Encode(evalLine{Key: string(keys[i]), Field: appConfig.Field, Value: raw}); err != nil {
			return err
		}
	}
	a.logger.Info("Evaluation finished.", "field", appConfig.Field, "keys", len(keys))
	return nil
}
