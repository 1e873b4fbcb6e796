package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vk/keygraph/internal/config"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/vk/keygraph/internal/evaluator"
	"github.com/vk/keygraph/internal/metrics"
	"github.com/vk/keygraph/internal/registry"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	registry *registry.Registry
	pipeline *config.Pipeline

	promReg   *prometheus.Registry
	metrics   *metrics.Metrics
	evaluator *evaluator.Evaluator
}

// NewApp is the constructor for the main application. Command results are
// written to outW and logs to logW. Commands that evaluate a pipeline load
// its definition here; a definition that cannot be loaded is a fatal startup
// error and panics.
func NewApp(outW, logW io.Writer, appConfig *Config, loader config.Loader, modules ...registry.Module) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, logW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules
	}
	reg.Load(modules...)
	logger.Debug("All Go modules registered.", "count", len(modules), "types", reg.Types())

	var def *config.Pipeline
	if appConfig.NeedsPipeline() {
		var err error
		def, err = loader.Load(ctx, appConfig.PipelinePaths...)
		if err != nil {
			panic(fmt.Errorf("failed to load pipeline: %w", err))
		}
		logger.Debug("Pipeline definition loaded.", "files", def.Files, "blocks", len(def.Blocks))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	return &App{
		outW:      outW,
		logger:    logger,
		registry:  reg,
		pipeline:  def,
		promReg:   promReg,
		metrics:   m,
		evaluator: evaluator.New(evaluator.WithMetrics(m)),
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Gatherer exposes the application's metrics. This is primarily for testing.
func (a *App) Gatherer() prometheus.Gatherer {
	return a.promReg
}
