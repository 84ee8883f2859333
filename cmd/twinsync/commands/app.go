package commands

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/twinsync/twinsync/pkg/config"
	"github.com/twinsync/twinsync/pkg/engine"
	"github.com/twinsync/twinsync/pkg/fragment"
	"github.com/twinsync/twinsync/pkg/gitstore"
	"github.com/twinsync/twinsync/pkg/plugins"
	"github.com/twinsync/twinsync/pkg/policy"
	"github.com/twinsync/twinsync/pkg/stores"
	"github.com/twinsync/twinsync/pkg/telemetry"
)

// app wires the configuration, telemetry, version store, plugins, run
// index, policy gate, and reconciliation core together for one command
// invocation.
type app struct {
	cfg      *config.Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	git      *gitstore.Store
	runStore *stores.SQLiteStore
	core     *engine.Core
}

func newApp(ctx context.Context, version string) (*app, error) {
	root := defaultRepoRoot()

	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	level := cfg.Telemetry.LogLevel
	if verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:    true,
		Namespace:  "twinsync",
		ListenAddr: cfg.Telemetry.MetricsAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	exporter := cfg.Telemetry.TraceExporter
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:  exporter != "" && exporter != "none",
		Exporter: exporter,
		Endpoint: cfg.Telemetry.TraceEndpoint,
		Insecure: true,
	}, "twinsync", version)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	git := gitstore.NewStore(root, gitstore.ExecRunner{}, gitstore.Remote{
		Name:   cfg.Remote.Name,
		URL:    cfg.Remote.URL,
		Branch: cfg.Remote.Branch,
	})

	registry := engine.NewRegistry()
	system := plugins.NewExecSystem()
	if cfg.PluginEnabled(fragment.DomainPackages) {
		registry.Register(plugins.NewPackagesPlugin(system))
	}
	if cfg.PluginEnabled(fragment.DomainServices) {
		registry.Register(plugins.NewServicesPlugin(system))
	}
	if cfg.PluginEnabled(fragment.DomainFiles) {
		registry.Register(plugins.NewFilesPlugin(cfg.Files.Roots, cfg.Files.MaxFileSize))
	}
	if cfg.PluginEnabled(fragment.DomainStartup) {
		registry.Register(plugins.NewStartupPlugin(system))
	}

	runStore, err := stores.NewSQLiteStore(filepath.Join(root, fragment.RunsDir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("creating run index: %w", err)
	}

	gate, err := policy.NewEngine(policy.Protected{
		Packages: cfg.Policy.ProtectedPackages,
		Services: cfg.Policy.ProtectedServices,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing policy engine: %w", err)
	}
	if cfg.Policy.Dir != "" {
		if err := gate.LoadDir(ctx, filepath.Join(root, cfg.Policy.Dir)); err != nil {
			return nil, fmt.Errorf("loading policies: %w", err)
		}
	}

	core := engine.NewCore(engine.CoreDeps{
		Config:   cfg,
		Registry: registry,
		Git:      git,
		Recorder: runStore,
		Policy:   gate,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		git:      git,
		runStore: runStore,
		core:     core,
	}, nil
}

// openRunStore connects the run index; commands that record or query
// runs call this after newApp.
func (a *app) openRunStore(ctx context.Context) error {
	return a.runStore.Open(ctx)
}

// serveMetrics starts the /metrics listener when one is configured.
func (a *app) serveMetrics() {
	addr := a.cfg.Telemetry.MetricsAddr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			a.logger.WithError(err).Warn("metrics listener stopped")
		}
	}()
}

func (a *app) close(ctx context.Context) {
	if err := a.runStore.Close(); err != nil {
		a.logger.WithError(err).Warn("closing run index failed")
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("flushing traces failed")
	}
}
