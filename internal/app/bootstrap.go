package app

import (
	"context"
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"scalestack/internal/admin"
	"scalestack/internal/config"
	"scalestack/internal/metrics"
	"scalestack/internal/orchestrator"
	"scalestack/internal/status"
	"scalestack/pkg/logging"
)

const subsystem = "Bootstrap"

// server is the lifecycle shared by the admin and status servers.
type server interface {
	Start(ctx context.Context) error
	Addr() string
}

// Application is the main application structure that bootstraps and runs
// one scalestack instance
type Application struct {
	config   *Config
	settings config.Config
	registry *prometheus.Registry
	orch     *orchestrator.Orchestrator
	admin    *admin.Server
	status   *status.Server
}

// NewApplication loads the configuration, sets up logging and builds the
// orchestrator and the enabled servers. Configuration problems are returned
// as *orchestrator.ConfigError.
func NewApplication(cfg *Config, opts ...orchestrator.Option) (*Application, error) {
	settings, err := config.Load(config.LoadOptions{Path: cfg.ConfigPath, Environ: cfg.Environ})
	if err != nil {
		return nil, &orchestrator.ConfigError{Field: "config", Err: err}
	}
	if err := config.ApplyArgs(&settings, cfg.Args, cfg.Stdin); err != nil {
		return nil, &orchestrator.ConfigError{Field: "args", Err: err}
	}
	if err := settings.Validate(); err != nil {
		return nil, &orchestrator.ConfigError{Field: "args", Err: err}
	}

	output := cfg.LogOutput
	if output == nil {
		output = os.Stderr
	}
	logging.Init(logLevel(cfg, settings), logFormat(settings), output)
	if cfg.ConfigPath != "" {
		logging.Info(subsystem, "Loaded configuration from %s", cfg.ConfigPath)
	} else {
		logging.Debug(subsystem, "Loaded layered configuration")
	}

	registry := metrics.NewRegistry()
	opts = append([]orchestrator.Option{orchestrator.WithMetrics(metrics.New(registry))}, opts...)
	orch := orchestrator.New(OrchestratorConfig(settings), opts...)

	a := &Application{
		config:   cfg,
		settings: settings,
		registry: registry,
		orch:     orch,
	}
	if settings.Admin.Enabled {
		a.admin = admin.NewServer(admin.Config{Listen: settings.Admin.Listen, Version: cfg.Version}, orch)
	}
	if settings.Status.Enabled {
		a.status = status.NewServer(status.Config{Listen: settings.Status.Listen}, orch, registry)
	}
	return a, nil
}

// Run starts the servers and runs the orchestrator until ctx is cancelled
// or the orchestrator stops on its own. A server that fails to start stops
// the whole instance.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range a.servers() {
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	runErr := a.orch.Run(gctx)
	cancel()
	if err := g.Wait(); err != nil {
		logging.Error(subsystem, err, "Server failed")
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func (a *Application) servers() []server {
	var out []server
	if a.admin != nil {
		out = append(out, a.admin)
	}
	if a.status != nil {
		out = append(out, a.status)
	}
	return out
}

// Orchestrator returns the orchestrator of this instance.
func (a *Application) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Settings returns the effective configuration.
func (a *Application) Settings() config.Config {
	return a.settings
}

// AdminAddr returns the address the admin server listens on, or "" when it
// is disabled or not started.
func (a *Application) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// StatusAddr returns the address the status server listens on, or "" when
// it is disabled or not started.
func (a *Application) StatusAddr() string {
	if a.status == nil {
		return ""
	}
	return a.status.Addr()
}
