package app

import (
	"scalestack/internal/config"
	"scalestack/internal/events"
	"scalestack/internal/orchestrator"
	"scalestack/internal/peer"
	"scalestack/internal/services"
	"scalestack/internal/supervisor"
	"scalestack/pkg/logging"
)

// OrchestratorConfig maps the loaded configuration onto the orchestrator.
func OrchestratorConfig(cfg config.Config) orchestrator.Config {
	return orchestrator.Config{
		Listen:   cfg.Node.Listen,
		EpochDir: cfg.Node.EpochDir,
		Peer: peer.Config{
			ID:                cfg.Node.ID,
			Seeds:             cfg.Node.Peers,
			HeartbeatInterval: cfg.Timeouts.Heartbeat,
			LivenessWindow:    cfg.Timeouts.Liveness,
			GraceWindow:       cfg.Timeouts.Grace,
			LeaseTimeout:      cfg.Timeouts.Lease,
			ClaimTimeout:      cfg.Timeouts.Claim,
		},
		DiscoveryTimeout: cfg.Timeouts.Discovery,
		Supervisor: supervisor.Config{
			StartTimeout: cfg.Timeouts.Start,
			StopTimeout:  cfg.Timeouts.Stop,
		},
		Bus: events.Options{
			QueueSize:   cfg.Bus.QueueSize,
			MaxAttempts: cfg.Bus.MaxAttempts,
			RetryDelay:  cfg.Bus.RetryDelay,
		},
		Restart: services.RestartPolicy{
			Mode:           services.RestartMode(cfg.Backoff.Mode),
			MaxRetries:     cfg.Backoff.MaxRetries,
			InitialBackoff: cfg.Backoff.Initial,
			MaxBackoff:     cfg.Backoff.Max,
			Factor:         cfg.Backoff.Factor,
			Jitter:         cfg.Backoff.Jitter,
		},
		Load:            cfg.Load,
		Settings:        cfg.Services,
		DrainTimeout:    cfg.Timeouts.Drain,
		ShutdownTimeout: cfg.Timeouts.Shutdown,
	}
}

// logLevel picks the log level. The command line flags win over the
// configured level, --debug over --verbose.
func logLevel(app *Config, cfg config.Config) logging.LogLevel {
	switch {
	case app.Debug:
		return logging.LevelDebug
	case app.Verbose:
		return logging.LevelInfo
	default:
		return cfg.LogLevel()
	}
}

func logFormat(cfg config.Config) logging.Format {
	if cfg.Logging.Format == config.FormatJSON {
		return logging.FormatJSON
	}
	return logging.FormatText
}
