package config

import (
	"scalestack/internal/events"
	"scalestack/internal/orchestrator"
	"scalestack/internal/peer"
	"scalestack/internal/services"
	"scalestack/internal/supervisor"
)

// Default listen addresses.
const (
	DefaultPeerListen   = "127.0.0.1:7946"
	DefaultAdminListen  = "127.0.0.1:8090"
	DefaultStatusListen = "127.0.0.1:9090"
)

// Default returns the built-in configuration: a single node without peers
// running every known service.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Listen: DefaultPeerListen,
		},
		Timeouts: TimeoutsConfig{
			Heartbeat: peer.DefaultHeartbeatInterval,
			Liveness:  peer.DefaultLivenessWindow,
			Grace:     peer.DefaultGraceWindow,
			Lease:     peer.DefaultLeaseTimeout,
			Claim:     peer.DefaultClaimTimeout,
			Start:     supervisor.DefaultStartTimeout,
			Stop:      supervisor.DefaultStopTimeout,
			Drain:     orchestrator.DefaultDrainTimeout,
			Shutdown:  orchestrator.DefaultShutdownTimeout,
		},
		Backoff: BackoffConfig{
			Mode:       string(services.RestartOnFailure),
			MaxRetries: services.DefaultMaxRetries,
			Initial:    services.DefaultInitialBackoff,
			Max:        services.DefaultMaxBackoff,
			Factor:     services.DefaultFactor,
			Jitter:     services.DefaultJitter,
		},
		Bus: BusConfig{
			QueueSize:   events.DefaultQueueSize,
			MaxAttempts: events.DefaultMaxAttempts,
			RetryDelay:  events.DefaultRetryDelay,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: FormatText,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  DefaultAdminListen,
		},
		Status: StatusConfig{
			Enabled: true,
			Listen:  DefaultStatusListen,
		},
		Services: map[string]map[string]any{},
	}
}
