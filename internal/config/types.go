package config

import "time"

// Config is the complete scalestack configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Backoff  BackoffConfig  `yaml:"backoff"`
	Bus      BusConfig      `yaml:"bus"`
	Logging  LoggingConfig  `yaml:"logging"`
	Admin    AdminConfig    `yaml:"admin"`
	Status   StatusConfig   `yaml:"status"`

	// Load names the services to run. Empty means all known services.
	Load []string `yaml:"load,omitempty"`
	// Services holds the option values of each service.
	Services map[string]map[string]any `yaml:"services,omitempty"`
}

// NodeConfig identifies this instance and its peers.
type NodeConfig struct {
	ID string `yaml:"id,omitempty" env:"NODE_ID"`
	// Listen is the UDP address for peer messages. Peer coordination is
	// disabled when empty.
	Listen string   `yaml:"listen,omitempty" env:"LISTEN"`
	Peers  []string `yaml:"peers,omitempty" env:"PEERS" envSeparator:","`
	// EpochDir persists claim epochs across restarts when set.
	EpochDir string `yaml:"epochDir,omitempty" env:"EPOCH_DIR"`
}

// TimeoutsConfig groups every duration the runtime uses.
type TimeoutsConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat,omitempty"`
	Liveness  time.Duration `yaml:"liveness,omitempty"`
	Grace     time.Duration `yaml:"grace,omitempty"`
	Lease     time.Duration `yaml:"lease,omitempty"`
	Claim     time.Duration `yaml:"claim,omitempty"`
	Discovery time.Duration `yaml:"discovery,omitempty"`
	Start     time.Duration `yaml:"start,omitempty"`
	Stop      time.Duration `yaml:"stop,omitempty"`
	Drain     time.Duration `yaml:"drain,omitempty"`
	Shutdown  time.Duration `yaml:"shutdown,omitempty"`
}

// BackoffConfig is the default restart policy of services that do not set
// their own.
type BackoffConfig struct {
	Mode       string        `yaml:"mode,omitempty"`
	MaxRetries int           `yaml:"maxRetries,omitempty"`
	Initial    time.Duration `yaml:"initial,omitempty"`
	Max        time.Duration `yaml:"max,omitempty"`
	Factor     float64       `yaml:"factor,omitempty"`
	Jitter     float64       `yaml:"jitter,omitempty"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	QueueSize   int           `yaml:"queueSize,omitempty"`
	MaxAttempts int           `yaml:"maxAttempts,omitempty"`
	RetryDelay  time.Duration `yaml:"retryDelay,omitempty"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" env:"LOG_LEVEL"`
	Format string `yaml:"format,omitempty" env:"LOG_FORMAT"`
}

// AdminConfig configures the MCP admin server used by the CLI.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" env:"ADMIN_ENABLED"`
	Listen  string `yaml:"listen,omitempty" env:"ADMIN_LISTEN"`
}

// StatusConfig configures the HTTP server for health, readiness, metrics
// and the profile page.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" env:"STATUS_ENABLED"`
	Listen  string `yaml:"listen,omitempty" env:"STATUS_LISTEN"`
}

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)
