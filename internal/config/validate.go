package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"scalestack/internal/services"
	"scalestack/pkg/logging"
)

// Validate checks the values that can be checked without the service
// catalog. Every problem is reported, joined into one error.
func (c Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...)))
	}

	if c.Node.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Node.Listen); err != nil {
			add("node.listen", "%v", err)
		}
	}
	for _, p := range c.Node.Peers {
		if strings.TrimSpace(p) == "" {
			add("node.peers", "empty address")
		}
	}

	durations := map[string]time.Duration{
		"heartbeat": c.Timeouts.Heartbeat,
		"liveness":  c.Timeouts.Liveness,
		"grace":     c.Timeouts.Grace,
		"lease":     c.Timeouts.Lease,
		"claim":     c.Timeouts.Claim,
		"discovery": c.Timeouts.Discovery,
		"start":     c.Timeouts.Start,
		"stop":      c.Timeouts.Stop,
		"drain":     c.Timeouts.Drain,
		"shutdown":  c.Timeouts.Shutdown,
	}
	for name, d := range durations {
		if d < 0 {
			add("timeouts."+name, "must not be negative")
		}
	}
	if c.Timeouts.Heartbeat > 0 && c.Timeouts.Liveness > 0 && c.Timeouts.Liveness <= c.Timeouts.Heartbeat {
		add("timeouts.liveness", "must be longer than the heartbeat interval")
	}
	if c.Timeouts.Heartbeat > 0 && c.Timeouts.Lease > 0 && c.Timeouts.Lease <= c.Timeouts.Heartbeat {
		add("timeouts.lease", "must be longer than the heartbeat interval")
	}

	policy := services.RestartPolicy{
		Mode:           services.RestartMode(c.Backoff.Mode),
		MaxRetries:     c.Backoff.MaxRetries,
		InitialBackoff: c.Backoff.Initial,
		MaxBackoff:     c.Backoff.Max,
		Factor:         c.Backoff.Factor,
		Jitter:         c.Backoff.Jitter,
	}
	if err := policy.WithDefaults().Validate(); err != nil {
		add("backoff", "%v", err)
	}

	if c.Bus.QueueSize < 0 {
		add("bus.queueSize", "must not be negative")
	}
	if c.Bus.MaxAttempts < 0 {
		add("bus.maxAttempts", "must not be negative")
	}

	if c.Logging.Level != "" && !validLevel(c.Logging.Level) {
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", FormatText, FormatJSON:
	default:
		add("logging.format", "unknown format %q", c.Logging.Format)
	}

	if c.Admin.Enabled && c.Admin.Listen == "" {
		add("admin.listen", "required when the admin server is enabled")
	}
	if c.Status.Enabled && c.Status.Listen == "" {
		add("status.listen", "required when the status server is enabled")
	}

	for _, name := range c.Load {
		if err := services.ValidateName(name); err != nil {
			add("load", "%v", err)
		}
	}
	for name := range c.Services {
		if err := services.ValidateName(name); err != nil {
			add("services", "%v", err)
		}
	}
	return errors.Join(errs...)
}

func validLevel(s string) bool {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// LogLevel returns the configured level, defaulting to info.
func (c Config) LogLevel() logging.LogLevel {
	if c.Logging.Level == "" {
		return logging.LevelInfo
	}
	return logging.ParseLevel(c.Logging.Level)
}
