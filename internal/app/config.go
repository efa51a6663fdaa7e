package app

import (
	"io"
)

// Config holds the options given to the serve command
type Config struct {
	// ConfigPath replaces the layered config files when set
	ConfigPath string

	// Debug forces debug logging, Verbose forces info logging
	Debug   bool
	Verbose bool

	// Args are the positional <service> and <service>.<option>=<value>
	// arguments
	Args  []string
	Stdin io.Reader

	// Version is reported by the admin server
	Version string

	// LogOutput receives the log records. Stderr is used when nil.
	LogOutput io.Writer
	// Environ replaces the process environment when not nil
	Environ map[string]string
}

// NewConfig creates a new application configuration
func NewConfig(configPath string, debug, verbose bool, args []string) *Config {
	return &Config{
		ConfigPath: configPath,
		Debug:      debug,
		Verbose:    verbose,
		Args:       args,
	}
}
