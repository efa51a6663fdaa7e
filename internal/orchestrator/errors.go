package orchestrator

import (
	"errors"
	"fmt"

	"scalestack/internal/supervisor"
)

var (
	// ErrShutdownTimeout is returned when Shutdown did not finish within the
	// shutdown deadline.
	ErrShutdownTimeout = errors.New("shutdown deadline exceeded")
	// ErrInvalidPhase is returned when a lifecycle method is called out of
	// order.
	ErrInvalidPhase = errors.New("invalid orchestrator phase")
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Process exit codes.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitConfig          = 2
	ExitCritical        = 3
	ExitShutdownTimeout = 4
)

// ExitCode maps the result of Run to the process exit code.
func ExitCode(err error) int {
	var (
		cfgErr   *ConfigError
		critical *supervisor.CriticalFailure
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.As(err, &critical):
		return ExitCritical
	case errors.Is(err, ErrShutdownTimeout):
		return ExitShutdownTimeout
	default:
		return ExitFailure
	}
}
