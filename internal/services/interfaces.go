package services

import (
	"context"
)

// State represents the lifecycle state of a service instance
type State string

const (
	StateRegistered State = "Registered"
	StateStarting   State = "Starting"
	StateRunning    State = "Running"
	StateStopping   State = "Stopping"
	StateStopped    State = "Stopped"
	StateFailed     State = "Failed"
)

// IsActive reports whether the instance holds resources (Starting, Running
// or Stopping).
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// HealthStatus represents the health status of a service
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "Unknown"
	HealthHealthy   HealthStatus = "Healthy"
	HealthUnhealthy HealthStatus = "Unhealthy"
)

// StopReason records why a service was last stopped.
type StopReason string

const (
	StopReasonNone       StopReason = ""
	StopReasonManual     StopReason = "manual"
	StopReasonDependency StopReason = "dependency"
	StopReasonShutdown   StopReason = "shutdown"
)

// Service is the contract every hosted service implements.
type Service interface {
	// Start acquires resources. It must honour ctx and return once the
	// service is ready to be used by its dependents.
	Start(ctx context.Context) error

	// Stop releases everything Start acquired.
	Stop(ctx context.Context) error

	// Health returns nil while the service is healthy.
	Health(ctx context.Context) error
}

// Runner is an optional interface for services with a main loop. Run is
// called after Start succeeded and should block until ctx is cancelled. A
// non-nil return is treated as a failure of the service.
type Runner interface {
	Run(ctx context.Context) error
}

// DataProvider is an optional interface for services that expose extra
// data to the admin surface.
type DataProvider interface {
	ServiceData() map[string]any
}
