// Package metrics provides the Prometheus collectors used by the bus, the
// supervisor and the peer coordinator.
//
// Every metrics type is nil-safe: a nil pointer records nothing, so
// components can be built without metrics at zero cost.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scalestack"

// Metrics groups the collectors of one orchestrator.
type Metrics struct {
	Bus         *BusMetrics
	Supervisor  *SupervisorMetrics
	Coordinator *CoordinatorMetrics
}

// New creates and registers all collectors with reg. It panics when a
// collector is already registered, which only happens on programming errors.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Bus:         newBusMetrics(reg),
		Supervisor:  newSupervisorMetrics(reg),
		Coordinator: newCoordinatorMetrics(reg),
	}
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
