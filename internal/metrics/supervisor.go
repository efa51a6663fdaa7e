package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SupervisorMetrics tracks service lifecycles.
type SupervisorMetrics struct {
	up            *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	terminal      *prometheus.CounterVec
	startDuration *prometheus.HistogramVec
}

func newSupervisorMetrics(reg prometheus.Registerer) *SupervisorMetrics {
	return &SupervisorMetrics{
		up: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "up",
				Help:      "1 while the service is Running, 0 otherwise",
			},
			[]string{"service"},
		),
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "transitions_total",
				Help:      "State transitions by service and target state",
			},
			[]string{"service", "state"},
		),
		restarts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "restarts_total",
				Help:      "Automatic restarts applied by the restart policy",
			},
			[]string{"service"},
		),
		terminal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "terminal_failures_total",
				Help:      "Services that exhausted their restart budget",
			},
			[]string{"service"},
		),
		startDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "start_duration_seconds",
				Help:      "Time from Starting to Running or Failed",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"service"},
		),
	}
}

// Transition records that service entered state.
func (m *SupervisorMetrics) Transition(service, state string, running bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(service, state).Inc()
	if running {
		m.up.WithLabelValues(service).Set(1)
	} else {
		m.up.WithLabelValues(service).Set(0)
	}
}

func (m *SupervisorMetrics) Restart(service string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(service).Inc()
}

func (m *SupervisorMetrics) TerminalFailure(service string) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(service).Inc()
}

func (m *SupervisorMetrics) ObserveStart(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.startDuration.WithLabelValues(service).Observe(d.Seconds())
}
