package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoordinatorMetrics tracks membership and claim arbitration.
type CoordinatorMetrics struct {
	livePeers      prometheus.Gauge
	departures     prometheus.Counter
	heartbeatsSent prometheus.Counter
	heartbeatsRecv prometheus.Counter
	claims         *prometheus.CounterVec
	claimDuration  prometheus.Histogram
	claimsHeld     prometheus.Gauge
	splits         prometheus.Counter
	decodeErrors   prometheus.Counter
}

func newCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	return &CoordinatorMetrics{
		livePeers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "live",
			Help:      "Peers currently considered live",
		}),
		departures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "departures_total",
			Help:      "Peers marked departed after the liveness window",
		}),
		heartbeatsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat datagrams sent",
		}),
		heartbeatsRecv: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "heartbeats_received_total",
			Help:      "Heartbeat datagrams received",
		}),
		claims: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "claim",
				Name:      "attempts_total",
				Help:      "Claim attempts by result",
			},
			[]string{"result"}, // "won", "conflict", "timeout", "error"
		),
		claimDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "duration_seconds",
			Help:      "Time to arbitrate a claim",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		claimsHeld: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "held",
			Help:      "Claims held by this instance",
		}),
		splits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "split_ownership_total",
			Help:      "Split ownership detections",
		}),
		decodeErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "decode_errors_total",
			Help:      "Datagrams that could not be decoded",
		}),
	}
}

func (m *CoordinatorMetrics) SetLivePeers(n int) {
	if m == nil {
		return
	}
	m.livePeers.Set(float64(n))
}

func (m *CoordinatorMetrics) PeerDeparted() {
	if m == nil {
		return
	}
	m.departures.Inc()
}

func (m *CoordinatorMetrics) HeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

func (m *CoordinatorMetrics) HeartbeatReceived() {
	if m == nil {
		return
	}
	m.heartbeatsRecv.Inc()
}

// ClaimAttempt records the outcome of one Claim call.
func (m *CoordinatorMetrics) ClaimAttempt(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
	m.claimDuration.Observe(d.Seconds())
}

func (m *CoordinatorMetrics) SetClaimsHeld(n int) {
	if m == nil {
		return
	}
	m.claimsHeld.Set(float64(n))
}

func (m *CoordinatorMetrics) SplitOwnership() {
	if m == nil {
		return
	}
	m.splits.Inc()
}

func (m *CoordinatorMetrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}
