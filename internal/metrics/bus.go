package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusMetrics tracks event bus throughput and loss.
type BusMetrics struct {
	published     *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	failed        *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

func newBusMetrics(reg prometheus.Registerer) *BusMetrics {
	return &BusMetrics{
		published: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "events_published_total",
				Help:      "Events published, by topic family (first topic token)",
			},
			[]string{"family"},
		),
		delivered: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "events_delivered_total",
				Help:      "Events successfully handled, by subscriber",
			},
			[]string{"subscriber"},
		),
		dropped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "events_dropped_total",
				Help:      "Events dropped because the subscriber queue was full",
			},
			[]string{"subscriber"},
		),
		failed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "handler_failures_total",
				Help:      "Events whose handler failed on every delivery attempt",
			},
			[]string{"subscriber"},
		),
		subscriptions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "subscriptions",
				Help:      "Active subscriptions",
			},
		),
	}
}

func (m *BusMetrics) EventPublished(topic string) {
	if m == nil {
		return
	}
	family, _, _ := strings.Cut(topic, ".")
	m.published.WithLabelValues(family).Inc()
}

func (m *BusMetrics) EventDelivered(subscriber string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(subscriber).Inc()
}

func (m *BusMetrics) EventDropped(subscriber string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(subscriber).Inc()
}

func (m *BusMetrics) HandlerFailed(subscriber string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(subscriber).Inc()
}

func (m *BusMetrics) SubscriptionsChanged(active int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(active))
}
