package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the gateway's process-level metrics.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	BroadcastsTotal   prometheus.Counter
	DeliveriesTotal   *prometheus.CounterVec
	RateLimitedTotal  prometheus.Counter
	SessionsActive    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance registered on its own registry so tests can
// run multiple instances without collisions.
func New() *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "soundgate",
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Currently registered WebSocket connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "soundgate",
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Total accepted WebSocket connections",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soundgate",
			Subsystem: "gateway",
			Name:      "messages_received_total",
			Help:      "Inbound messages by outcome",
		}, []string{"outcome"}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "soundgate",
			Subsystem: "broadcast",
			Name:      "broadcasts_total",
			Help:      "Fan-out operations performed",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soundgate",
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Per-connection delivery attempts by result",
		}, []string{"result"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "soundgate",
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the per-connection rate limiter",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "soundgate",
			Subsystem: "coordinator",
			Name:      "sessions_active",
			Help:      "Measurement sessions not yet completed or cancelled",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.MessagesReceived,
		m.BroadcastsTotal,
		m.DeliveriesTotal,
		m.RateLimitedTotal,
		m.SessionsActive,
	)
	return m
}

// Handler exposes the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
