package observability

import (
	"net/http"
	"strconv"

	"github.com/Tyrowin/wsrelay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors and implements
// relay.Observer. Each instance owns its registry so several servers can
// coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	connections        prometheus.Gauge
	messagesReceived   prometheus.Counter
	deliveries         *prometheus.CounterVec
	sessions           *prometheus.CounterVec
	admissionsRejected *prometheus.CounterVec
}

var _ relay.Observer = (*Metrics)(nil)

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections",
			Help:      "Currently registered connections.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_received_total",
			Help:      "Inbound messages relayed to peers.",
		}),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "deliveries_total",
				Help:      "Per-target broadcast deliveries.",
			},
			[]string{"result"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "sessions_total",
				Help:      "Finished sessions by outcome.",
			},
			[]string{"outcome"},
		),
		admissionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "admissions_rejected_total",
				Help:      "WebSocket upgrade requests refused before the handshake.",
			},
			[]string{"reason", "status"},
		),
	}

	m.registry.MustRegister(
		m.connections,
		m.messagesReceived,
		m.deliveries,
		m.sessions,
		m.admissionsRejected,
	)
	return m
}

// ConnectionsChanged records the registry size.
func (m *Metrics) ConnectionsChanged(n int) {
	m.connections.Set(float64(n))
}

// MessageBroadcast records one fan-out.
func (m *Metrics) MessageBroadcast(res relay.BroadcastResult) {
	m.messagesReceived.Inc()
	m.deliveries.WithLabelValues("delivered").Add(float64(res.Delivered))
	m.deliveries.WithLabelValues("failed").Add(float64(res.Failed))
}

// SessionEnded records how a session finished.
func (m *Metrics) SessionEnded(err error) {
	outcome := "graceful"
	if err != nil {
		outcome = "error"
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

// AdmissionRejected records a refused upgrade request.
func (m *Metrics) AdmissionRejected(reason string, status int) {
	m.admissionsRejected.WithLabelValues(reason, strconv.Itoa(status)).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
