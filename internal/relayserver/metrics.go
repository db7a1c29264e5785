package relayserver

import (
	"net/http"

	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus collector for the relay service. Each instance
// owns its registry so several servers can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeClients       prometheus.Gauge
	connections         prometheus.Counter
	activeSubscriptions prometheus.Gauge
	operations          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_relay_active_clients",
			Help: "Number of connected relay clients",
		}),
		connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_relay_connections_total",
			Help: "Total number of accepted relay connections",
		}),
		activeSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_relay_active_subscriptions",
			Help: "Number of open document, candidate and presence subscriptions",
		}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_relay_operations_total",
			Help: "Relay requests by frame type and result",
		}, []string{"type", "result"}),
	}
}

func (m *Metrics) clientConnected() {
	m.activeClients.Inc()
	m.connections.Inc()
}

func (m *Metrics) clientDisconnected() {
	m.activeClients.Dec()
}

func (m *Metrics) subscriptionOpened() {
	m.activeSubscriptions.Inc()
}

func (m *Metrics) subscriptionsClosed(n int) {
	m.activeSubscriptions.Sub(float64(n))
}

// observe counts a finished request. Failures are labelled with their
// error kind.
func (m *Metrics) observe(frameType string, err error) {
	result := "ok"
	if err != nil {
		result = relay.Classify(err).String()
	}
	m.operations.WithLabelValues(frameType, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
