// Package metrics provides Prometheus instrumentation for the DM server. It
// exposes gauges for live connections and sessions, counters for message and
// moderation throughput, and a histogram for submission latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message results recorded in MessagesTotal.
const (
	ResultDelivered = "delivered"
	ResultRejected  = "rejected"
)

var (
	// ConnectionsTotal tracks the current number of registered WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taptext_connections_total",
		Help: "Current number of registered WebSocket connections",
	})

	// MessagesTotal counts submissions, labeled by result: "delivered" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taptext_messages_total",
		Help: "Total number of direct message submissions",
	}, []string{"result"})

	// DeliveriesTotal counts frames handed to connections by the registry.
	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taptext_deliveries_total",
		Help: "Total number of events written to connections",
	})

	// MessageLatency records submission latency in seconds, from validation to
	// the last delivery.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taptext_message_latency_seconds",
		Help:    "Message submission latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ModerationActions counts successful moderation transitions by action.
	ModerationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taptext_moderation_actions_total",
		Help: "Total number of moderation actions applied",
	}, []string{"action"})

	// SessionsActive tracks sessions issued by this process and not yet destroyed.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taptext_sessions_active",
		Help: "Current number of sessions created by this process",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		DeliveriesTotal,
		MessageLatency,
		ModerationActions,
		SessionsActive,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
