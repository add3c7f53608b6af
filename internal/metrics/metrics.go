// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and room counts, counters for message
// throughput, and a histogram for persist latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zion_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// SessionsAuthenticated tracks how many sessions completed authentication.
	SessionsAuthenticated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zion_sessions_authenticated",
		Help: "Current number of authenticated sessions",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "persisted", "broadcast", "rejected", or "dropped".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zion_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// PersistLatency records message persistence latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zion_message_persist_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomsTotal tracks the number of rooms known to the directory.
	RoomsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zion_rooms_total",
		Help: "Current number of rooms",
	})

	// ForcedDisconnects counts connections closed by moderation actions.
	ForcedDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zion_forced_disconnects_total",
		Help: "Connections force-closed due to bans",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsAuthenticated,
		MessagesTotal,
		PersistLatency,
		RoomsTotal,
		ForcedDisconnects,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
