// Package metrics provides Prometheus collectors for the messenger and relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts events handed to a realtime transport.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_published_total",
			Help: "Total number of realtime events published",
		},
		[]string{"transport"},
	)

	// EventsDropped counts events dropped because a subscriber queue was full.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Total number of realtime events dropped on full subscriber queues",
		},
		[]string{"transport"},
	)

	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_active_subscriptions",
			Help: "Number of currently open realtime subscriptions",
		},
		[]string{"transport"},
	)

	// RelayClients tracks websocket clients connected to the relay.
	RelayClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Number of websocket clients connected to the relay",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Number of conversation sessions between start and close",
		},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_session_state_transitions_total",
			Help: "Total number of conversation session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// LiveEvents counts message feed events by outcome (applied, duplicate, ignored).
	LiveEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_live_events_total",
			Help: "Total number of live message events seen by sessions",
		},
		[]string{"outcome"},
	)

	ReceiptsMarked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_receipts_marked_total",
			Help: "Total number of messages marked viewed",
		},
		[]string{"kind"},
	)
)

// RecordTransition records a session state change.
func RecordTransition(from, to string) {
	SessionTransitions.WithLabelValues(from, to).Inc()
}
