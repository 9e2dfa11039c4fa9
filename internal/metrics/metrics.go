// Package metrics exposes the server's Prometheus metrics. Grounded on
// RoseWrightdev-Video-Conferencing's internal/v1/metrics package
// (promauto-registered vars, namespace/subsystem/name convention); the
// metric set itself is generalized from the teacher's hand-rolled
// Metrics.String() counters (rooms created/destroyed, connections,
// messages relayed, rate limited) onto spec.md §8's testable properties.
// No label ever carries a room id, connection id, or IP — cardinality
// and PII are both bounded by construction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "room",
		Name:      "rooms_created_total",
		Help:      "Total rooms created",
	})

	RoomsDestroyedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "room",
		Name:      "rooms_destroyed_total",
		Help:      "Total rooms destroyed",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	MessagesRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "websocket",
		Name:      "messages_relayed_total",
		Help:      "Total signaling messages relayed",
	})

	// AdmissionsDeniedTotal is labeled by reason only (admission.Reason
	// values are a small fixed enum, not user input).
	AdmissionsDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "admission",
		Name:      "denied_total",
		Help:      "Total WebSocket upgrade attempts denied, by reason",
	}, []string{"reason"})

	RateLimitDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "session",
		Name:      "rate_limit_drops_total",
		Help:      "Total inbound messages dropped for exceeding the warn threshold",
	})

	RateLimitDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "session",
		Name:      "rate_limit_disconnects_total",
		Help:      "Total sessions force-closed for exceeding the hard message-rate ceiling",
	})
)
