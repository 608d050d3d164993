// Package metrics exposes prometheus collectors for the relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Reasons a relay drops a frame.
const (
	DropUnauthenticated = "unauthenticated"
	DropRateLimited     = "rate_limited"
	DropInvalid         = "invalid"
	DropQueueFull       = "queue_full"
	DropUnknownEvent    = "unknown_event"
)

// Relay groups the relay's collectors.
type Relay struct {
	Connections       prometheus.Gauge
	Rooms             prometheus.Gauge
	MessagesBroadcast prometheus.Counter
	SimulatedReplies  prometheus.Counter
	Dropped           *prometheus.CounterVec
}

// NewRelay creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what most tests want.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dealroom",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Number of open websocket connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dealroom",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Number of conversation rooms with at least one member.",
		}),
		MessagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "relay",
			Name:      "messages_broadcast_total",
			Help:      "Messages broadcast to a room, simulated replies included.",
		}),
		SimulatedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "relay",
			Name:      "simulated_replies_total",
			Help:      "Synthesized counterpart messages.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by the relay, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Rooms, m.MessagesBroadcast, m.SimulatedReplies, m.Dropped)
	}
	return m
}
