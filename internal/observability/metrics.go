package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalingEvents counts frames on the signaling channel by direction and event name.
	SignalingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carechat_signaling_events_total",
		Help: "Signaling frames by direction and event",
	}, []string{"direction", "event"})

	// SignalingRejected counts inbound frames dropped because their payload failed validation.
	SignalingRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carechat_signaling_rejected_total",
		Help: "Inbound signaling frames rejected at the boundary",
	}, []string{"event"})

	// SignalingReconnects counts transport re-dials after a dropped connection.
	SignalingReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carechat_signaling_reconnects_total",
		Help: "Signaling transport reconnect attempts",
	})

	// DuplicateMessages counts receiveMessage frames ignored because the id was already shown.
	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carechat_conversation_duplicates_total",
		Help: "Messages dropped by identifier deduplication",
	})

	// CallTransitions counts call state changes.
	CallTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carechat_call_transitions_total",
		Help: "Call state transitions",
	}, []string{"from", "to"})

	// RemoteRTPPackets counts media packets drained from remote tracks.
	RemoteRTPPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carechat_remote_rtp_packets_total",
		Help: "RTP packets received on remote tracks",
	}, []string{"kind"})

	// RelayConnections is the number of open WebSocket connections on the relay.
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carechat_relay_connections",
		Help: "Open signaling connections on the relay",
	})

	// RelayBackpressureDrops counts frames the relay dropped because a client's send buffer was full.
	RelayBackpressureDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carechat_relay_backpressure_drops_total",
		Help: "Frames dropped on full client buffers",
	})

	// RelayStoreErrors counts redis failures on the relay by operation.
	RelayStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carechat_relay_store_errors_total",
		Help: "Relay redis errors by operation",
	}, []string{"operation"})
)
