package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics
	GatewayConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_gateway_connected",
			Help: "1 while the push gateway connection is established",
		},
	)

	GatewayReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_gateway_reconnects_total",
			Help: "Total reconnect attempts to the push gateway",
		},
	)

	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_gateway_heartbeat_timeouts_total",
			Help: "Connections closed because no heartbeat arrived",
		},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Inbound frames or envelopes dropped",
		},
		[]string{"reason"}, // "malformed", "handler_panic", "other_room"
	)

	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_envelopes_received_total",
			Help: "Room envelopes received over the push channel",
		},
		[]string{"type"},
	)

	// Sync metrics
	DirectoryRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_directory_refreshes_total",
			Help: "Directory fetches by outcome",
		},
		[]string{"outcome"}, // "applied", "superseded", "error"
	)

	Backfills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_backfills_total",
			Help: "Room history backfills by outcome",
		},
		[]string{"outcome"}, // "applied", "stale", "error"
	)

	ReadReceipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_read_receipts_total",
			Help: "Read receipt calls by outcome",
		},
		[]string{"outcome"},
	)

	Sends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outgoing messages by delivery path and outcome",
		},
		[]string{"path", "outcome"}, // path: "push" or "fallback"
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_request_duration_seconds",
			Help:    "REST call latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op"},
	)
)
