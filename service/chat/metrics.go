package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ===== Prometheus 指标 =====

var (
	connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "friendchat_ws_connections",
		Help: "Live websocket connections by auth state",
	}, []string{"state"})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendchat_ws_frames_total",
		Help: "Inbound frames by type and result",
	}, []string{"type", "result"})

	frameDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "friendchat_ws_frame_duration_seconds",
		Help:    "Inbound frame handling latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"type"})

	deliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendchat_broadcast_deliveries_total",
		Help: "Messages handed to subscriber outboxes",
	})

	duplicatePublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendchat_broadcast_duplicates_total",
		Help: "Publishes discarded because the sequence number was already published",
	})

	outboxOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendchat_outbox_overflow_total",
		Help: "Outbox overflows by policy",
	}, []string{"policy"})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendchat_conn_evictions_total",
		Help: "Connections closed by the manager",
	}, []string{"reason"})
)
