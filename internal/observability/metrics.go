// Package observability provides logging, metrics, and tracing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoomViewers is the gauge of viewer connections per stream room.
	RoomViewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_room_viewers",
		Help: "Number of viewer connections per stream room",
	}, []string{"stream_id"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// ChatEventsTotal counts inbound chat events by type.
	ChatEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_chat_events_total",
		Help: "Total inbound chat events by type",
	}, []string{"event_type"})

	// RateLimitDenials counts admission denials by event type and scope.
	// Scope is "identity", "ip", or "blocked".
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_rate_limit_denials_total",
		Help: "Total rate-limit denials by event type and scope",
	}, []string{"event_type", "scope"})

	// SlowModeDenials counts messages rejected by the slow-mode gate.
	SlowModeDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_slow_mode_denials_total",
		Help: "Total messages rejected by slow mode",
	})

	// ModerationDenials counts messages rejected by an active sanction.
	ModerationDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_moderation_denials_total",
		Help: "Total messages rejected due to an active ban or timeout",
	}, []string{"action"})

	// OutboxDepth is the current number of queued best-effort store writes.
	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_outbox_depth",
		Help: "Queued best-effort persistence tasks awaiting drain",
	})

	// OutboxDropped counts best-effort writes dropped because the queue was full.
	OutboxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_outbox_dropped_total",
		Help: "Best-effort persistence tasks dropped due to a full queue",
	}, []string{"task"})

	// OutboxFailures counts best-effort writes that ran but returned an error.
	OutboxFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_outbox_failures_total",
		Help: "Best-effort persistence tasks that failed during drain",
	}, []string{"task"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})
)
