// Package metrics exposes the hub's Prometheus registry (connection
// gauges, fan-out counters, StreamingTurn duration histogram) and the
// gateway's host-resource/process-identity helpers used for heartbeat
// reporting and daemon liveness checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: agentim_<subsystem>_<name>, mirroring the
// namespace/subsystem/name grouping used throughout the pack's Prometheus
// instrumentation.
var (
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentim",
		Subsystem: "hub",
		Name:      "online_users",
		Help:      "Current number of distinct authenticated users with at least one client socket.",
	})

	RegisteredGateways = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentim",
		Subsystem: "hub",
		Name:      "registered_gateways",
		Help:      "Current number of authenticated gateway sockets.",
	})

	RegisteredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentim",
		Subsystem: "hub",
		Name:      "registered_agents",
		Help:      "Current number of agents registered across all gateways.",
	})

	FanOutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentim",
		Subsystem: "broker",
		Name:      "fan_out_total",
		Help:      "Total frames fanned out to room sockets or gateway sockets.",
	}, []string{"frame_type"})

	FrameHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentim",
		Subsystem: "broker",
		Name:      "frame_handler_errors_total",
		Help:      "Total frame handler failures, by frame type.",
	}, []string{"frame_type"})

	StreamingTurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentim",
		Subsystem: "broker",
		Name:      "streaming_turn_duration_seconds",
		Help:      "Wall-clock duration of a StreamingTurn from its first chunk to message_complete or failure.",
		Buckets:   prometheus.DefBuckets,
	})

	StreamingTurnsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentim",
		Subsystem: "broker",
		Name:      "streaming_turns_failed_total",
		Help:      "Total StreamingTurns that ended in the failed state (e.g. the owning gateway disconnected mid-stream).",
	})

	PermissionStoreSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentim",
		Subsystem: "permission",
		Name:      "pending_requests",
		Help:      "Current number of unresolved PendingPermission entries.",
	})

	RevocationRegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentim",
		Subsystem: "revocation",
		Name:      "entries",
		Help:      "Current number of per-process revocation watermarks held in memory.",
	})
)
