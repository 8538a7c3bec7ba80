// Package metrics defines the Prometheus collectors exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesRouted counts messages accepted by the router, by recipient kind.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_routed_total",
		Help: "Messages accepted by the router.",
	}, []string{"kind"}) // direct, broadcast, team, channel

	// MessagesDeduped counts sends dropped by the dedup window.
	MessagesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_deduped_total",
		Help: "Duplicate sends suppressed within the dedup window.",
	})

	// MessagesFailed counts messages that exhausted delivery retries.
	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_failed_total",
		Help: "Messages marked failed after retry exhaustion.",
	})

	// ConnectedAgents tracks currently connected agents.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_agents",
		Help: "Agents with a live socket connection.",
	})

	// OutboundQueueDepth tracks per-connection outbound queue depth.
	OutboundQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_outbound_queue_depth",
		Help: "Frames queued toward one agent connection.",
	}, []string{"agent"})

	// RoutingLatency observes time from send admission to queue push.
	RoutingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_routing_latency_seconds",
		Help:    "Latency from send admission to outbound queue push.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	// FrameBytes observes inbound frame payload sizes.
	FrameBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_frame_bytes",
		Help:    "Inbound frame payload sizes.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 10),
	})

	// InjectionAttempts counts injection attempts per outcome.
	InjectionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_injection_attempts_total",
		Help: "Pane injection attempts by outcome.",
	}, []string{"outcome"}) // delivered, re_queued, failed

	// SpawnsTotal counts worker spawns per outcome.
	SpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_spawns_total",
		Help: "Worker spawn requests by outcome.",
	}, []string{"outcome"}) // ok, name_in_use, rate_limited, error

	// StorageRetries counts deferred persistence retries.
	StorageRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_storage_retries_total",
		Help: "Message persistence attempts deferred to the overflow buffer.",
	})
)
