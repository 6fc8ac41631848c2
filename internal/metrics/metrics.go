// Package metrics exposes Prometheus instrumentation for the fan-out service.
// Grounded on the teacher's metrics.go: package-level collectors registered in
// init(), scraped over a plain promhttp handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_connections_rejected_total",
		Help: "Connection accept attempts rejected, by reason",
	}, []string{"reason"})

	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_disconnects_total",
		Help: "Disconnections by reason and initiator",
	}, []string{"reason", "initiated_by"})

	ConnectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fanout_connection_duration_seconds",
		Help:    "Connection lifetime before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	SubscriptionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fanout_subscriptions_active",
		Help: "Current subscriber count per channel",
	}, []string{"channel"})

	SubscribeRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_subscribe_rejected_total",
		Help: "Subscribe attempts rejected, by reason",
	}, []string{"reason"})

	MessagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_messages_published_total",
		Help: "Messages published per channel",
	}, []string{"channel"})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_messages_delivered_total",
		Help: "Total per-recipient message deliveries",
	})

	MessagesDroppedSlowConsumer = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_messages_dropped_slow_consumer_total",
		Help: "Messages dropped because a connection's outbound queue was full",
	}, []string{"channel"})

	SlowConnectionsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_slow_connections_disconnected_total",
		Help: "Connections disconnected for sustained slow-consumer behavior",
	})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_rate_limited_messages_total",
		Help: "Inbound frames rejected by per-connection rate limiting",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_offline_queue_depth",
		Help: "Total queued messages across all users awaiting reconnection",
	})

	QueueEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_offline_queue_enqueued_total",
		Help: "Messages enqueued to the offline queue",
	})

	QueueDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_offline_queue_delivered_total",
		Help: "Messages drained from the offline queue and delivered",
	})

	QueueEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_offline_queue_evicted_total",
		Help: "Messages evicted from the offline queue, by reason",
	}, []string{"reason"})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_cpu_usage_percent",
		Help: "Sampled CPU usage relative to the configured container limit",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_memory_usage_bytes",
		Help: "Sampled resident memory usage in bytes",
	})

	PeriodicTaskPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_periodic_task_panics_total",
		Help: "Panics recovered in periodic tasks, by task name",
	}, []string{"task"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		Disconnects,
		ConnectionDuration,
		SubscriptionsActive,
		SubscribeRejected,
		MessagesPublished,
		MessagesDelivered,
		MessagesDroppedSlowConsumer,
		SlowConnectionsDisconnected,
		RateLimitedMessages,
		QueueDepth,
		QueueEnqueued,
		QueueDelivered,
		QueueEvicted,
		CPUUsagePercent,
		MemoryUsageBytes,
		PeriodicTaskPanics,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
