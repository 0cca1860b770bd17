// Package metrics provides Prometheus instrumentation for the drift
// matchmaking services. It exposes gauges for queue depth and pooled channel
// counts, counters for rooms and notifications, and histograms for pairing
// round latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoundDuration records how long one pairing round takes.
	RoundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_pairing_round_duration_seconds",
		Help:    "Duration of one pairing round",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// RoomsCreated counts rooms created by the pairing engine.
	RoomsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_rooms_created_total",
		Help: "Total number of rooms created by pairing rounds",
	})

	// QueueDepth tracks the current number of entries in the waiting queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_match_queue_depth",
		Help: "Current number of entries in the waiting queue",
	})

	// Notifications counts notification events published, labeled by
	// event: "matched", "idle", or "skipped".
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_notifications_total",
		Help: "Total notification events published",
	}, []string{"event"}) // event = "matched", "idle", "skipped"

	// ActiveChannels tracks the number of currently open pooled channels.
	ActiveChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_pool_active_channels",
		Help: "Current number of open pooled channels",
	})

	// SubscribeRetries counts channel subscribe attempts that failed and
	// were retried by the connection pool.
	SubscribeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_pool_subscribe_retries_total",
		Help: "Total channel subscribe attempts retried by the pool",
	})

	// Reconnections counts reconnection attempts recorded by the
	// connection monitor.
	Reconnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_monitor_reconnect_attempts_total",
		Help: "Total reconnection attempts recorded by the connection monitor",
	})
)

func init() {
	prometheus.MustRegister(
		RoundDuration,
		RoomsCreated,
		QueueDepth,
		Notifications,
		ActiveChannels,
		SubscribeRetries,
		Reconnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
