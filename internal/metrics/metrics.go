package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	operationsSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stocksync",
			Name:      "operations_synced_total",
			Help:      "Queued operations that reached a terminal state, by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stocksync",
			Name:      "queue_depth",
			Help:      "Current queue entries by status.",
		},
		[]string{"status"},
	)

	conflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stocksync",
			Name:      "conflicts_total",
			Help:      "Resolved conflicts by strategy.",
		},
		[]string{"strategy"},
	)

	networkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stocksync",
			Name:      "network_transitions_total",
			Help:      "Committed network state transitions.",
		},
		[]string{"state"},
	)

	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stocksync",
			Name:      "drain_duration_seconds",
			Help:      "Duration of queue drain cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stocksync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			operationsSynced,
			queueDepth,
			conflictsResolved,
			networkTransitions,
			drainDuration,
			httpRequests,
		)
	})
}

// IncSynced increments the terminal-outcome counter.
func IncSynced(outcome string) {
	operationsSynced.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current entry count for a status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// IncConflict increments the resolved-conflict counter for a strategy.
func IncConflict(strategy string) {
	conflictsResolved.WithLabelValues(strategy).Inc()
}

// IncNetworkTransition increments the transition counter for a state.
func IncNetworkTransition(state string) {
	networkTransitions.WithLabelValues(state).Inc()
}

// ObserveDrain records the duration of one drain cycle.
func ObserveDrain(seconds float64) {
	drainDuration.Observe(seconds)
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
