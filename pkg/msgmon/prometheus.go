package msgmon

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "msgmon"

// Metrics for monitoring service.
var (
	pendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of messages waiting for their results",
			Name:      "pending_messages",
			Namespace: namespace,
		},
	)
	bufferedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of resolved messages not yet fetched",
			Name:      "buffered_results",
			Namespace: namespace,
		},
	)
	resolvedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of messages resolved by final status",
			Name:      "resolved_total",
			Namespace: namespace,
		},
		[]string{"status"},
	)
	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of active provider subscriptions",
			Name:      "active_subscriptions",
			Namespace: namespace,
		},
	)
	discardedCallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of provider callbacks dropped after monitor shutdown",
			Name:      "discarded_callbacks_total",
			Namespace: namespace,
		},
	)
	resentCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of message re-sends made",
			Name:      "resent_total",
			Namespace: namespace,
		},
	)
)

func init() {
	prometheus.MustRegister(
		pendingGauge,
		bufferedGauge,
		resolvedCounter,
		activeSubscriptions,
		discardedCallbacks,
		resentCounter,
	)
}
