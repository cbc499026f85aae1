package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_recorder_started_total",
			Help: "Number of captures started",
		},
	)
	metricFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronotrace_recorder_finalized_total",
			Help: "Number of traces that left the active table, by outcome",
		},
		[]string{"outcome"},
	)
	metricSyncFallback = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_recorder_sync_fallback_total",
			Help: "Number of traces stored synchronously because the queue rejected them",
		},
	)
	metricStoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronotrace_recorder_store_duration_seconds",
			Help:    "Time taken to store a trace synchronously",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	metricEventErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_recorder_event_errors_total",
			Help: "Number of typed events that could not be encoded",
		},
	)
	metricNotificationsMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_recorder_notifications_missed_total",
			Help: "Number of finalize notifications not delivered to slow subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(metricStarted)
	prometheus.MustRegister(metricFinalized)
	prometheus.MustRegister(metricSyncFallback)
	prometheus.MustRegister(metricStoreDuration)
	prometheus.MustRegister(metricEventErrors)
	prometheus.MustRegister(metricNotificationsMissed)
}
