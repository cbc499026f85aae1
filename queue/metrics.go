package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_queue_queued_total",
			Help: "Number of bundles accepted by the in-process queue",
		},
	)
	metricRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_queue_rejected_total",
			Help: "Number of bundles rejected because the queue was full",
		},
	)
	metricPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronotrace_queue_pending",
			Help: "Number of bundles waiting to be stored",
		},
	)
	metricStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_queue_stored_total",
			Help: "Number of queued bundles stored",
		},
	)
	metricStoreFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_queue_store_failed_total",
			Help: "Number of queued bundles that could not be stored",
		},
	)
)

func init() {
	prometheus.MustRegister(metricQueued)
	prometheus.MustRegister(metricRejected)
	prometheus.MustRegister(metricPending)
	prometheus.MustRegister(metricStored)
	prometheus.MustRegister(metricStoreFailed)
}
