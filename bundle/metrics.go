package bundle

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricStoreCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_store_calls_total",
			Help: "Number of bundles stored",
		},
	)
	metricStoreFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_store_failed_total",
			Help: "Number of bundles that could not be stored",
		},
	)
	metricArchiveBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronotrace_bundle_archive_bytes",
			Help:    "Size of stored bundle archives",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
	metricRetrieveCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_retrieve_calls_total",
			Help: "Number of bundle retrievals",
		},
	)
	metricRetrieveFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_retrieve_failed_total",
			Help: "Number of bundle retrievals that failed for other reasons than not found",
		},
	)
	metricListCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_list_calls_total",
			Help: "Number of bundle listings",
		},
	)
	metricListFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_list_failed_total",
			Help: "Number of bundle listings that failed",
		},
	)
	metricListPartitionFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_list_partition_failed_total",
			Help: "Number of date partitions skipped during a listing because they could not be read",
		},
	)
	metricDeleteCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_delete_calls_total",
			Help: "Number of bundle deletions",
		},
	)
	metricDeleteFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_delete_failed_total",
			Help: "Number of bundle deletions that failed",
		},
	)
	metricPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_purged_total",
			Help: "Number of bundles deleted because they exceeded the retention",
		},
	)
	metricPurgeFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_bundle_purge_failed_total",
			Help: "Number of expired bundles that could not be deleted",
		},
	)
)

func init() {
	prometheus.MustRegister(metricStoreCalls)
	prometheus.MustRegister(metricStoreFailed)
	prometheus.MustRegister(metricArchiveBytes)
	prometheus.MustRegister(metricRetrieveCalls)
	prometheus.MustRegister(metricRetrieveFailed)
	prometheus.MustRegister(metricListCalls)
	prometheus.MustRegister(metricListFailed)
	prometheus.MustRegister(metricListPartitionFailed)
	prometheus.MustRegister(metricDeleteCalls)
	prometheus.MustRegister(metricDeleteFailed)
	prometheus.MustRegister(metricPurged)
	prometheus.MustRegister(metricPurgeFailed)
}
