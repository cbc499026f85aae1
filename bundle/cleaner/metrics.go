package cleaner

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_cleaner_runs_total",
			Help: "Number of cleaner runs",
		},
	)
	metricRunsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_cleaner_runs_failed_total",
			Help: "Number of cleaner runs that could not list the stored traces",
		},
	)
	metricDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_cleaner_deleted_total",
			Help: "Number of traces deleted by the cleaner",
		},
	)
	metricDeleteFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_cleaner_delete_failed_total",
			Help: "Number of failed cleaner delete calls",
		},
	)
	metricLastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronotrace_cleaner_last_run_timestamp_seconds",
			Help: "UNIX time of the last successful cleaner run",
		},
	)
)

func init() {
	prometheus.MustRegister(metricRuns)
	prometheus.MustRegister(metricRunsFailed)
	prometheus.MustRegister(metricDeleted)
	prometheus.MustRegister(metricDeleteFailed)
	prometheus.MustRegister(metricLastRun)
}
