package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronotrace_collector_active_traces",
			Help: "Number of traces currently open",
		},
	)
	metricAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronotrace_collector_appended_total",
			Help: "Number of event records appended to open traces",
		},
		[]string{"category"},
	)
	metricDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_collector_dropped_total",
			Help: "Number of event records dropped because the trace was not open",
		},
	)
	metricExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_collector_expired_total",
			Help: "Number of open traces discarded because they exceeded the timeout",
		},
	)
)

func init() {
	prometheus.MustRegister(metricActive)
	prometheus.MustRegister(metricAppended)
	prometheus.MustRegister(metricDropped)
	prometheus.MustRegister(metricExpired)
}
