package redisqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_redisqueue_pushed_total",
			Help: "Number of bundles pushed to Redis",
		},
	)
	metricPushFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_redisqueue_push_failed_total",
			Help: "Number of bundles that could not be pushed to Redis",
		},
	)
	metricConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_redisqueue_consumed_total",
			Help: "Number of bundles popped from Redis and stored",
		},
	)
	metricConsumeFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronotrace_redisqueue_consume_failed_total",
			Help: "Number of popped bundles that could not be decoded or stored",
		},
	)
)

func init() {
	prometheus.MustRegister(metricPushed)
	prometheus.MustRegister(metricPushFailed)
	prometheus.MustRegister(metricConsumed)
	prometheus.MustRegister(metricConsumeFailed)
}
