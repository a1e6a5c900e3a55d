package blockvalidation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusValidationDuration prometheus.Histogram
	prometheusValidationRejected prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ckb",
			Subsystem: "blockvalidation",
			Name:      "duration_seconds",
			Help:      "Time taken to fully validate a block",
			Buckets:   prometheus.DefBuckets,
		},
	)

	prometheusValidationRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "blockvalidation",
			Name:      "rejected",
			Help:      "Number of blocks rejected for consensus violations",
		},
	)
}
