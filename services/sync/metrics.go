package sync

import (
	gosync "sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusSyncHeadersReceived prometheus.Counter
	prometheusSyncBlocksImported  prometheus.Counter
)

var prometheusMetricsInitOnce gosync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusSyncHeadersReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "sync",
			Name:      "headers_received",
			Help:      "Number of headers received from peers",
		},
	)

	prometheusSyncBlocksImported = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "sync",
			Name:      "blocks_imported",
			Help:      "Number of blocks imported through the sync pipeline",
		},
	)
}
