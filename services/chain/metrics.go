package chain

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusChainHeight         prometheus.Gauge
	prometheusChainSideBlocks     prometheus.Counter
	prometheusChainReorgs         prometheus.Counter
	prometheusChainReorgDepth     prometheus.Histogram
	prometheusChainCriticalFaults prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusChainHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ckb",
			Subsystem: "chain",
			Name:      "height",
			Help:      "Height of the active chain tip",
		},
	)

	prometheusChainSideBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "chain",
			Name:      "side_blocks",
			Help:      "Number of verified blocks landed on side chains",
		},
	)

	prometheusChainReorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "chain",
			Name:      "reorgs",
			Help:      "Number of chain reorganizations",
		},
	)

	prometheusChainReorgDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ckb",
			Subsystem: "chain",
			Name:      "reorg_depth",
			Help:      "Number of blocks detached per reorganization",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	prometheusChainCriticalFaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "chain",
			Name:      "critical_faults",
			Help:      "Number of storage faults during tip transitions",
		},
	)
}
