package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusRelayBlocksAnnounced     prometheus.Counter
	prometheusRelayBlocksReconstructed prometheus.Counter
	prometheusRelayMissingTxRequests   prometheus.Counter
	prometheusRelayFullBlockFallbacks  prometheus.Counter
	prometheusRelayTxsAccepted         prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusRelayBlocksAnnounced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "relay",
			Name:      "blocks_announced",
			Help:      "Number of compact blocks announced to peers",
		},
	)

	prometheusRelayBlocksReconstructed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "relay",
			Name:      "blocks_reconstructed",
			Help:      "Number of compact blocks successfully reconstructed",
		},
	)

	prometheusRelayMissingTxRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "relay",
			Name:      "missing_tx_requests",
			Help:      "Number of requests for transactions missing from reconstructions",
		},
	)

	prometheusRelayFullBlockFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "relay",
			Name:      "full_block_fallbacks",
			Help:      "Number of reconstructions that fell back to a full block fetch",
		},
	)

	prometheusRelayTxsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "relay",
			Name:      "txs_accepted",
			Help:      "Number of relayed transactions admitted to the pool",
		},
	)
}
