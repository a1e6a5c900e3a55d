package downloader

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusDownloaderInFlight prometheus.Gauge
	prometheusDownloaderTimeouts prometheus.Counter
	prometheusDownloaderGivenUp  prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusDownloaderInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ckb",
			Subsystem: "downloader",
			Name:      "in_flight",
			Help:      "Number of block body requests currently in flight",
		},
	)

	prometheusDownloaderTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "downloader",
			Name:      "timeouts",
			Help:      "Number of block body requests that timed out",
		},
	)

	prometheusDownloaderGivenUp = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ckb",
			Subsystem: "downloader",
			Name:      "given_up",
			Help:      "Number of blocks abandoned after exhausting retries",
		},
	)
}
