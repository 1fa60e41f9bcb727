package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	asksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "relay",
			Name:      "asks_total",
			Help:      "Total number of asks by terminal outcome",
		},
		[]string{"outcome"},
	)

	activeAsks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatbridge",
			Subsystem: "relay",
			Name:      "active_asks",
			Help:      "Number of asks currently in flight",
		},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "relay",
			Name:      "retries_total",
			Help:      "Total number of transparent ask retries",
		},
	)

	watchdogFiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "relay",
			Name:      "watchdog_fired_total",
			Help:      "Total number of watchdog timeouts",
		},
	)

	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "relay",
			Name:      "credential_evictions_total",
			Help:      "Total number of credentials evicted after repeated stalls",
		},
	)

	deltaBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "relay",
			Name:      "delta_bytes_total",
			Help:      "Total bytes of reply text emitted as deltas",
		},
	)

	askDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chatbridge",
			Subsystem: "relay",
			Name:      "ask_duration_seconds",
			Help:      "End-to-end ask latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
		},
	)
)
