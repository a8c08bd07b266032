package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "indexer",
		Name:      "blocks_processed_total",
		Help:      "Total number of blocks indexed",
	})

	eventsIndexedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "indexer",
		Name:      "events_indexed_total",
		Help:      "Total number of contract events indexed",
	}, []string{"kind", "event"})

	fetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "indexer",
		Name:      "fetch_errors_total",
		Help:      "Total number of failed chain requests",
	})

	latestIndexedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watcher",
		Subsystem: "indexer",
		Name:      "latest_indexed_block",
		Help:      "Height of the latest indexed block",
	})

	chainHead = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watcher",
		Subsystem: "indexer",
		Name:      "chain_head_block",
		Help:      "Height of the chain head",
	})

	blockDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "watcher",
		Subsystem: "indexer",
		Name:      "block_duration_seconds",
		Help:      "Time to decode and store one block",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "watcher",
		Subsystem: "indexer",
		Name:      "batch_duration_seconds",
		Help:      "Time to fetch and store one batch",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
