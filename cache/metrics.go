package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup results
const (
	resultHit      = "hit"
	resultMiss     = "miss"
	resultUncached = "uncached"
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Total number of cached call lookups by result",
	}, []string{"method", "result"})

	upstreamCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "cache",
		Name:      "upstream_calls_total",
		Help:      "Total number of eth_call requests sent upstream",
	}, []string{"method"})

	upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watcher",
		Subsystem: "cache",
		Name:      "upstream_duration_seconds",
		Help:      "Duration of upstream eth_call requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)
