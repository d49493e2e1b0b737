package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SweepDeletedTotal counts rows removed by maintenance sweeps, per table.
	SweepDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmem",
			Subsystem: "store",
			Name:      "sweep_deleted_total",
			Help:      "Rows physically deleted by maintenance sweeps, labeled by table.",
		},
		[]string{"table"},
	)

	// CacheHitsTotal counts memcache read-through hits and misses.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmem",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups labeled by cache name and result (hit, miss, expired).",
		},
		[]string{"cache", "result"},
	)

	// CacheEvictionsTotal counts LRU evictions per cache.
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmem",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted from bounded caches by LRU policy.",
		},
		[]string{"cache"},
	)

	// QueryDuration observes durable-store statement latency.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentmem",
			Subsystem: "store",
			Name:      "query_duration_seconds",
			Help:      "Durable store statement latency by operation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// ObserveQuery records the latency of one durable statement. Callers defer it
// with the start time: defer ObserveQuery("memory_put", time.Now()).
func ObserveQuery(operation string, start time.Time) {
	QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
