package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks records found by layer (memory, redis, s3)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2k_cache_hits_total",
			Help: "Total number of storefront cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks absent or unreadable records
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "d2k_cache_misses_total",
			Help: "Total number of storefront cache misses",
		},
	)

	// CacheStale tracks records found past their TTL
	CacheStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "d2k_cache_stale_total",
			Help: "Total number of stale storefront cache reads",
		},
	)

	// CacheWrittenBytes counts bytes written by layer, overwrites included
	CacheWrittenBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2k_cache_written_bytes_total",
			Help: "Total bytes written to the storefront cache",
		},
		[]string{"layer"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2k_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "decode", "set", "delete"
	)
)
