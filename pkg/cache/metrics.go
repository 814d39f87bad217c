package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts fresh entries served from Redis
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridfetch_cache_hits_total",
			Help: "Total number of image cache hits",
		},
	)

	// CacheMisses counts lookups that did not yield a fresh entry
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfetch_cache_misses_total",
			Help: "Total number of image cache misses",
		},
		[]string{"reason"}, // "absent", "expired", "stale"
	)

	// StoredBytes counts payload bytes written to the cache
	StoredBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridfetch_cache_stored_bytes_total",
			Help: "Total image payload bytes written to the cache",
		},
	)

	// Revalidated tracks 304 Not Modified responses that refreshed an entry
	Revalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridfetch_cache_revalidated_total",
			Help: "Total number of stale entries refreshed by a 304 response",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfetch_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "refresh", "delete"
	)
)
