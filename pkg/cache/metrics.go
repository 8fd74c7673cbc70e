package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts lookups that found an entry, by freshness
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seasonsync_tvmaze_cache_hits_total",
			Help: "Total number of TVMaze cache hits",
		},
		[]string{"state"}, // "fresh", "stale"
	)

	// CacheMisses counts lookups that found nothing
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seasonsync_tvmaze_cache_misses_total",
			Help: "Total number of TVMaze cache misses",
		},
	)

	// CacheWrites counts stored entries
	CacheWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seasonsync_tvmaze_cache_writes_total",
			Help: "Total number of TVMaze responses written to cache",
		},
	)

	// CacheEntryBytes tracks the encoded size of stored entries
	CacheEntryBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seasonsync_tvmaze_cache_entry_bytes",
			Help:    "Encoded size of cached TVMaze responses",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)

	// ConditionalRequests counts requests sent with If-None-Match or If-Modified-Since
	ConditionalRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seasonsync_tvmaze_conditional_requests_total",
			Help: "Total number of conditional requests sent to TVMaze",
		},
	)

	// NotModifiedResponses counts 304 responses
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seasonsync_tvmaze_not_modified_total",
			Help: "Total number of 304 Not Modified responses from TVMaze",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seasonsync_tvmaze_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
