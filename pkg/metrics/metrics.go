// Package metrics exposes the Prometheus registry used by season-sync.
// All metrics are defined in their respective packages and registered through promauto,
// which keeps the packages independent of each other.
//
// This package documents the available metrics and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry. All metrics are registered via promauto
// in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads the metrics registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Import Runs (pkg/importer, pkg/progress):
//   - seasonsync_runs_started_total{result} (Counter): Runs started, "ok" or "failed"
//   - seasonsync_runs_finished_total{status} (Counter): Runs reaching a terminal status
//   - seasonsync_run_items_total{outcome} (Counter): Seasons counted against runs
//   - seasonsync_progress_write_errors_total{record} (Counter): Failed run, retry or health writes
//
// Pagination (pkg/pagination):
//   - seasonsync_pages_processed_total{result} (Counter): Pages by "continued", "final", "error"
//   - seasonsync_entity_tasks_total{outcome} (Counter): Show tasks enqueued, skipped or failed
//
// Worker (pkg/importer):
//   - seasonsync_worker_messages_total{result} (Counter): Messages processed, dead-lettered or redelivered
//   - seasonsync_seasons_synced_total{result} (Counter): Season writes by "ok", "failed", "skipped"
//
// Retry and Dead Letters (pkg/retry, pkg/deadletter):
//   - seasonsync_retry_attempts_total{operation_type} (Counter): Failed attempts
//   - seasonsync_retry_backoff_seconds{operation_type} (Histogram): Backoff before a retry
//   - seasonsync_retry_exhausted_total{operation_type} (Counter): Operations that failed every attempt
//   - seasonsync_messages_dead_lettered_total{operation_type} (Counter): Messages given up on
//   - seasonsync_dead_letters_total{operation_type} (Counter): Envelopes stored
//   - seasonsync_dead_letters_requeued_total (Counter): Envelopes handed back to the queue
//
// Storage (pkg/queue, pkg/kvstore, pkg/season):
//   - seasonsync_queue_enqueued_total{queue} (Counter): Messages enqueued
//   - seasonsync_queue_received_total{queue} (Counter): Messages received
//   - seasonsync_queue_redelivered_total{queue} (Counter): Messages returned for redelivery
//   - seasonsync_queue_recovered_total{queue} (Counter): In-flight messages taken over from expired consumers
//   - seasonsync_kvstore_errors_total{operation} (Counter): Key-value store errors
//   - seasonsync_season_upserts_total{result} (Counter): Upserts by "ok", "invalid", "transient", "error"
//   - seasonsync_season_query_duration_seconds{statement} (Histogram): Statement duration
//
// TVMaze Requests (pkg/tvmaze):
//   - seasonsync_tvmaze_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - seasonsync_tvmaze_request_duration_seconds{endpoint} (Histogram): Request duration
//   - seasonsync_tvmaze_errors_total{class} (Counter): Errors by class
//   - seasonsync_tvmaze_retries_total{error_class} (Counter): Retry attempts
//   - seasonsync_tvmaze_retry_backoff_seconds{error_class} (Histogram): Backoff duration
//   - seasonsync_tvmaze_retry_exhausted_total{error_class} (Counter): Requests that exhausted retries
//
// TVMaze Rate Limit (pkg/ratelimit):
//   - seasonsync_tvmaze_cooldown_seconds (Gauge): Length of the most recent cooldown
//   - seasonsync_tvmaze_throttles_total (Counter): 429 responses received
//   - seasonsync_tvmaze_blocked_requests_total (Counter): Requests delayed by an active cooldown
//
// TVMaze Cache (pkg/cache):
//   - seasonsync_tvmaze_cache_hits_total{state} (Counter): Hits on fresh or stale entries
//   - seasonsync_tvmaze_cache_misses_total (Counter): Cache misses
//   - seasonsync_tvmaze_cache_writes_total (Counter): Responses written
//   - seasonsync_tvmaze_cache_entry_bytes (Histogram): Encoded entry size
//   - seasonsync_tvmaze_conditional_requests_total (Counter): Requests sent with If-None-Match
//   - seasonsync_tvmaze_not_modified_total (Counter): 304 Not Modified responses
//   - seasonsync_tvmaze_cache_errors_total{operation} (Counter): Cache operation errors
//
// HTTP API (cmd/season-sync):
//   - seasonsync_http_requests_total{route, status} (Counter): Requests served
//   - seasonsync_http_request_duration_seconds{route} (Histogram): Request duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(seasonsync_tvmaze_cache_hits_total[5m])) /
//   (sum(rate(seasonsync_tvmaze_cache_hits_total[5m])) + sum(rate(seasonsync_tvmaze_cache_misses_total[5m])))
//
//   # Dead Letters per Hour
//   sum(increase(seasonsync_messages_dead_lettered_total[1h])) by (operation_type)
//
//   # Season Write Failure Ratio
//   rate(seasonsync_seasons_synced_total{result="failed"}[5m]) / rate(seasonsync_seasons_synced_total[5m])
//
//   # P95 TVMaze Latency
//   histogram_quantile(0.95, rate(seasonsync_tvmaze_request_duration_seconds_bucket[5m]))
