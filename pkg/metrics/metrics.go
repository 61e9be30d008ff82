// Package metrics exposes the Prometheus registry shared by the storefront
// cache packages. Metrics are defined next to the code that updates them
// (cache, events, swr, client, ratelimit, poller, storefront) and registered
// via promauto; this package serves them and documents them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by every package.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry the metrics endpoint reads from.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - d2k_cache_hits_total{layer} (Counter): Records read by layer (memory, redis, s3)
//   - d2k_cache_misses_total (Counter): Absent or undecodable records
//   - d2k_cache_stale_total (Counter): Records found but past their TTL
//   - d2k_cache_written_bytes_total{layer} (Counter): Bytes written by layer
//   - d2k_cache_errors_total{operation} (Counter): Store and decode errors
//
// Refresh Metrics (pkg/swr):
//   - d2k_swr_refresh_total{result} (Counter): Refreshes by result (success, error, shared)
//   - d2k_swr_refresh_duration_seconds (Histogram): Backend fetch duration behind refreshes
//
// Event Metrics (pkg/events):
//   - d2k_events_published_total{name} (Counter): Events published by name
//   - d2k_events_dropped_total{name} (Counter): Events a slow subscriber missed
//
// Backend Metrics (pkg/client):
//   - d2k_backend_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - d2k_backend_request_duration_seconds{endpoint} (Histogram): Request duration
//   - d2k_backend_errors_total{class} (Counter): Errors by class (auth, validation, rate_limit, server, network)
//   - d2k_backend_retries_total{error_class} (Counter): Retry attempts
//   - d2k_backend_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//   - d2k_backend_retry_exhausted_total{error_class} (Counter): Requests that used every attempt
//
// Rate Limit Metrics (pkg/ratelimit):
//   - d2k_backend_rate_limit_remaining (Gauge): Requests left in the backend window
//   - d2k_rate_limit_blocks_total (Counter): Requests blocked locally
//   - d2k_rate_limit_throttles_total (Counter): Requests delayed locally
//
// Poller Metrics (pkg/poller):
//   - d2k_poller_ticks_total{poller, result} (Counter): Ticks by result (changed, unchanged, error)
//   - d2k_poller_active{poller} (Gauge): Running pollers
//
// Storefront Metrics (pkg/storefront):
//   - d2k_storefront_session_clears_total{reason} (Counter): Session clears (logout, unauthorized)
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(d2k_cache_hits_total[5m])) /
//	(sum(rate(d2k_cache_hits_total[5m])) + sum(rate(d2k_cache_misses_total[5m])))
//
//	# Stale serves caused by failed refreshes
//	rate(d2k_swr_refresh_total{result="error"}[5m])
//
//	# P95 Backend Latency
//	histogram_quantile(0.95, rate(d2k_backend_request_duration_seconds_bucket[5m]))
