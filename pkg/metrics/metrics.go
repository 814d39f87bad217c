// Package metrics provides the Prometheus registry and scrape handler for gridfetch.
// All metrics are defined in their respective packages (batch, fetch, cache,
// ratelimit) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by gridfetch.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Batch Metrics (pkg/batch):
//   - gridfetch_batches_total{status} (Counter): Finished batches by status (complete, timeout, cancelled)
//   - gridfetch_batch_duration_seconds (Histogram): Time from Run to delivery
//   - gridfetch_batches_in_flight (Gauge): Batches started but not yet delivered or cancelled
//   - gridfetch_fetch_outcomes_total{kind} (Counter): Delivered item outcomes by kind (ok or failure kind)
//
// Request Metrics (pkg/fetch):
//   - gridfetch_requests_total{host, status} (Counter): Image requests by host and HTTP status
//   - gridfetch_request_duration_seconds{host} (Histogram): Image fetch duration by host
//   - gridfetch_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - gridfetch_breaker_state{host} (Gauge): Circuit breaker state (0=closed, 1=half-open, 2=open)
//
// Retry Metrics (pkg/fetch):
//   - gridfetch_retries_total{error_class} (Counter): Retry attempts by error class
//   - gridfetch_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - gridfetch_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - gridfetch_cache_hits_total (Counter): Fresh entries served from Redis
//   - gridfetch_cache_misses_total{reason} (Counter): Misses by reason (absent, expired, stale)
//   - gridfetch_cache_stored_bytes_total (Counter): Payload bytes written to the cache
//   - gridfetch_cache_revalidated_total (Counter): Stale entries refreshed by 304 responses
//   - gridfetch_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - gridfetch_ratelimit_remaining{host} (Gauge): Requests left in the current window
//   - gridfetch_ratelimit_blocks_total{host} (Counter): Requests blocked at critical budget
//   - gridfetch_ratelimit_throttles_total{host} (Counter): Requests delayed at warning budget
//
// Example Prometheus Queries:
//
//   # Batches delivered partially after a timeout
//   rate(gridfetch_batches_total{status="timeout"}[5m])
//
//   # Share of failed items
//   sum(rate(gridfetch_fetch_outcomes_total{kind!="ok"}[5m])) /
//   sum(rate(gridfetch_fetch_outcomes_total[5m]))
//
//   # Cache Hit Rate
//   sum(rate(gridfetch_cache_hits_total[5m])) /
//   (sum(rate(gridfetch_cache_hits_total[5m])) + sum(rate(gridfetch_cache_misses_total[5m])))
//
//   # P95 Batch Latency
//   histogram_quantile(0.95, rate(gridfetch_batch_duration_seconds_bucket[5m]))
//
//   # Hosts with an open breaker
//   gridfetch_breaker_state == 2
