// Package fetch provides the HTTP image fetcher used by batch coordinators,
// with rate limiting, caching, retries and per-host circuit breaking.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/gridfetch/pkg/batch"
	"github.com/Sternrassler/gridfetch/pkg/cache"
	"github.com/Sternrassler/gridfetch/pkg/imaging"
	"github.com/Sternrassler/gridfetch/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// DefaultMaxBodyBytes caps a single image payload.
const DefaultMaxBodyBytes = 20 << 20

// Fetcher fetches images over HTTP. It implements batch.Fetcher.
type Fetcher struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	breakers    *breakers
	config      Config
	logger      zerolog.Logger
}

// Config holds the fetcher configuration.
type Config struct {
	// Redis client for caching and rate limit state. Nil disables both.
	Redis *redis.Client

	// User-Agent header sent with every request.
	UserAgent string

	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration

	// MaxBodyBytes rejects larger payloads as decode errors.
	MaxBodyBytes int64

	// VerifyImages rejects payloads that do not decode as an image.
	VerifyImages bool

	// DisableCache skips the Redis image cache even when Redis is set.
	DisableCache bool

	Retry RetryConfig

	// Breaker options applied to every per-host circuit breaker.
	Breaker []BreakerOption
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		Redis:          redis,
		UserAgent:      userAgent,
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		VerifyImages:   true,
		Retry:          DefaultRetryConfig(),
	}
}

// New creates a new image fetcher.
func New(cfg Config, logger zerolog.Logger) (*Fetcher, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request_timeout must be > 0 (got %s)", cfg.RequestTimeout)
	}

	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("max_body_bytes must be > 0 (got %d)", cfg.MaxBodyBytes)
	}

	logger = logger.With().Str("component", "fetch").Logger()

	f := &Fetcher{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		breakers: newBreakers(logger, cfg.Breaker...),
		config:   cfg,
		logger:   logger,
	}

	if cfg.Redis != nil {
		f.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		if !cfg.DisableCache {
			f.cache = cache.NewManager(cfg.Redis)
		}
	}

	return f, nil
}

// Fetch fetches req.Identifier and reports the result as a batch outcome.
func (f *Fetcher) Fetch(ctx context.Context, req batch.Request) batch.Outcome {
	payload, err := f.Get(ctx, req.Identifier)
	if err != nil {
		return batch.Failed(req.Index, toFetchError(ctx, req.Identifier, err))
	}
	return batch.Succeeded(req.Index, payload)
}

// Get fetches one image, serving fresh copies from the cache and
// revalidating stale ones with a conditional request.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", batch.ErrBadIdentifier, err)
	}
	if req.URL.Host == "" {
		return nil, fmt.Errorf("%w: missing host", batch.ErrBadIdentifier)
	}
	host := req.URL.Host

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(host).Observe(time.Since(startTime).Seconds())
	}()

	var (
		key    cache.CacheKey
		cached *cache.CacheEntry
	)
	useCache := f.cache != nil
	if useCache {
		if key, err = cache.KeyFromURL(rawURL); err != nil {
			useCache = false
		}
	}

	if useCache {
		entry, err := f.cache.Get(ctx, key)
		switch {
		case err == nil:
			f.logger.Debug().Str("url", rawURL).Msg("Serving image from cache")
			return entry.Data, nil
		case errors.Is(err, cache.ErrStale):
			cached = entry
			cache.AddConditionalHeaders(req, entry)
			f.logger.Debug().
				Str("url", rawURL).
				Str("etag", entry.ETag).
				Msg("Making conditional request")
		case !errors.Is(err, cache.ErrCacheMiss):
			f.logger.Warn().Err(err).Str("url", rawURL).Msg("Cache get error")
		}
	}

	req.Header.Set("Accept", "image/*")

	resp, err := f.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		if cached == nil {
			return nil, &HTTPError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassServer,
				Message:    "unsolicited 304 Not Modified",
			}
		}

		f.logger.Debug().Str("url", rawURL).Msg("304 Not Modified - using cache")
		if err := f.cache.Refresh(ctx, key, cached, cache.ParseFreshness(resp.Header)); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		return cached.Data, nil
	}

	body, err := readBody(resp.Body, f.config.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	if f.config.VerifyImages {
		if _, err := imaging.Inspect(body); err != nil {
			f.logger.Warn().
				Err(err).
				Str("url", rawURL).
				Str("content_type", resp.Header.Get("Content-Type")).
				Msg("Payload is not an image")
			return nil, err
		}
	}

	if useCache && resp.StatusCode == http.StatusOK {
		entry := cache.NewEntry(body, resp.Header)
		if err := f.cache.Set(ctx, key, entry); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to cache image")
		} else {
			f.logger.Debug().
				Str("url", rawURL).
				Dur("ttl", entry.TTL()).
				Msg("Cached image")
		}
	}

	return body, nil
}

// Do performs an HTTP request with rate limiting, retries and circuit
// breaking. Any status >= 400 is returned as an *HTTPError; the caller
// owns the body of a returned response.
func (f *Fetcher) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	host := req.URL.Host

	if f.rateLimiter != nil {
		allowed, err := f.rateLimiter.ShouldAllowRequest(ctx, host)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			// Redis trouble must not stop image loading.
			f.logger.Warn().Err(err).Str("host", host).Msg("Rate limit check failed, allowing request")
		case !allowed:
			f.logger.Warn().Str("host", host).Msg("Request blocked by rate limiter")
			requestsTotal.WithLabelValues(host, "rate_limited").Inc()
			return nil, ErrRateLimited
		}
	}

	req.Header.Set("User-Agent", f.config.UserAgent)

	f.logger.Debug().
		Str("url", req.URL.String()).
		Str("method", req.Method).
		Msg("Executing request")

	cb := f.breakers.forHost(host)

	var resp *http.Response
	err := retryWithBackoff(ctx, f.config.Retry, f.logger, func() error {
		out, err := cb.Execute(func() (interface{}, error) {
			return f.attempt(req, host)
		})
		if err != nil {
			return err
		}
		resp = out.(*http.Response)
		return nil
	}, classifyError)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// attempt executes one HTTP round trip.
func (f *Fetcher) attempt(req *http.Request, host string) (*http.Response, error) {
	ctx := req.Context()

	resp, err := f.httpClient.Do(req.Clone(ctx))
	if err != nil {
		f.logger.Debug().Err(err).Str("host", host).Msg("HTTP request failed")
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(host, "network_error").Inc()
		return nil, err
	}

	if f.rateLimiter != nil {
		if err := f.rateLimiter.UpdateFromHeaders(ctx, host, resp.Header); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	requestsTotal.WithLabelValues(host, strconv.Itoa(resp.StatusCode)).Inc()

	errClass := classifyStatus(resp.StatusCode)
	if errClass == "" {
		return resp, nil
	}

	errorsTotal.WithLabelValues(string(errClass)).Inc()
	f.logger.Warn().
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Msg("Image request error")

	// Drain a little so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		ErrorClass: errClass,
		Message:    resp.Status,
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		httpErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return nil, httpErr
}

// BreakerState returns the circuit breaker state of host.
func (f *Fetcher) BreakerState(host string) string {
	return f.breakers.state(host).String()
}

// Close closes idle connections.
func (f *Fetcher) Close() error {
	f.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *Fetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// GetCache returns the cache manager, nil when caching is disabled.
func (f *Fetcher) GetCache() *cache.Manager {
	return f.cache
}

// classifyError decides how the retry loop treats an attempt error.
func classifyError(err error) ErrorClass {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.ErrorClass
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrorClassCircuitOpen
	case errors.Is(err, context.Canceled):
		return ""
	default:
		return ErrorClassNetwork
	}
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return body, nil
}

// toFetchError maps a fetch error onto the batch failure kinds.
func toFetchError(ctx context.Context, identifier string, err error) *batch.FetchError {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		fe := batch.NewFetchError(batch.KindServerError, identifier, err)
		fe.StatusCode = httpErr.StatusCode
		return fe
	case errors.Is(err, imaging.ErrNotImage), errors.Is(err, imaging.ErrEmpty), errors.Is(err, ErrBodyTooLarge):
		return batch.NewFetchError(batch.KindDecode, identifier, err)
	case errors.Is(err, batch.ErrBadIdentifier):
		return batch.NewFetchError(batch.KindBadIdentifier, identifier, err)
	case ctx.Err() != nil:
		return batch.NewFetchError(batch.KindOf(ctx.Err()), identifier, err)
	default:
		return batch.NewFetchError(batch.KindTransport, identifier, err)
	}
}
