package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Default circuit breaker settings.
const (
	DefaultBreakerThreshold   = 5
	DefaultBreakerTimeout     = 30 * time.Second
	DefaultBreakerInterval    = time.Minute
	DefaultBreakerMaxRequests = 1
)

// BreakerOption configures the per-host circuit breakers.
type BreakerOption func(*gobreaker.Settings)

// WithBreakerTimeout sets how long a breaker stays open before probing.
func WithBreakerTimeout(timeout time.Duration) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.Timeout = timeout
	}
}

// WithBreakerInterval sets the cyclic period in which closed-state counts are cleared.
func WithBreakerInterval(interval time.Duration) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.Interval = interval
	}
}

// WithBreakerThreshold trips a breaker after n consecutive failures.
func WithBreakerThreshold(n uint32) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n
		}
	}
}

// breakers holds one circuit breaker per host, created on first use.
type breakers struct {
	mu      sync.Mutex
	byHost  map[string]*gobreaker.CircuitBreaker
	options []BreakerOption
	logger  zerolog.Logger
}

func newBreakers(logger zerolog.Logger, options ...BreakerOption) *breakers {
	return &breakers{
		byHost:  make(map[string]*gobreaker.CircuitBreaker),
		options: options,
		logger:  logger,
	}
}

func (b *breakers) forHost(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byHost[host]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        host,
		MaxRequests: DefaultBreakerMaxRequests,
		Interval:    DefaultBreakerInterval,
		Timeout:     DefaultBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= DefaultBreakerThreshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			b.logger.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}
	for _, option := range b.options {
		option(&settings)
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	b.byHost[host] = cb
	breakerState.WithLabelValues(host).Set(float64(gobreaker.StateClosed))
	return cb
}

// state returns the breaker state of host, closed if the host is unknown.
func (b *breakers) state(host string) gobreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byHost[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// countsAsSuccess keeps cancellations and 4xx answers from tripping a
// breaker. Neither says anything about the health of the host.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.ErrorClass == ErrorClassClient
	}
	return false
}
