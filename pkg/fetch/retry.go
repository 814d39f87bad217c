package fetch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff caps both computed backoffs and host supplied Retry-After values.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ForErrorClass derives the retry configuration for an error class.
// Rate limit errors back off five times longer, network errors twice as long.
func (c RetryConfig) ForErrorClass(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassRateLimit:
		c.InitialBackoff *= 5
		c.MaxBackoff *= 2
	case ErrorClassNetwork:
		c.InitialBackoff *= 2
	}
	return c
}

// backoff tracks the delays of one request's retries.
type backoff struct {
	base  RetryConfig
	class ErrorClass
	next  time.Duration
}

// delay returns the wait before the next attempt, after a failure of class.
// A change of class restarts from that class's initial backoff. The
// boolean reports whether the host dictated the wait through Retry-After.
func (b *backoff) delay(class ErrorClass, retryAfter time.Duration) (time.Duration, bool) {
	cfg := b.base.ForErrorClass(class)
	if class != b.class || b.next == 0 {
		b.next = cfg.InitialBackoff
	}
	b.class = class

	d := b.next
	if cfg.BackoffMultiplier > 1 {
		b.next = min(time.Duration(float64(b.next)*cfg.BackoffMultiplier), cfg.MaxBackoff)
	}

	if retryAfter > d {
		return min(retryAfter, cfg.MaxBackoff), true
	}
	return d, false
}

// withJitter spreads d by ±20% so that a batch of failed fetches against
// one host does not retry in lockstep.
func withJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

// retryWithBackoff executes fn until it succeeds, fails with an error that
// classify marks as permanent, or MaxAttempts is reached. It respects
// context cancellation while waiting.
func retryWithBackoff(ctx context.Context, base RetryConfig, logger zerolog.Logger, fn func() error, classify func(error) ErrorClass) error {
	maxAttempts := max(base.MaxAttempts, 1)
	b := &backoff{base: base}

	var lastErr error
	var lastClass ErrorClass

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		lastClass = classify(err)
		if !shouldRetry(lastClass) {
			return lastErr
		}
		if attempt >= maxAttempts {
			break
		}

		wait, dictated := b.delay(lastClass, retryAfterOf(err))
		if !dictated {
			wait = withJitter(wait)
		}

		retriesTotal.WithLabelValues(string(lastClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(lastClass)).Observe(wait.Seconds())

		logger.Debug().
			Str("error_class", string(lastClass)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Bool("retry_after", dictated).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Warn().
		Str("error_class", string(lastClass)).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, maxAttempts, lastErr)
}
