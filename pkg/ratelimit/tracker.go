package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	remainingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridfetch_ratelimit_remaining",
		Help: "Requests remaining in the current rate limit window by host",
	}, []string{"host"})

	blocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridfetch_ratelimit_blocks_total",
		Help: "Total number of requests blocked because the budget is nearly exhausted",
	}, []string{"host"})

	throttlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridfetch_ratelimit_throttles_total",
		Help: "Total number of requests delayed because the budget is low",
	}, []string{"host"})
)

// ErrBudgetExhausted is returned when a host's request budget is critical.
var ErrBudgetExhausted = errors.New("rate limit budget exhausted")

// DefaultThrottleDelay is the pause applied to requests in the warning range.
const DefaultThrottleDelay = time.Second

// Tracker monitors per-host request budgets and gates requests.
type Tracker struct {
	redis         *redis.Client
	logger        zerolog.Logger
	throttleDelay time.Duration
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger.With().Str("component", "ratelimit").Logger(),
		throttleDelay: DefaultThrottleDelay,
	}
}

// SetThrottleDelay overrides the warning-range delay (for testing).
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	t.throttleDelay = d
}

func redisKey(host string) string {
	return RedisKeyPrefix + host
}

// GetState retrieves the state of host from Redis.
// Returns a default healthy state if nothing is known about host.
func (t *Tracker) GetState(ctx context.Context, host string) (*RateLimitState, error) {
	fields, err := t.redis.HGetAll(ctx, redisKey(host)).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if len(fields) == 0 {
		t.logger.Debug().Str("host", host).Msg("No rate limit state in Redis, assuming healthy")
		return &RateLimitState{
			Host:       host,
			Remaining:  RemainingHealthy,
			ResetAt:    time.Now().Add(DefaultWindow),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	remaining, err := strconv.Atoi(fields["remaining"])
	if err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	limit, _ := strconv.Atoi(fields["limit"])

	resetUnix, err := strconv.ParseInt(fields["reset_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reset_at: %w", err)
	}
	updateNano, err := strconv.ParseInt(fields["last_update"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse last_update: %w", err)
	}

	state := &RateLimitState{
		Host:       host,
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    time.Unix(resetUnix, 0),
		LastUpdate: time.Unix(0, updateNano),
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromHeaders parses the budget headers of a response from host and
// stores the result in Redis. Responses without budget headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, host string, headers http.Header) error {
	state, ok, err := ParseHeaders(host, headers, time.Now())
	if err != nil || !ok {
		return err
	}

	key := redisKey(host)
	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, key,
		"remaining", state.Remaining,
		"limit", state.Limit,
		"reset_at", state.ResetAt.Unix(),
		"last_update", state.LastUpdate.UnixNano(),
	)
	pipe.ExpireAt(ctx, key, state.ResetAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	remainingGauge.WithLabelValues(host).Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Str("host", host).
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit CRITICAL - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Str("host", host).
			Int("remaining", state.Remaining).
			Msg("Rate limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Str("host", host).
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Msg("Rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest reports whether a request to host may proceed.
// Requests in the warning range are delayed; the delay honours ctx.
func (t *Tracker) ShouldAllowRequest(ctx context.Context, host string) (bool, error) {
	state, err := t.GetState(ctx, host)
	if err != nil {
		return false, err
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Str("host", host).
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Rate limit critical - blocking request")
		blocksTotal.WithLabelValues(host).Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Str("host", host).
			Int("remaining", state.Remaining).
			Msg("Rate limit warning - throttling request")
		throttlesTotal.WithLabelValues(host).Inc()

		timer := time.NewTimer(t.throttleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	return true, nil
}
