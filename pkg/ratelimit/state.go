// Package ratelimit tracks the request budget that image hosts and search
// APIs advertise through X-Ratelimit-* response headers, and gates
// requests before the budget runs out.
package ratelimit

import (
	"time"
)

// Response headers carrying the request budget.
const (
	HeaderRemaining = "X-Ratelimit-Remaining"
	HeaderLimit     = "X-Ratelimit-Limit"
	HeaderReset     = "X-Ratelimit-Reset"
)

// RedisKeyPrefix namespaces the per-host state hashes.
const RedisKeyPrefix = "gridfetch:ratelimit:"

// DefaultWindow is assumed when a host does not send a reset header.
// Unsplash, for example, only documents an hourly window.
const DefaultWindow = time.Hour

// Thresholds for rate limit decisions.
const (
	// RemainingCritical blocks requests when fewer requests than this remain.
	RemainingCritical = 5

	// RemainingWarning throttles requests when fewer requests than this remain.
	RemainingWarning = 20

	// RemainingHealthy indicates normal operation.
	RemainingHealthy = 50
)

// RateLimitState is the last known request budget of one host.
// It is shared across processes via Redis.
type RateLimitState struct {
	Host string `json:"host"`

	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// Limit is the window size advertised by the host (0 if unknown).
	Limit int `json:"limit"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when the remaining budget needs no restriction.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < RemainingCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < RemainingWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingHealthy
}
