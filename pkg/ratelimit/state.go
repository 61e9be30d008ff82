// Package ratelimit tracks the marketplace backend's request rate limit and
// gates outgoing requests. It reads the X-RateLimit-Limit,
// X-RateLimit-Remaining and Retry-After headers the backend sends.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyLimit          = "d2k:rate_limit:limit"
	RedisKeyRemaining      = "d2k:rate_limit:remaining"
	RedisKeyResetTimestamp = "d2k:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "d2k:rate_limit:last_update"
)

// Thresholds for rate limit decisions.
const (
	// RemainingThresholdCritical blocks requests until the window resets.
	RemainingThresholdCritical = 2

	// RemainingThresholdWarning throttles requests.
	RemainingThresholdWarning = 10

	// RemainingThresholdHealthy indicates normal operation.
	RemainingThresholdHealthy = 20
)

// DefaultWindow is the backend's rate limit window when it does not say.
const DefaultWindow = 60 * time.Second

// State is the current backend rate limit state, shared across instances
// via Redis.
type State struct {
	// Limit is the number of requests allowed per window (X-RateLimit-Limit).
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the window (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= RemainingThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked.
// A window that has already reset never blocks.
func (s *State) NeedsCriticalBlock() bool {
	return s.Remaining < RemainingThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < RemainingThresholdWarning && s.TimeUntilReset() > 0 && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingThresholdHealthy
}
