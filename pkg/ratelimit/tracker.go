package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrBlocked is returned when a request is refused by the rate limiter.
var ErrBlocked = errors.New("request blocked: backend rate limit exhausted")

// ThrottleDelay is the pause applied to requests in the warning zone.
const ThrottleDelay = 1 * time.Second

// Prometheus metrics for rate limit tracking.
var (
	backendRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "d2k_backend_rate_limit_remaining",
		Help: "Requests remaining in the current backend rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "d2k_rate_limit_blocks_total",
		Help: "Total number of requests blocked due to an exhausted backend rate limit",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "d2k_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to a low backend rate limit",
	})
)

// Tracker monitors the backend rate limit and gates requests. With a Redis
// client the state is shared by every instance; without one it is local.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu    sync.Mutex
	local *State
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

func defaultState() *State {
	return &State{
		Limit:      60,
		Remaining:  60, // Assume healthy until we get real data
		ResetAt:    time.Now().Add(DefaultWindow),
		LastUpdate: time.Now(),
		IsHealthy:  true,
	}
}

// GetState returns the current rate limit state, or a default healthy
// state when nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.local == nil {
			return defaultState(), nil
		}
		s := *t.local
		return &s, nil
	}

	vals, err := t.redis.MGet(ctx, RedisKeyLimit, RedisKeyRemaining, RedisKeyResetTimestamp, RedisKeyLastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}
	if vals[1] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return defaultState(), nil
	}

	state := &State{}
	state.Limit = atoiOr(vals[0], 0)
	state.Remaining = atoiOr(vals[1], 0)
	state.ResetAt = time.Unix(int64(atoiOr(vals[2], 0)), 0)

	if s, ok := vals[3].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}
	state.UpdateHealth()

	return state, nil
}

func atoiOr(v any, def int) int {
	s, ok := v.(string)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// UpdateFromHeaders parses backend rate limit headers and records the state.
// Responses without rate limit headers leave the state unchanged.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	retryStr := headers.Get("Retry-After")
	if remainStr == "" && retryStr == "" {
		return nil
	}

	now := time.Now()
	state := &State{
		ResetAt:    now.Add(DefaultWindow),
		LastUpdate: now,
	}

	if remainStr != "" {
		remain, err := strconv.Atoi(remainStr)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
		}
		state.Remaining = remain
	}

	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Limit header: %w", err)
		}
		state.Limit = limit
	}

	if retryStr != "" {
		retryAfter, err := parseRetryAfter(retryStr, now)
		if err != nil {
			return fmt.Errorf("parse Retry-After header: %w", err)
		}
		state.ResetAt = now.Add(retryAfter)
		if remainStr == "" {
			state.Remaining = 0
		}
	}
	state.UpdateHealth()

	if err := t.store(ctx, state); err != nil {
		return err
	}

	backendRemaining.Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Backend rate limit CRITICAL - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Backend rate limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Bool("is_healthy", state.IsHealthy).
			Msg("Backend rate limit state updated")
	}

	return nil
}

func (t *Tracker) store(ctx context.Context, state *State) error {
	if t.redis == nil {
		t.mu.Lock()
		t.local = state
		t.mu.Unlock()
		return nil
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyLimit, state.Limit, 0)
	pipe.Set(ctx, RedisKeyRemaining, state.Remaining, 0)
	pipe.Set(ctx, RedisKeyResetTimestamp, state.ResetAt.Unix(), 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, nil
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, err
	}
	if d := at.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}

// ShouldAllowRequest checks if a request may go out.
// Returns false when the window is exhausted. In the warning zone the call
// sleeps ThrottleDelay (or until ctx is done) before allowing the request.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Backend rate limit critical - blocking request")

		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Backend rate limit warning - throttling request")

		rateLimitThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(ThrottleDelay):
		}
	}

	return true, nil
}
