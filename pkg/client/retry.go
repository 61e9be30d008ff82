package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	backendRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "d2k_backend_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	backendRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "d2k_backend_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"error_class"})

	backendRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "d2k_backend_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	// 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration: a single
// attempt. Storefront reads fall back to cached data instead of retrying.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the backoff shape for an error class with
// the given attempt budget.
func RetryConfigForErrorClass(errorClass ErrorClass, maxAttempts int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = maxAttempts

	switch errorClass {
	case ErrorClassServer:
		cfg.InitialBackoff = 500 * time.Millisecond
		cfg.MaxBackoff = 5 * time.Second
	case ErrorClassRateLimit:
		// 429 - wait longer
		cfg.InitialBackoff = 2 * time.Second
		cfg.MaxBackoff = 30 * time.Second
	case ErrorClassNetwork:
		cfg.InitialBackoff = 1 * time.Second
		cfg.MaxBackoff = 10 * time.Second
	}
	return cfg
}

// retryWithBackoff executes fn up to maxAttempts times with exponential
// backoff and jitter. classify maps an error to its class; errors whose
// class is not retryable are returned immediately.
func retryWithBackoff(ctx context.Context, maxAttempts int, fn func() error, classify func(error) ErrorClass) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	var errorClass ErrorClass
	var backoff time.Duration

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("error_class", string(errorClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		errorClass = classify(err)

		if !shouldRetry(errorClass) {
			return lastErr
		}

		if attempt >= maxAttempts {
			break
		}

		config := RetryConfigForErrorClass(errorClass, maxAttempts)
		if backoff == 0 {
			backoff = config.InitialBackoff
		}

		backendRetriesTotal.WithLabelValues(string(errorClass)).Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		backendRetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(jitter.Seconds())

		log.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			log.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	if maxAttempts == 1 {
		return lastErr
	}

	backendRetryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	log.Warn().
		Str("error_class", string(errorClass)).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, maxAttempts, lastErr)
}
