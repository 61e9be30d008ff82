// Package client provides the marketplace backend REST client with bearer
// authorization, rate limiting, error classification and optional retries.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/ratelimit"
)

// Prometheus metrics for backend client operations.
var (
	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "d2k_backend_requests_total",
		Help: "Total backend requests by endpoint and status",
	}, []string{"endpoint", "status"})

	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "d2k_backend_request_duration_seconds",
		Help:    "Backend request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	backendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "d2k_backend_errors_total",
		Help: "Total backend errors by class",
	}, []string{"class"})
)

// maxBodyBytes caps backend response bodies.
const maxBodyBytes = 8 << 20

// ErrorClass represents a classification of backend errors.
type ErrorClass string

const (
	// ErrorClassAuth represents 401 authentication failures.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassValidation represents other 4xx validation/business failures.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

type tokenKey struct{}

// WithToken attaches a bearer token to ctx for backend calls.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom returns the bearer token attached to ctx, if any.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// Client is the backend API client.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the backend API root (e.g., "https://api.example.com/api")
	BaseURL string

	// UserAgent header sent with every request
	UserAgent string

	// Timeout per HTTP attempt
	Timeout time.Duration

	// MaxRetries is the number of attempts for retryable failures (1 = no retry)
	MaxRetries int

	// RateLimiter gates requests; nil creates an instance-local tracker
	RateLimiter *ratelimit.Tracker

	// OnUnauthorized is called with the rejected token after a 401
	OnUnauthorized func(ctx context.Context, token string)
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:    baseURL,
		UserAgent:  userAgent,
		Timeout:    15 * time.Second,
		MaxRetries: DefaultRetryConfig().MaxAttempts,
	}
}

// New creates a new backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("max_retries must be >= 1 (got %d)", cfg.MaxRetries)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	logger := log.With().Str("component", "backend-client").Logger()

	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimiter = ratelimit.NewTracker(nil, logger)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:     base,
		rateLimiter: rateLimiter,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Get performs a GET request and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPut, path, nil, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do performs a backend request with rate limiting, authorization and
// error classification. Non-2xx responses are returned as *APIError.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	endpoint := "/" + strings.TrimLeft(path, "/")

	startTime := time.Now()
	defer func() {
		backendRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check Rate Limit
	allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		c.logger.Warn().Str("endpoint", endpoint).Msg("Request blocked by rate limiter")
		backendRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
		return nil, &APIError{
			StatusCode: http.StatusTooManyRequests,
			ErrorClass: ErrorClassRateLimit,
			Message:    "rate limit exhausted",
			Err:        ratelimit.ErrBlocked,
		}
	}

	// Step 2: Encode body once so retries can resend it
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	target := c.resolve(endpoint, query)
	token := TokenFrom(ctx)

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", method).
		Bool("authenticated", token != "").
		Msg("Executing backend request")

	// Step 3: Execute with retry logic
	var result json.RawMessage
	retryErr := retryWithBackoff(ctx, c.config.MaxRetries, func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			backendErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			backendRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Backend request failed")
			return &APIError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
		}
		defer resp.Body.Close()

		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			backendErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return &APIError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read response body", Err: err}
		}

		backendRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if len(bytes.TrimSpace(data)) == 0 {
				result = nil
			} else {
				result = data
			}
			return nil
		}

		apiErr := c.classifyResponse(resp.StatusCode, data)
		backendErrorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(apiErr.ErrorClass)).
			Msg("Backend request error")
		return apiErr
	}, ClassOf)

	if retryErr != nil {
		if IsUnauthorized(retryErr) && c.config.OnUnauthorized != nil {
			c.config.OnUnauthorized(ctx, token)
		}
		return nil, retryErr
	}

	return result, nil
}

func (c *Client) resolve(endpoint string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + endpoint
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// errorBody is the backend's JSON error shape.
type errorBody struct {
	Message string              `json:"message"`
	Error   string              `json:"error"`
	Errors  map[string][]string `json:"errors"`
}

// classifyResponse categorizes a non-2xx response.
func (c *Client) classifyResponse(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
		apiErr.Fields = body.Errors
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized:
		apiErr.ErrorClass = ErrorClassAuth
	case status == http.StatusTooManyRequests:
		apiErr.ErrorClass = ErrorClassRateLimit
	case status >= 400 && status < 500:
		apiErr.ErrorClass = ErrorClassValidation
	default:
		apiErr.ErrorClass = ErrorClassServer
	}

	c.logger.Debug().Str("class", string(apiErr.ErrorClass)).Msg("Error classified")
	return apiErr
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Data returns the "data" member of a backend envelope, or raw itself
// when the body is not wrapped.
func Data(raw json.RawMessage) json.RawMessage {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return raw
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	return ClassOf(err) == ErrorClassNetwork || errors.Is(err, context.DeadlineExceeded)
}
