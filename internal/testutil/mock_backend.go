// Package testutil provides testing utilities for the storefront backend client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock backend endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockBackend is a configurable mock marketplace backend for testing.
// Handlers are registered per "METHOD /path" or per "/path" for any method.
type MockBackend struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	requestCount int
	pathCount    map[string]int
	lastAuth     string
}

// NewMockBackend creates a new mock backend server.
func NewMockBackend() *MockBackend {
	mock := &MockBackend{
		handlers:  make(map[string]http.HandlerFunc),
		pathCount: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCount[r.Method+" "+r.URL.Path]++
		mock.lastAuth = r.Header.Get("Authorization")
		handler, exists := mock.handlers[r.Method+" "+r.URL.Path]
		if !exists {
			handler, exists = mock.handlers[r.URL.Path]
		}
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not found."}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockBackend) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockBackend) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCount = make(map[string]int)
	m.lastAuth = ""
}

// SetHandler sets a custom handler for a route ("GET /cart" or "/cart").
func (m *MockBackend) SetHandler(route string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[route] = handler
}

// SetResponse configures a fixed response for a route.
func (m *MockBackend) SetResponse(route string, resp MockResponse) {
	m.SetHandler(route, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPages serves items split into pages of perPage under path, reading ?page=N.
func (m *MockBackend) SetPages(path string, items []any, perPage int) {
	m.SetHandler("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}
		lastPage := (len(items) + perPage - 1) / perPage
		if lastPage < 1 {
			lastPage = 1
		}

		start := min((page-1)*perPage, len(items))
		end := min(start+perPage, len(items))

		body, _ := json.Marshal(map[string]any{
			"data": items[start:end],
			"meta": map[string]any{"current_page": page, "last_page": lastPage},
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockBackend) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests for "METHOD /path".
func (m *MockBackend) GetPathCount(route string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCount[route]
}

// LastAuthorization returns the Authorization header of the last request.
func (m *MockBackend) LastAuthorization() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAuth
}

// NewJSONResponse creates a 200 OK response wrapping data in {"data": ...}.
func NewJSONResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"data":%s}`, data),
		Headers: map[string]string{
			"Content-Type":          "application/json",
			"X-RateLimit-Limit":     "60",
			"X-RateLimit-Remaining": "59",
		},
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"message":"Unauthenticated."}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewValidationResponse creates a 422 response with field errors.
func NewValidationResponse(message string, fields map[string][]string) MockResponse {
	body, _ := json.Marshal(map[string]any{"message": message, "errors": fields})
	return MockResponse{
		StatusCode: http.StatusUnprocessableEntity,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message":"Too Many Attempts."}`,
		Headers: map[string]string{
			"Content-Type":          "application/json",
			"Retry-After":           strconv.Itoa(retryAfter),
			"X-RateLimit-Limit":     "60",
			"X-RateLimit-Remaining": "0",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message":"Server Error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
