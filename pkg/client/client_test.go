package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/ratelimit"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(DefaultConfig(server.URL+"/api", "D2K-Test/1.0"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client, server
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:   "valid config",
			config: DefaultConfig("https://api.example.com/api", "D2K/1.0"),
		},
		{
			name:        "empty base url",
			config:      DefaultConfig("", "D2K/1.0"),
			expectError: true,
		},
		{
			name:        "relative base url",
			config:      DefaultConfig("/api", "D2K/1.0"),
			expectError: true,
		},
		{
			name:        "empty user agent",
			config:      DefaultConfig("https://api.example.com", ""),
			expectError: true,
		},
		{
			name: "zero attempts",
			config: Config{
				BaseURL:   "https://api.example.com",
				UserAgent: "D2K/1.0",
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if client == nil {
				t.Error("expected client, got nil")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://api.example.com", "D2K/1.0")

	if cfg.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1", cfg.MaxRetries)
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", cfg.Timeout)
	}
	if cfg.RateLimiter != nil {
		t.Error("RateLimiter should default to nil")
	}
}

func TestTokenContext(t *testing.T) {
	ctx := context.Background()
	if TokenFrom(ctx) != "" {
		t.Error("empty context should carry no token")
	}
	ctx = WithToken(ctx, "abc")
	if TokenFrom(ctx) != "abc" {
		t.Errorf("TokenFrom = %q, want abc", TokenFrom(ctx))
	}
}

func TestGet_HeadersAndPath(t *testing.T) {
	var gotPath, gotQuery, gotUA, gotAuth, gotAccept string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":1}]}`))
	})

	ctx := WithToken(context.Background(), "secret")
	raw, err := client.Get(ctx, "products", map[string][]string{"page": {"2"}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if gotPath != "/api/products" {
		t.Errorf("path = %q, want /api/products", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("query = %q, want page=2", gotQuery)
	}
	if gotUA != "D2K-Test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if string(Data(raw)) != `[{"id":1}]` {
		t.Errorf("Data() = %s", Data(raw))
	}
}

func TestGet_NoTokenNoAuthorization(t *testing.T) {
	var hasAuth bool
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, hasAuth = r.Header["Authorization"]
		w.Write([]byte(`[]`))
	})

	if _, err := client.Get(context.Background(), "/categories", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if hasAuth {
		t.Error("Authorization header should be absent without a token")
	}
}

func TestPost_SendsJSONBody(t *testing.T) {
	var got map[string]any
	var contentType string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"message":"ok"}`))
	})

	_, err := client.Post(context.Background(), "/cart/items", map[string]any{"product_id": 7, "quantity": 2})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if got["product_id"] != float64(7) || got["quantity"] != float64(2) {
		t.Errorf("body = %v", got)
	}
}

func TestDelete_EmptyBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	raw, err := client.Delete(context.Background(), "/cart/items/3")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if raw != nil {
		t.Errorf("expected nil body, got %s", raw)
	}
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantClass  ErrorClass
		wantMsg    string
	}{
		{"401 auth", 401, `{"message":"Unauthenticated."}`, ErrorClassAuth, "Unauthenticated."},
		{"422 validation", 422, `{"message":"The quantity field is required.","errors":{"quantity":["The quantity field is required."]}}`, ErrorClassValidation, "The quantity field is required."},
		{"404 validation", 404, `{"error":"Not found"}`, ErrorClassValidation, "Not found"},
		{"429 rate limit", 429, ``, ErrorClassRateLimit, "Too Many Requests"},
		{"500 server", 500, `<html>oops</html>`, ErrorClassServer, "Internal Server Error"},
		{"503 server", 503, `{"message":"maintenance"}`, ErrorClassServer, "maintenance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			})

			_, err := client.Get(context.Background(), "/x", nil)

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.statusCode)
			}
			if apiErr.ErrorClass != tt.wantClass {
				t.Errorf("ErrorClass = %q, want %q", apiErr.ErrorClass, tt.wantClass)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
		})
	}
}

func TestDo_ValidationFields(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(422)
		w.Write([]byte(`{"message":"Invalid","errors":{"body":["The body field is required."]}}`))
	})

	_, err := client.Post(context.Background(), "/conversations/1/messages", map[string]string{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if msgs := apiErr.Fields["body"]; len(msgs) != 1 || msgs[0] != "The body field is required." {
		t.Errorf("Fields = %v", apiErr.Fields)
	}
}

func TestDo_OnUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var rejected string
	cfg := DefaultConfig(server.URL, "D2K/1.0")
	cfg.OnUnauthorized = func(ctx context.Context, token string) {
		rejected = token
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = client.Get(WithToken(context.Background(), "expired"), "/cart", nil)
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if rejected != "expired" {
		t.Errorf("OnUnauthorized token = %q, want expired", rejected)
	}
}

func TestDo_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Get(context.Background(), "/products", nil)
	if ClassOf(err) != ErrorClassServer {
		t.Fatalf("expected server error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDo_RetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL, "D2K/1.0")
	cfg.MaxRetries = 2
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := client.Get(context.Background(), "/products", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestDo_NoRetryOnValidation(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL, "D2K/1.0")
	cfg.MaxRetries = 3
	client, _ := New(cfg)

	_, err := client.Post(context.Background(), "/cart/items", map[string]int{"quantity": -1})
	if ClassOf(err) != ErrorClassValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDo_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := New(DefaultConfig(url, "D2K/1.0"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = client.Get(context.Background(), "/categories", nil)
	if !IsNetwork(err) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestDo_RateLimitBlock(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL, "D2K/1.0")
	cfg.RateLimiter = ratelimit.NewTracker(nil, zerolog.Nop())
	client, _ := New(cfg)

	_, err := client.Get(context.Background(), "/products", nil)
	if ClassOf(err) != ErrorClassRateLimit {
		t.Fatalf("first call: expected rate limit error, got %v", err)
	}

	// The tracker now holds remaining=0 until the reset, so nothing is sent.
	_, err = client.Get(context.Background(), "/products", nil)
	if !errors.Is(err, ratelimit.ErrBlocked) {
		t.Fatalf("second call: expected ErrBlocked, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestData(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"envelope", `{"data":{"id":1},"meta":{}}`, `{"id":1}`},
		{"bare array", `[1,2]`, `[1,2]`},
		{"object without data", `{"id":1}`, `{"id":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(Data(json.RawMessage(tt.raw))); got != tt.want {
				t.Errorf("Data() = %s, want %s", got, tt.want)
			}
		})
	}
}
