package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/client"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/logging"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/metrics"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/ratelimit"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/storefront"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/swr"
)

// Response headers describing where a body came from.
const (
	headerCache        = "X-Cache"
	headerCacheAge     = "X-Cache-Age"
	headerCacheWarning = "X-Cache-Warning"
)

// Pinger reports dependency readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ServerOptions holds the server's collaborators.
type ServerOptions struct {
	Store          *storefront.Storefront
	Bus            events.Bus
	Ready          Pinger
	Logger         zerolog.Logger
	StorageBaseURL string
	MapsKey        string
	Heartbeat      time.Duration
}

// Server is the storefront edge HTTP server.
type Server struct {
	Router *chi.Mux

	store     *storefront.Storefront
	bus       events.Bus
	ready     Pinger
	logger    zerolog.Logger
	publicCfg map[string]string
	heartbeat time.Duration
}

// NewServer builds the router.
func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()
	s := &Server{
		Router: r,
		store:  opts.Store,
		bus:    opts.Bus,
		ready:  opts.Ready,
		logger: opts.Logger,
		publicCfg: map[string]string{
			"storage_base_url": opts.StorageBaseURL,
			"maps_key":         opts.MapsKey,
		},
		heartbeat: opts.Heartbeat,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 25 * time.Second
	}

	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(s.sessionToContext)

		api.Get("/config", s.handleConfig)
		api.Get("/images", s.handleImage)

		api.Get("/categories", s.handleCategories)
		api.Get("/products", s.handleProducts)
		api.Get("/products/{id}", s.handleProduct)
		api.Get("/vendors/{id}/header", s.handleVendorHeader)
		api.Get("/vendors/{id}/products", s.handleVendorProducts)

		api.Get("/cart", s.handleCart)
		api.Post("/cart/items", s.handleAddToCart)
		api.Put("/cart/items/{id}", s.handleUpdateCartItem)
		api.Delete("/cart/items/{id}", s.handleRemoveCartItem)
		api.Delete("/cart", s.handleClearCart)

		api.Get("/orders", s.handleOrders)
		api.Get("/vendor/orders/count", s.handleVendorOrderCount)

		api.Get("/conversations", s.handleConversations)
		api.Get("/conversations/{id}/messages", s.handleMessages)
		api.Post("/conversations/{id}/messages", s.handleSendMessage)
		api.Get("/messages/unread-count", s.handleUnreadCount)

		api.Post("/logout", s.handleLogout)
		api.Delete("/cache/{resource}", s.handleInvalidate)
		api.Get("/events", s.handleEvents)
	})

	return s
}

// sessionScope derives a stable cache scope from a bearer token so records
// of different sessions never mix.
func sessionScope(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// sessionToContext attaches the bearer token as the storefront session.
func (s *Server) sessionToContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			sess := storefront.Session{UserID: sessionScope(token), Token: token}
			r = r.WithContext(storefront.WithSession(r.Context(), sess))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.publicCfg)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	target := s.store.ImageURL(r.URL.Query().Get("path"))
	if target == "" {
		writeMessage(w, http.StatusBadRequest, "path is required")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r)(s.store.Categories(r.Context()))
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("all") == "1" || q.Get("all") == "true" {
		s.serve(w, r)(s.store.AllProducts(r.Context()))
		return
	}
	page := 1
	if p := q.Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			writeMessage(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = n
	}
	s.serve(w, r)(s.store.Products(r.Context(), page))
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r)(s.store.Product(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleVendorHeader(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r)(s.store.VendorHeader(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleVendorProducts(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r)(s.store.VendorProducts(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleCart(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r)(s.store.Cart(r.Context()))
}

func (s *Server) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	var req storefront.CartItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.serve(w, r)(s.store.AddToCart(r.Context(), req))
}

func (s *Server) handleUpdateCartItem(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	var req storefront.CartUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.serve(w, r)(s.store.UpdateCartItem(r.Context(), id, req))
}

func (s *Server) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	s.serve(w, r)(s.store.RemoveCartItem(r.Context(), id))
}

func (s *Server) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearCart(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r)(s.store.Orders(r.Context()))
}

func (s *Server) handleVendorOrderCount(w http.ResponseWriter, r *http.Request) {
	n, result, err := s.store.VendorOrderCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cacheHeaders(w, result)
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r)(s.store.Conversations(r.Context()))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	thread, err := s.store.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, thread)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req storefront.MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := s.store.SendMessage(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusCreated, msg)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, result, err := s.store.UnreadCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cacheHeaders(w, result)
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Logout(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key, err := s.store.Invalidate(r.Context(), chi.URLParam(r, "resource"), r.URL.Query().Get("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("key", key.String()).Msg("Cache record invalidated")
	w.WriteHeader(http.StatusNoContent)
}

// serve writes a cached result or the error that prevented one.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) func(swr.Result, error) {
	return func(result swr.Result, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.cacheHeaders(w, result)
		if result.Record == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeRaw(w, http.StatusOK, result.Record.Payload)
	}
}

func (s *Server) cacheHeaders(w http.ResponseWriter, result swr.Result) {
	switch result.Source {
	case swr.SourceCache:
		w.Header().Set(headerCache, "HIT")
	case swr.SourceNetwork:
		w.Header().Set(headerCache, "MISS")
	case swr.SourceStale:
		w.Header().Set(headerCache, "STALE")
	}
	if result.Record != nil {
		age := int(s.store.Age(result).Seconds())
		w.Header().Set(headerCacheAge, strconv.Itoa(age))
	}
	if result.Err != nil {
		w.Header().Set(headerCacheWarning, warningText(result.Err))
	}
}

func warningText(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.UserMessage()
	}
	return "Something went wrong. Please try again later."
}

// writeError maps storefront and backend errors onto HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.FromContext(r.Context())

	switch {
	case errors.Is(err, storefront.ErrNoSession):
		writeMessage(w, http.StatusUnauthorized, "Authentication required.")
		return
	case errors.Is(err, storefront.ErrUnknownResource):
		writeMessage(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ratelimit.ErrBlocked):
		w.Header().Set("Retry-After", "60")
		writeMessage(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		logger.Error().Err(err).Msg("Request failed")
		writeMessage(w, http.StatusInternalServerError, "Something went wrong. Please try again later.")
		return
	}

	switch apiErr.ErrorClass {
	case client.ErrorClassAuth:
		writeMessage(w, http.StatusUnauthorized, apiErr.UserMessage())
	case client.ErrorClassValidation:
		status := apiErr.StatusCode
		if status < 400 || status >= 500 {
			status = http.StatusUnprocessableEntity
		}
		body := map[string]any{"message": apiErr.UserMessage()}
		if len(apiErr.Fields) > 0 {
			body["errors"] = apiErr.Fields
		}
		writeJSON(w, status, body)
	case client.ErrorClassRateLimit:
		writeMessage(w, http.StatusTooManyRequests, apiErr.UserMessage())
	case client.ErrorClassNetwork:
		logger.Warn().Err(err).Msg("Backend unreachable")
		writeMessage(w, http.StatusGatewayTimeout, apiErr.UserMessage())
	default:
		logger.Warn().Err(err).Msg("Backend error")
		writeMessage(w, http.StatusBadGateway, apiErr.UserMessage())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON body.")
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || n <= 0 {
		writeMessage(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, data)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
