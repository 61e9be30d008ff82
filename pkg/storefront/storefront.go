// Package storefront exposes the marketplace resources (catalog, cart, orders,
// conversations) through the stale-while-revalidate cache. Reads serve the
// cache when fresh; mutations go to the backend, then refresh or invalidate
// the affected key and publish the resource's event.
package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/cache"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/client"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/pagination"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/swr"
)

var sessionClearsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "d2k_storefront_session_clears_total",
	Help: "Total local session clears by reason",
}, []string{"reason"}) // "logout", "unauthorized"

// Backend is the marketplace REST API.
type Backend interface {
	Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
	Post(ctx context.Context, path string, body any) (json.RawMessage, error)
	Put(ctx context.Context, path string, body any) (json.RawMessage, error)
	Delete(ctx context.Context, path string) (json.RawMessage, error)
}

var _ Backend = (*client.Client)(nil)

// Config holds storefront configuration.
type Config struct {
	// StorageBaseURL prefixes relative image paths.
	StorageBaseURL string

	// RevalidateWhenFresh refreshes long-lived catalog records (categories,
	// vendor headers) in the background even when they are served fresh.
	RevalidateWhenFresh bool

	// Pages configures listing fetches that walk every page.
	Pages pagination.Config
}

// DefaultConfig returns the default storefront configuration.
func DefaultConfig() Config {
	return Config{
		RevalidateWhenFresh: true,
		Pages:               pagination.DefaultConfig(),
	}
}

// Storefront is the cached view of the marketplace backend.
type Storefront struct {
	api      Backend
	swr      *swr.Revalidator
	cache    *cache.Manager
	bus      events.Publisher
	pages    *pagination.BatchFetcher
	validate *validator.Validate
	config   Config
	logger   zerolog.Logger
}

// New creates a storefront. bus may be nil.
func New(api Backend, rv *swr.Revalidator, bus events.Publisher, cfg Config) *Storefront {
	if api == nil {
		panic("backend cannot be nil")
	}
	if rv == nil {
		panic("revalidator cannot be nil")
	}

	return &Storefront{
		api:      api,
		swr:      rv,
		cache:    rv.Cache(),
		bus:      bus,
		pages:    pagination.NewBatchFetcher(pagination.NewClientFetcher(api), cfg.Pages),
		validate: validator.New(),
		config:   cfg,
		logger:   log.With().Str("component", "storefront").Logger(),
	}
}

// load serves res through the revalidator. A 401 clears the session and is
// returned as an error even when a stale record exists; other refresh
// failures keep the stale record.
func (s *Storefront) load(ctx context.Context, res swr.Resource, fetch swr.Fetcher) (swr.Result, error) {
	result, err := s.swr.Load(ctx, res, fetch)
	if err != nil {
		s.checkAuth(ctx, err)
		return swr.Result{}, err
	}
	if client.IsUnauthorized(result.Err) {
		s.checkAuth(ctx, result.Err)
		return swr.Result{}, result.Err
	}
	return result, nil
}

// getData fetches path and returns the unwrapped "data" member.
func (s *Storefront) getData(path string, query url.Values) swr.Fetcher {
	return func(ctx context.Context) (any, error) {
		raw, err := s.api.Get(ctx, path, query)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return json.RawMessage("null"), nil
		}
		return client.Data(raw), nil
	}
}

// checkAuth clears the caller's session after an authentication failure.
func (s *Storefront) checkAuth(ctx context.Context, err error) {
	if !client.IsUnauthorized(err) {
		return
	}
	sess, ok := SessionFrom(ctx)
	if !ok {
		return
	}
	s.logger.Info().Str("user", sess.UserID).Msg("Backend rejected session, clearing local state")
	sessionClearsTotal.WithLabelValues("unauthorized").Inc()
	s.clearSession(ctx, sess.UserID)
}

// clearSession drops every user-scoped record and publishes session-cleared.
func (s *Storefront) clearSession(ctx context.Context, userID string) {
	keys := make([]cache.Key, 0, len(userResources))
	for _, res := range userResources {
		keys = append(keys, cache.Key{Resource: res}.Scoped(userID))
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Msg("Failed to invalidate session records")
	}
	s.publish(ctx, events.NewScoped(events.SessionCleared, userID))
}

func (s *Storefront) publish(ctx context.Context, ev events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", ev.Name).Msg("Failed to publish event")
	}
}

// invalidated drops key and announces the change.
func (s *Storefront) invalidated(ctx context.Context, key cache.Key, event string) {
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to invalidate record")
	}
	s.publish(ctx, events.New(event, key))
}

// validationError converts validator failures to a backend-shaped error.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validate request: %w", err)
	}

	fields := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = append(fields[fe.Field()], fmt.Sprintf("failed on %s", fe.Tag()))
	}
	return &client.APIError{
		StatusCode: 422,
		ErrorClass: client.ErrorClassValidation,
		Message:    "The given data was invalid.",
		Fields:     fields,
	}
}

// Age is how old result's record is at the storefront clock.
func (s *Storefront) Age(result swr.Result) time.Duration {
	if result.Record == nil {
		return 0
	}
	return result.Record.Age(s.cache.Now())
}

// ErrUnknownResource is returned by Invalidate for an unknown resource name.
var ErrUnknownResource = errors.New("unknown resource")

// Invalidate drops one cached record and publishes the resource's event.
// User-scoped resources require a session and only touch that user's record.
func (s *Storefront) Invalidate(ctx context.Context, resource, id string) (cache.Key, error) {
	if !IsResource(resource) {
		return cache.Key{}, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}

	var userID string
	if IsUserResource(resource) {
		sess, err := requireSession(ctx)
		if err != nil {
			return cache.Key{}, err
		}
		userID = sess.UserID
	}

	key := CacheKey(resource, id, userID)
	s.invalidated(ctx, key, eventFor(resource))
	return key, nil
}
