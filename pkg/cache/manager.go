package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRetention bounds how long a record stays in the backend after its
// last write. Freshness is decided by TTL alone; retention only keeps
// shared backends from growing without bound.
const DefaultRetention = 7 * 24 * time.Hour

// Manager is the single accessor for cached storefront responses.
type Manager struct {
	store     Store
	layer     string
	retention time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for timestamps and freshness.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRetention sets the backend retention; 0 keeps records until invalidated.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		m.retention = d
	}
}

// WithLayer sets the layer label reported in metrics (e.g., "redis").
func WithLayer(layer string) Option {
	return func(m *Manager) {
		m.layer = layer
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a cache manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		panic("cache store cannot be nil")
	}
	m := &Manager{
		store:     store,
		layer:     layerOf(store),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    log.With().Str("component", "cache").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func layerOf(store Store) string {
	switch store.(type) {
	case *RedisStore:
		return "redis"
	case *S3Store:
		return "s3"
	case *MemoryStore:
		return "memory"
	default:
		return "custom"
	}
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// ReadCached returns the stored record for key.
// A missing key, a backend failure or malformed stored data all report
// (nil, false); ReadCached never returns an error.
func (m *Manager) ReadCached(ctx context.Context, key Key) (*Record, bool) {
	cacheKey := key.String()

	data, err := m.store.Get(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			CacheMisses.Inc()
			m.logger.Debug().Str("key", cacheKey).Msg("Cache miss")
			return nil, false
		}
		CacheErrors.WithLabelValues("get").Inc()
		m.logger.Warn().Err(err).Str("key", cacheKey).Msg("Cache get error, treating as miss")
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Timestamp.IsZero() || len(rec.Payload) == 0 {
		CacheErrors.WithLabelValues("decode").Inc()
		CacheMisses.Inc()
		m.logger.Debug().Err(err).Str("key", cacheKey).Msg("Malformed cache entry, treating as miss")
		return nil, false
	}

	CacheHits.WithLabelValues(m.layer).Inc()
	return &rec, true
}

// IsFresh reports whether timestamp is within ttl of the manager clock.
func (m *Manager) IsFresh(timestamp time.Time, ttl time.Duration) bool {
	return IsFreshAt(timestamp, ttl, m.now())
}

// Lookup reads key and reports whether the record is fresh for ttl.
// A stale record is still returned so callers can serve it while refreshing.
func (m *Manager) Lookup(ctx context.Context, key Key, ttl time.Duration) (*Record, bool) {
	rec, ok := m.ReadCached(ctx, key)
	if !ok {
		return nil, false
	}
	fresh := m.IsFresh(rec.Timestamp, ttl)
	if !fresh {
		CacheStale.Inc()
	}
	m.logger.Debug().
		Str("key", key.String()).
		Bool("fresh", fresh).
		Dur("age", rec.Age(m.now())).
		Msg("Cache hit")
	return rec, fresh
}

// WriteCached stores payload under key stamped with the current time,
// replacing any prior record. Payload and timestamp are serialized as one
// value so a reader never sees one without the other.
func (m *Manager) WriteCached(ctx context.Context, key Key, payload any) (*Record, error) {
	rec, err := m.NewRecord(payload)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return nil, err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return nil, fmt.Errorf("marshal cache record: %w", err)
	}

	if err := m.store.Set(ctx, key.String(), data, m.retention); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return nil, err
	}

	CacheWrittenBytes.WithLabelValues(m.layer).Add(float64(len(data)))
	m.logger.Debug().Str("key", key.String()).Int("bytes", len(data)).Msg("Cached response")

	return rec, nil
}

// NewRecord stamps payload with the current time without storing it.
func (m *Manager) NewRecord(payload any) (*Record, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Record{Payload: body, Timestamp: m.now()}, nil
}

// Invalidate removes the records for keys.
func (m *Manager) Invalidate(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}

	if err := m.store.Delete(ctx, names...); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return err
	}

	m.logger.Debug().Strs("keys", names).Msg("Invalidated cache entries")
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("cache payload cannot be nil")
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("cache payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cache payload: %w", err)
	}
	return body, nil
}
