// Package swr implements stale-while-revalidate loading on top of the
// storefront cache: serve a fresh record immediately, fetch when the record
// is stale or absent, and keep serving the stale record when that fetch fails.
package swr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/cache"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
)

var (
	swrRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "d2k_swr_refresh_total",
		Help: "Total resource refreshes by result",
	}, []string{"result"}) // "success", "error", "shared", "superseded"

	swrRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "d2k_swr_refresh_duration_seconds",
		Help:    "Duration of backend fetches behind resource refreshes",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// ErrClosed is returned by Refresh after Close.
var ErrClosed = errors.New("revalidator closed")

// Source says where a Result's record came from.
type Source string

const (
	// SourceCache is a fresh cached record served without a fetch.
	SourceCache Source = "cache"

	// SourceNetwork is a record fetched from the backend for this call.
	SourceNetwork Source = "network"

	// SourceStale is a stale cached record served because the fetch failed.
	SourceStale Source = "stale"
)

// Resource describes one cached call site.
type Resource struct {
	// Key identifies the cached record.
	Key cache.Key

	// TTL is how long a record stays fresh.
	TTL time.Duration

	// Event is published after a successful refresh (default events.CacheRefreshed).
	Event string

	// RevalidateWhenFresh also refreshes in the background when a fresh
	// record is served.
	RevalidateWhenFresh bool
}

func (r Resource) eventName() string {
	if r.Event == "" {
		return events.CacheRefreshed
	}
	return r.Event
}

// Fetcher loads a resource from the backend. The returned value must be
// JSON-serializable.
type Fetcher func(ctx context.Context) (any, error)

// Result is the outcome of Load.
type Result struct {
	Record *cache.Record
	Source Source

	// Err is a non-fatal refresh error accompanying a stale record.
	Err error
}

// Decode unmarshals the record payload into v.
func (r Result) Decode(v any) error {
	if r.Record == nil {
		return fmt.Errorf("no record")
	}
	return r.Record.Decode(v)
}

// Config holds revalidator configuration.
type Config struct {
	// RefreshTimeout bounds every backend fetch. Fetches run detached from
	// the caller's cancellation since other callers may share them.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the default revalidator configuration.
func DefaultConfig() Config {
	return Config{
		RefreshTimeout: 15 * time.Second,
	}
}

// Revalidator coordinates cache reads with backend refreshes. Concurrent
// refreshes of one key within a process share a single fetch; writers in
// other processes still race and the last completed write wins.
type Revalidator struct {
	cache  *cache.Manager
	bus    events.Publisher
	config Config
	logger zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	closed  bool
	seq     uint64
	flights map[string]*flight
	wg      sync.WaitGroup
}

// flight tracks the fetches of one key. A forced refresh raises barrier so
// fetches that started before it do not write over its result.
type flight struct {
	write   sync.Mutex
	running int
	barrier uint64
}

// New creates a revalidator. bus may be nil when nobody listens for refreshes.
func New(manager *cache.Manager, bus events.Publisher, cfg Config) *Revalidator {
	if manager == nil {
		panic("cache manager cannot be nil")
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultConfig().RefreshTimeout
	}
	return &Revalidator{
		cache:   manager,
		bus:     bus,
		config:  cfg,
		logger:  log.With().Str("component", "swr").Logger(),
		flights: make(map[string]*flight),
	}
}

// Cache returns the underlying cache manager.
func (r *Revalidator) Cache() *cache.Manager {
	return r.cache
}

// Load returns the record for res.
//
// A fresh record is returned without fetching. A stale or absent record is
// fetched in the foreground; if that fails and a stale record exists, the
// stale record is returned with Result.Err set and a nil error.
func (r *Revalidator) Load(ctx context.Context, res Resource, fetch Fetcher) (Result, error) {
	rec, fresh := r.cache.Lookup(ctx, res.Key, res.TTL)
	if rec != nil && fresh {
		if res.RevalidateWhenFresh {
			r.background(ctx, res, fetch)
		}
		return Result{Record: rec, Source: SourceCache}, nil
	}

	fetched, err := r.refresh(ctx, res, fetch)
	if err != nil {
		if rec != nil {
			r.logger.Warn().
				Err(err).
				Str("key", res.Key.String()).
				Dur("age", rec.Age(r.cache.Now())).
				Msg("Refresh failed, serving stale record")
			return Result{Record: rec, Source: SourceStale, Err: err}, nil
		}
		return Result{}, err
	}

	return Result{Record: fetched, Source: SourceNetwork}, nil
}

// Refresh fetches res from the backend, stores it and publishes its event,
// regardless of what is cached. It never joins a fetch that was already
// running, and such a fetch no longer writes its older result to the cache.
// Callers use it after a mutation.
func (r *Revalidator) Refresh(ctx context.Context, res Resource, fetch Fetcher) (*cache.Record, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	key := res.Key.String()
	r.supersede(key)
	r.group.Forget(key)
	return r.refresh(ctx, res, fetch)
}

func (r *Revalidator) refresh(ctx context.Context, res Resource, fetch Fetcher) (*cache.Record, error) {
	key := res.Key.String()

	ch := r.group.DoChan(key, func() (any, error) {
		f, start := r.beginFlight(key)
		defer r.endFlight(key, f)

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.RefreshTimeout)
		defer cancel()
		return r.fetchAndStore(fetchCtx, res, fetch, f, start)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Shared {
			swrRefreshTotal.WithLabelValues("shared").Inc()
		}
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Val.(*cache.Record), nil
	}
}

func (r *Revalidator) fetchAndStore(ctx context.Context, res Resource, fetch Fetcher, f *flight, start uint64) (*cache.Record, error) {
	key := res.Key.String()

	began := time.Now()
	payload, err := fetch(ctx)
	swrRefreshDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		swrRefreshTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	f.write.Lock()
	if r.superseded(f, start) {
		f.write.Unlock()
		swrRefreshTotal.WithLabelValues("superseded").Inc()
		r.logger.Debug().Str("key", key).Msg("Fetch superseded by a forced refresh, not caching")
		return r.cache.NewRecord(payload)
	}
	rec, err := r.cache.WriteCached(ctx, res.Key, payload)
	f.write.Unlock()
	if err != nil {
		// The fetch succeeded; hand the payload back even if the store did not take it.
		r.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache refreshed record")
		rec, err = r.cache.NewRecord(payload)
		if err != nil {
			swrRefreshTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	swrRefreshTotal.WithLabelValues("success").Inc()
	r.publish(ctx, res)
	return rec, nil
}

func (r *Revalidator) beginFlight(key string) (*flight, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.flights[key]
	if f == nil {
		f = &flight{}
		r.flights[key] = f
	}
	f.running++
	r.seq++
	return f, r.seq
}

func (r *Revalidator) endFlight(key string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.running--
	if f.running == 0 && r.flights[key] == f {
		delete(r.flights, key)
	}
}

// supersede marks every fetch of key running now as older than the next one.
func (r *Revalidator) supersede(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.flights[key]; f != nil {
		r.seq++
		f.barrier = r.seq
	}
}

func (r *Revalidator) superseded(f *flight, start uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return start < f.barrier
}

func (r *Revalidator) publish(ctx context.Context, res Resource) {
	if r.bus == nil {
		return
	}
	ev := events.New(res.eventName(), res.Key)
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("event", ev.Name).Msg("Failed to publish refresh event")
	}
}

// background refreshes res on a context detached from the caller's
// cancellation but carrying its values (the bearer token, for one).
func (r *Revalidator) background(ctx context.Context, res Resource, fetch Fetcher) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.RefreshTimeout)
		defer cancel()

		if _, err := r.refresh(bgCtx, res, fetch); err != nil {
			r.logger.Warn().Err(err).Str("key", res.Key.String()).Msg("Background refresh failed")
		}
	}()
}

// Wait blocks until in-flight background refreshes finish.
func (r *Revalidator) Wait() {
	r.wg.Wait()
}

// Close stops new background refreshes and waits for running ones.
func (r *Revalidator) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
