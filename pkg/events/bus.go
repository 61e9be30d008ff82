package events

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 32

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "d2k_events_published_total",
		Help: "Total storefront events published by name",
	}, []string{"name"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "d2k_events_dropped_total",
		Help: "Total storefront events dropped for slow subscribers by name",
	}, []string{"name"})
)

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus publishes events and hands out subscriptions.
type Bus interface {
	Publisher
	Subscribe(names ...string) *Subscription
}

// Subscription receives events until closed.
type Subscription struct {
	C <-chan Event

	once  sync.Once
	close func()
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

type subscriber struct {
	ch    chan Event
	names map[string]struct{}
}

func (s *subscriber) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// LocalBus fans events out to in-process subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type LocalBus struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscriber
	next       uint64
	bufferSize int
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs:       make(map[uint64]*subscriber),
		bufferSize: DefaultBufferSize,
	}
}

// Publish implements Publisher.
func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	eventsPublished.WithLabelValues(ev.Name).Inc()
	b.deliver(ev)
	return nil
}

func (b *LocalBus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(ev.Name) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			eventsDropped.WithLabelValues(ev.Name).Inc()
		}
	}
}

// Subscribe returns a subscription to the named events, or to all events
// when no names are given.
func (b *LocalBus) Subscribe(names ...string) *Subscription {
	sub := &subscriber{
		ch:    make(chan Event, b.bufferSize),
		names: make(map[string]struct{}, len(names)),
	}
	for _, n := range names {
		sub.names[n] = struct{}{}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		close: func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.ch)
			b.mu.Unlock()
		},
	}
}

// Subscribers returns the number of open subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
