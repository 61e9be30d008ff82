// Package poller runs fixed-interval polling loops. Each tick overwrites the
// result of the previous one; failed ticks are logged and counted but never
// slow the schedule down.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/cache"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
)

var (
	pollerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "d2k_poller_ticks_total",
		Help: "Total poller ticks by poller and result",
	}, []string{"poller", "result"}) // "changed", "unchanged", "error"

	pollerActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "d2k_poller_active",
		Help: "Number of running pollers",
	}, []string{"poller"})
)

// Storefront polling intervals.
const (
	ChatInterval             = 4 * time.Second
	UnreadCountInterval      = 30 * time.Second
	VendorOrderCountInterval = 60 * time.Second
)

// Task performs one poll. changed reports whether the polled data differs
// from the previous tick.
type Task func(ctx context.Context) (changed bool, err error)

// Poller runs Task every Interval until its context is cancelled.
type Poller struct {
	Name     string
	Interval time.Duration
	Task     Task

	// Event is published on the bus when a tick reports a change.
	Event string
	// Key is attached to the published event.
	Key cache.Key
	Bus events.Publisher

	// Immediate runs the first tick before waiting one interval.
	Immediate bool
}

// Run polls until ctx is done. It returns nil on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	if p.Interval <= 0 {
		return fmt.Errorf("poller %q: interval must be positive", p.Name)
	}
	if p.Task == nil {
		return fmt.Errorf("poller %q: task is required", p.Name)
	}

	logger := log.With().
		Str("component", "poller").
		Str("poller", p.Name).
		Str("instance", uuid.NewString()).
		Logger()

	pollerActive.WithLabelValues(p.Name).Inc()
	defer pollerActive.WithLabelValues(p.Name).Dec()

	logger.Debug().Dur("interval", p.Interval).Msg("Poller started")
	defer logger.Debug().Msg("Poller stopped")

	if p.Immediate {
		p.tick(ctx, logger)
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx, logger)
		}
	}
}

func (p *Poller) tick(ctx context.Context, logger zerolog.Logger) {
	changed, err := p.Task(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		pollerTicksTotal.WithLabelValues(p.Name, "error").Inc()
		logger.Warn().Err(err).Msg("Poll failed")
		return
	}

	if !changed {
		pollerTicksTotal.WithLabelValues(p.Name, "unchanged").Inc()
		return
	}

	pollerTicksTotal.WithLabelValues(p.Name, "changed").Inc()
	if p.Bus == nil || p.Event == "" {
		return
	}

	ev := events.New(p.Event, p.Key)
	if p.Key == (cache.Key{}) {
		ev.Key = ""
	}
	if err := p.Bus.Publish(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("event", p.Event).Msg("Failed to publish poll event")
	}
}
