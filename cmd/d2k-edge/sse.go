package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/storefront"
)

// handleEvents streams bus events as Server-Sent Events. Events scoped to
// another session are filtered out. A signed-in subscriber also gets an
// unread-count poller for the lifetime of the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := hlog.FromRequest(r)
	sess, signedIn := storefront.SessionFrom(ctx)

	sub := s.bus.Subscribe(storefront.SessionEvents()...)
	defer sub.Close()

	if signedIn {
		p := s.store.UnreadPoller()
		go func() {
			if err := p.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("Unread poller stopped")
			}
		}()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !visibleTo(ev, sess.UserID) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Debug().Err(err).Msg("Event stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

// visibleTo reports whether a subscriber in scope may see ev. Unscoped
// events (catalog refreshes) go to everyone.
func visibleTo(ev events.Event, scope string) bool {
	return ev.Scope == "" || ev.Scope == scope
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, data)
	return err
}
