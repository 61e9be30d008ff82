// Package events broadcasts named invalidation signals so independent
// consumers showing the same logical data (a header cart badge and a cart
// page, say) can resynchronize without sharing state.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/cache"
)

// Well-known event names.
const (
	// CartUpdated fires after any cart mutation or cart refresh.
	CartUpdated = "cart-updated"

	// MessagesUpdated fires when a conversation or the unread count changes.
	MessagesUpdated = "messages-updated"

	// CacheRefreshed fires after a cached resource is refreshed from the backend.
	CacheRefreshed = "cache-refreshed"

	// SessionCleared fires after logout or an authentication failure.
	SessionCleared = "session-cleared"
)

// Event is a named signal about a cached resource.
type Event struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Key    string    `json:"key,omitempty"`
	Scope  string    `json:"scope,omitempty"`
	Origin string    `json:"origin,omitempty"`
	At     time.Time `json:"at"`
}

// New creates an event about key.
func New(name string, key cache.Key) Event {
	return Event{
		ID:    uuid.NewString(),
		Name:  name,
		Key:   key.String(),
		Scope: key.Scope,
		At:    time.Now(),
	}
}

// NewScoped creates an event for a user with no specific key.
func NewScoped(name, scope string) Event {
	return Event{
		ID:    uuid.NewString(),
		Name:  name,
		Scope: scope,
		At:    time.Now(),
	}
}
