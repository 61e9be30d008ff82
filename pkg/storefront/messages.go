package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/cache"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/client"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/poller"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/swr"
)

// MessageRequest sends a chat message.
type MessageRequest struct {
	Body string `json:"body" validate:"required,max=2000"`
}

func conversationsResource(userID string) swr.Resource {
	return userResource(ResourceConversations, userID, events.MessagesUpdated)
}

func unreadResource(userID string) swr.Resource {
	return userResource(ResourceUnreadCount, userID, events.MessagesUpdated)
}

func messagesPath(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/messages"
}

// Conversations returns the signed-in user's conversations.
func (s *Storefront) Conversations(ctx context.Context) (swr.Result, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return swr.Result{}, err
	}
	return s.load(ctx, conversationsResource(sess.UserID), s.getData("/conversations", nil))
}

// Messages returns a conversation thread. Threads are polled, not cached.
func (s *Storefront) Messages(ctx context.Context, conversationID string) (json.RawMessage, error) {
	if _, err := requireSession(ctx); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	raw, err := s.api.Get(ctx, messagesPath(conversationID), nil)
	if err != nil {
		s.checkAuth(ctx, err)
		return nil, err
	}
	return client.Data(raw), nil
}

// SendMessage posts a message and invalidates the conversation list.
func (s *Storefront) SendMessage(ctx context.Context, conversationID string, req MessageRequest) (json.RawMessage, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	raw, err := s.api.Post(ctx, messagesPath(conversationID), req)
	if err != nil {
		s.checkAuth(ctx, err)
		return nil, err
	}

	s.invalidated(ctx, conversationsResource(sess.UserID).Key, events.MessagesUpdated)
	return client.Data(raw), nil
}

type unreadBody struct {
	Count  *int `json:"count"`
	Unread *int `json:"unread_count"`
}

func decodeCount(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var body unreadBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, fmt.Errorf("decode count: %w", err)
	}
	switch {
	case body.Count != nil:
		return *body.Count, nil
	case body.Unread != nil:
		return *body.Unread, nil
	}
	return 0, fmt.Errorf("decode count: no count field in %s", raw)
}

func (s *Storefront) fetchCount(ctx context.Context, path string) (int, error) {
	raw, err := s.api.Get(ctx, path, nil)
	if err != nil {
		return 0, err
	}
	return decodeCount(client.Data(raw))
}

// UnreadCount returns the signed-in user's unread message count.
func (s *Storefront) UnreadCount(ctx context.Context) (int, swr.Result, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return 0, swr.Result{}, err
	}
	return s.loadCount(ctx, unreadResource(sess.UserID), "/messages/unread-count")
}

// loadCount serves a cached count resource.
func (s *Storefront) loadCount(ctx context.Context, res swr.Resource, path string) (int, swr.Result, error) {
	result, err := s.load(ctx, res, func(ctx context.Context) (any, error) {
		return s.fetchCount(ctx, path)
	})
	if err != nil {
		return 0, swr.Result{}, err
	}

	var n int
	if err := result.Decode(&n); err != nil {
		return 0, result, err
	}
	return n, result, nil
}

// pollCount fetches a count. A changed count is written through the
// revalidator, which publishes the resource's event; an unchanged one is
// only re-stamped.
func (s *Storefront) pollCount(ctx context.Context, res swr.Resource, path string) (bool, error) {
	n, err := s.fetchCount(ctx, path)
	if err != nil {
		s.checkAuth(ctx, err)
		return false, err
	}

	if rec, ok := s.cache.ReadCached(ctx, res.Key); ok {
		var prev int
		if rec.Decode(&prev) == nil && prev == n {
			_, err := s.cache.WriteCached(ctx, res.Key, n)
			return false, err
		}
	}

	if _, err := s.swr.Refresh(ctx, res, func(context.Context) (any, error) { return n, nil }); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Storefront) pollUnread(ctx context.Context) (bool, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return false, err
	}
	return s.pollCount(ctx, unreadResource(sess.UserID), "/messages/unread-count")
}

// UnreadPoller polls the unread count every 30 seconds for the session in
// the context passed to Run.
func (s *Storefront) UnreadPoller() *poller.Poller {
	return &poller.Poller{
		Name:      "unread_count",
		Interval:  poller.UnreadCountInterval,
		Task:      s.pollUnread,
		Immediate: true,
	}
}

// ChatPoller polls a conversation thread every 4 seconds and publishes
// messages-updated when it changes.
func (s *Storefront) ChatPoller(ctx context.Context, conversationID string) (*poller.Poller, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		last json.RawMessage
	)
	task := func(ctx context.Context) (bool, error) {
		thread, err := s.Messages(ctx, conversationID)
		if err != nil {
			return false, err
		}
		mu.Lock()
		defer mu.Unlock()
		changed := last != nil && !bytes.Equal(last, thread)
		last = thread
		return changed, nil
	}

	return &poller.Poller{
		Name:     "chat",
		Interval: poller.ChatInterval,
		Task:     task,
		Event:    events.MessagesUpdated,
		Key:      cache.Key{Resource: "messages", ID: conversationID}.Scoped(sess.UserID),
		Bus:      s.bus,
	}, nil
}
