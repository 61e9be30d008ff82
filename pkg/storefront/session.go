package storefront

import (
	"context"
	"errors"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/client"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
)

// ErrNoSession is returned by user-scoped operations without a session.
var ErrNoSession = errors.New("no user session")

// Session identifies the signed-in user.
type Session struct {
	UserID string
	Token  string
}

type sessionKey struct{}

// WithSession attaches sess to ctx and its token to backend calls.
func WithSession(ctx context.Context, sess Session) context.Context {
	ctx = context.WithValue(ctx, sessionKey{}, sess)
	return client.WithToken(ctx, sess.Token)
}

// SessionFrom returns the session attached to ctx.
func SessionFrom(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(Session)
	if !ok || sess.UserID == "" {
		return Session{}, false
	}
	return sess, true
}

func requireSession(ctx context.Context) (Session, error) {
	sess, ok := SessionFrom(ctx)
	if !ok {
		return Session{}, ErrNoSession
	}
	return sess, nil
}

// Logout ends the session on the backend (best effort) and clears every
// user-scoped record.
func (s *Storefront) Logout(ctx context.Context) error {
	sess, err := requireSession(ctx)
	if err != nil {
		return err
	}

	if _, err := s.api.Post(ctx, "/logout", nil); err != nil && !client.IsUnauthorized(err) {
		s.logger.Warn().Err(err).Str("user", sess.UserID).Msg("Backend logout failed, clearing local session anyway")
	}

	sessionClearsTotal.WithLabelValues("logout").Inc()
	s.clearSession(ctx, sess.UserID)
	return nil
}

// Events a session subscriber should receive.
var sessionEvents = []string{
	events.CartUpdated,
	events.MessagesUpdated,
	events.CacheRefreshed,
	events.SessionCleared,
}

// SessionEvents lists the event names relevant to a signed-in client.
func SessionEvents() []string {
	return append([]string(nil), sessionEvents...)
}
