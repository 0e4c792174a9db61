package middleware

// Session middleware for the endpoint processor/renderer pipeline.
//
// This file defines the session processor + context accessors.

import (
	"context"
	"errors"
	"net/http"

	"github.com/mnehpets/portalauth/endpoint"
	"github.com/mnehpets/portalauth/session"
)

// DefaultCookieName is the default name for the session cookie.
const DefaultCookieName = "portal.sid"

// ErrNoSession is returned by SessionFromRequest when no SessionProcessor ran.
var ErrNoSession = errors.New("no session in request context")

// sessionContextKey is an unexported unique key for storing sessions in context.
type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionFromRequest is SessionFromContext returning ErrNoSession.
func SessionFromRequest(r *http.Request) (*session.Session, error) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// SessionProcessor is an endpoint processor that loads the request's session
// from a session.Store and persists it once the endpoint succeeds.
//
// Existing sessions are committed on every successful request, which refreshes
// their lifetime. New sessions are only committed once something was written.
// Destroyed sessions are deleted and the cookie cleared.
type SessionProcessor struct {
	store *session.Store
}

// NewSessionProcessor returns a SessionProcessor backed by store.
func NewSessionProcessor(store *session.Store) (*SessionProcessor, error) {
	if store == nil {
		return nil, errors.New("SessionProcessor requires a session store")
	}
	return &SessionProcessor{store: store}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess, err := p.store.Get(r.Context(), r.Header.Get("Cookie"))
	if err != nil {
		return endpoint.Error(http.StatusServiceUnavailable, "", err)
	}

	// Just before headers are written, persist any changes.
	ctx := r.Context()
	endpoint.Defer(ctx, func(w http.ResponseWriter) error {
		return p.persist(ctx, w, sess)
	})

	*r = *r.WithContext(WithSession(ctx, sess))
	return next(w, r)
}

func (p *SessionProcessor) persist(ctx context.Context, w http.ResponseWriter, sess *session.Session) error {
	if sess.Destroyed() {
		c, err := p.store.Destroy(ctx, sess)
		if err != nil {
			return err
		}
		http.SetCookie(w, c)
		return nil
	}
	if sess.IsNew() && !sess.Dirty() {
		return nil
	}
	c, err := p.store.Commit(ctx, sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
