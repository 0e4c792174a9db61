package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxAge is the default session lifetime, measured from the last commit.
const DefaultMaxAge = 20 * time.Minute

// Cookie seals session ids into client cookies. middleware.SessionCookie is
// the production implementation.
type Cookie interface {
	Name() string
	Encode(id string, maxAge time.Duration) (*http.Cookie, error)
	Decode(value string) (string, error)
	Clear() *http.Cookie
}

// Store loads, commits and destroys sessions. It is the only owner of session
// records; callers hold a *Session only for the duration of a request.
type Store struct {
	backend Backend
	cookie  Cookie
	maxAge  time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAge sets the session lifetime. Every commit extends the session to
// now + maxAge.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		s.maxAge = d
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// NewStore creates a Store.
func NewStore(backend Backend, cookie Cookie, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("session: nil backend")
	}
	if cookie == nil {
		return nil, errors.New("session: nil cookie")
	}
	s := &Store{
		backend: backend,
		cookie:  cookie,
		maxAge:  DefaultMaxAge,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAge < time.Second {
		return nil, fmt.Errorf("session: max age %v is too short", s.maxAge)
	}
	return s, nil
}

// MaxAge returns the configured session lifetime.
func (s *Store) MaxAge() time.Duration {
	return s.maxAge
}

// Get returns the session referenced by the Cookie header value.
//
// A missing, tampered or expired cookie, or a cookie whose record no longer
// exists, yields a fresh empty session. Only backend failures are returned
// as errors.
func (s *Store) Get(ctx context.Context, cookieHeader string) (*Session, error) {
	id := s.idFromHeader(cookieHeader)
	if id == "" {
		return newSession()
	}

	b, err := s.backend.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.log.Debug().Msg("session record not found; starting new session")
		return newSession()
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	rec, err := decodeRecord(b)
	if err != nil {
		s.log.Warn().Err(err).Msg("discarding undecodable session record")
		return newSession()
	}
	if !s.now().Before(rec.ExpiresAt) {
		return newSession()
	}
	return &Session{id: id, data: rec.Data, expiresAt: rec.ExpiresAt}, nil
}

// idFromHeader returns the first session id that opens successfully.
func (s *Store) idFromHeader(header string) string {
	if header == "" {
		return ""
	}
	r := http.Request{Header: http.Header{"Cookie": {header}}}
	for _, c := range r.Cookies() {
		if c.Name != s.cookie.Name() {
			continue
		}
		id, err := s.cookie.Decode(c.Value)
		if err == nil {
			return id
		}
		s.log.Debug().Err(err).Msg("ignoring invalid session cookie")
	}
	return ""
}

// Commit persists the session and returns the cookie to send to the client.
// Every commit refreshes the record ttl. A destroyed session is deleted
// instead.
func (s *Store) Commit(ctx context.Context, sess *Session) (*http.Cookie, error) {
	if sess == nil {
		return nil, ErrNilSession
	}
	if sess.destroyed {
		return s.Destroy(ctx, sess)
	}

	expiresAt := s.now().Add(s.maxAge).Truncate(time.Second)
	b, err := encodeRecord(record{Data: sess.data, ExpiresAt: expiresAt})
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := s.backend.Save(ctx, sess.id, b, s.maxAge); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if sess.staleID != "" {
		if err := s.backend.Delete(ctx, sess.staleID); err != nil {
			return nil, fmt.Errorf("delete rotated session: %w", err)
		}
		sess.staleID = ""
	}

	c, err := s.cookie.Encode(sess.id, s.maxAge)
	if err != nil {
		return nil, fmt.Errorf("encode session cookie: %w", err)
	}
	sess.expiresAt = expiresAt
	sess.isNew = false
	sess.dirty = false
	return c, nil
}

// Destroy deletes the session record and returns a cookie that clears the
// client cookie.
func (s *Store) Destroy(ctx context.Context, sess *Session) (*http.Cookie, error) {
	if sess == nil {
		return nil, ErrNilSession
	}
	if !sess.isNew {
		if err := s.backend.Delete(ctx, sess.id); err != nil {
			return nil, fmt.Errorf("delete session: %w", err)
		}
	}
	if sess.staleID != "" {
		if err := s.backend.Delete(ctx, sess.staleID); err != nil {
			return nil, fmt.Errorf("delete rotated session: %w", err)
		}
		sess.staleID = ""
	}
	sess.destroyed = true
	sess.dirty = false
	return s.cookie.Clear(), nil
}
