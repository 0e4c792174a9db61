// Package session implements the server-side session store.
//
// A Session is a bag of named slots owned by the Store. The browser only ever
// holds a sealed, opaque session identifier; slot values live in a Backend
// (process memory or Redis) keyed by that identifier.
package session

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Slot names used by the authentication flow.
const (
	SlotAuthState      = "authState"
	SlotLoginState     = "loginState"
	SlotStubLoginState = "stubLoginState"
	SlotCachedMessages = "cachedMessages"
)

var ErrNilSession = errors.New("nil session")

// Session is request-scoped access to one session record.
//
// A Session is not safe for concurrent use; it belongs to the request that
// loaded it. Writes become visible to other requests only after Store.Commit.
type Session struct {
	id        string
	data      map[string]cbor.RawMessage
	expiresAt time.Time

	// staleID is the identifier replaced by Regenerate; its record is deleted
	// on commit.
	staleID   string
	isNew     bool
	dirty     bool
	destroyed bool
}

func newID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// newSession creates an empty session with a fresh identifier.
func newSession() (*Session, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	return &Session{id: id, data: map[string]cbor.RawMessage{}, isNew: true}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// ExpiresAt returns the absolute expiry of the persisted record. It is the
// zero time for a session that has never been committed.
func (s *Session) ExpiresAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.expiresAt
}

// IsNew reports whether the session was created for this request rather than
// loaded from the backend.
func (s *Session) IsNew() bool {
	return s != nil && s.isNew
}

// Dirty reports whether the session has unsaved changes.
func (s *Session) Dirty() bool {
	return s != nil && s.dirty
}

// Destroyed reports whether Destroy has been called.
func (s *Session) Destroyed() bool {
	return s != nil && s.destroyed
}

// Has reports whether slot holds a value.
func (s *Session) Has(slot string) bool {
	if s == nil {
		return false
	}
	_, ok := s.data[slot]
	return ok
}

// Get decodes the value in slot into dest. It returns false when the slot is
// empty.
func (s *Session) Get(slot string, dest any) (bool, error) {
	if s == nil {
		return false, ErrNilSession
	}
	raw, ok := s.data[slot]
	if !ok {
		return false, nil
	}
	if err := cbor.Unmarshal(raw, dest); err != nil {
		return true, err
	}
	return true, nil
}

// Set stores v in slot.
func (s *Session) Set(slot string, v any) error {
	if s == nil {
		return ErrNilSession
	}
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if s.data == nil {
		s.data = map[string]cbor.RawMessage{}
	}
	s.data[slot] = raw
	s.dirty = true
	return nil
}

// Unset removes slot. Removing an empty slot is a no-op.
func (s *Session) Unset(slot string) {
	if s == nil {
		return
	}
	if _, ok := s.data[slot]; !ok {
		return
	}
	delete(s.data, slot)
	s.dirty = true
}

// Regenerate assigns a fresh identifier while keeping the data. The previous
// record is deleted on the next commit. Call this whenever the privilege
// level of the session changes, such as after login.
func (s *Session) Regenerate() error {
	if s == nil {
		return ErrNilSession
	}
	id, err := newID()
	if err != nil {
		return err
	}
	if !s.isNew && s.staleID == "" {
		s.staleID = s.id
	}
	s.id = id
	s.dirty = true
	return nil
}

// Destroy marks the session for deletion. The store removes the record and
// clears the cookie.
func (s *Session) Destroy() {
	if s == nil {
		return
	}
	s.data = map[string]cbor.RawMessage{}
	s.destroyed = true
	s.dirty = true
}

// Data returns a copy of the raw slot values.
func (s *Session) Data() map[string]cbor.RawMessage {
	if s == nil {
		return nil
	}
	out := make(map[string]cbor.RawMessage, len(s.data))
	for k, v := range s.data {
		out[k] = append(cbor.RawMessage(nil), v...)
	}
	return out
}

// record is the persisted form of a session.
type record struct {
	Data      map[string]cbor.RawMessage `cbor:"1,keyasint,omitempty"`
	ExpiresAt time.Time                  `cbor:"2,keyasint"`
}

func encodeRecord(r record) ([]byte, error) {
	return cbor.Marshal(r)
}

func decodeRecord(b []byte) (record, error) {
	var r record
	if err := cbor.Unmarshal(b, &r); err != nil {
		return record{}, err
	}
	if r.Data == nil {
		r.Data = map[string]cbor.RawMessage{}
	}
	return r, nil
}
