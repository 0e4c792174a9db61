package auth

import (
	"errors"
	"fmt"

	"github.com/mnehpets/portalauth/idp"
	"github.com/mnehpets/portalauth/session"
)

// AuthState is the authenticated identity stored in the session's authState
// slot after a successful callback.
type AuthState struct {
	AccessToken         string              `cbor:"1,keyasint"`
	IDTokenClaims       *idp.IDTokenClaims  `cbor:"2,keyasint,omitempty"`
	UserinfoTokenClaims *idp.UserinfoClaims `cbor:"3,keyasint,omitempty"`
}

// ErrInvalidAuthState is returned when an AuthState lacks the ID token
// subject or session id.
var ErrInvalidAuthState = errors.New("auth state requires id token sub and sid")

// Validate checks that the state identifies a provider session.
func (s *AuthState) Validate() error {
	if s == nil || s.IDTokenClaims == nil || s.IDTokenClaims.Sub == "" || s.IDTokenClaims.Sid == "" {
		return ErrInvalidAuthState
	}
	return nil
}

// LoadAuthState returns the auth state in sess, or nil when the slot is empty.
func LoadAuthState(sess *session.Session) (*AuthState, error) {
	var st AuthState
	ok, err := sess.Get(session.SlotAuthState, &st)
	if err != nil {
		return nil, fmt.Errorf("decode auth state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// SaveAuthState validates st and writes it to sess.
func SaveAuthState(sess *session.Session, st *AuthState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	return sess.Set(session.SlotAuthState, st)
}
