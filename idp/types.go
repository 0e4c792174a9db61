// Package idp talks to the identity provider. Route handlers never build
// provider requests themselves; they go through a Client.
//
// RAOIDCClient is the real provider client. StubClient synthesizes
// identities for non-production deployments. Both implement Client and are
// selected at startup from configuration.
package idp

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Client is the capability set shared by the real and the stub provider.
type Client interface {
	// BuildAuthorizationRequest returns the provider redirect URL and the
	// LoginState that must be stored in the session before redirecting.
	BuildAuthorizationRequest(redirectURI *url.URL, returnURL string, locale string) (*AuthorizationRequest, error)

	// HandleCallbackRequest validates the callback r against the stored
	// login state, exchanges the authorization code and validates the
	// resulting tokens.
	HandleCallbackRequest(ctx context.Context, r *http.Request, login LoginState, redirectURI *url.URL, overrides *StubLoginState) (*TokenSet, error)

	// HandleValidationRequest reports whether the provider still considers
	// the session sid valid.
	HandleValidationRequest(ctx context.Context, sid string) (bool, error)

	// GenerateSignoutRequest builds the provider end-session URL.
	GenerateSignoutRequest(subject, locale string) (*url.URL, error)
}

// LoginState is the single-use correlation data of an in-flight login.
type LoginState struct {
	CodeVerifier string `cbor:"1,keyasint"`
	Nonce        string `cbor:"2,keyasint"`
	State        string `cbor:"3,keyasint"`
	ReturnURL    string `cbor:"4,keyasint,omitempty"`
}

// StubLoginState carries the identity chosen on the stub login page. It also
// serves as the claim overrides passed to HandleCallbackRequest.
type StubLoginState struct {
	Birthdate string `cbor:"1,keyasint,omitempty"`
	Locale    string `cbor:"2,keyasint,omitempty"`
	SIN       string `cbor:"3,keyasint,omitempty"`
}

// AuthorizationRequest is the result of BuildAuthorizationRequest.
type AuthorizationRequest struct {
	URL        *url.URL
	LoginState LoginState
}

// IDTokenClaims are the validated claims of the provider ID token.
type IDTokenClaims struct {
	Sub       string    `cbor:"1,keyasint" json:"sub"`
	Sid       string    `cbor:"2,keyasint" json:"sid"`
	Issuer    string    `cbor:"3,keyasint" json:"iss"`
	Audience  []string  `cbor:"4,keyasint" json:"aud"`
	Nonce     string    `cbor:"5,keyasint,omitempty" json:"-"`
	IssuedAt  time.Time `cbor:"6,keyasint" json:"iat"`
	ExpiresAt time.Time `cbor:"7,keyasint" json:"exp"`
	Locale    string    `cbor:"8,keyasint,omitempty" json:"locale,omitempty"`
}

// UserinfoClaims are the claims returned by the userinfo endpoint.
type UserinfoClaims struct {
	Sub       string `cbor:"1,keyasint" json:"sub"`
	SIN       string `cbor:"2,keyasint,omitempty" json:"sin,omitempty"`
	Birthdate string `cbor:"3,keyasint,omitempty" json:"birthdate,omitempty"`
	Locale    string `cbor:"4,keyasint,omitempty" json:"locale,omitempty"`
	// Extra holds claims without a dedicated field.
	Extra map[string]string `cbor:"5,keyasint,omitempty" json:"-"`
}

// TokenSet is the normalized result of a successful callback.
type TokenSet struct {
	AccessToken string
	IDToken     IDTokenClaims
	Userinfo    UserinfoClaims
}

// Metadata is the subset of provider metadata the client needs.
type Metadata struct {
	Issuer                  string   `json:"issuer"`
	AuthorizationEndpoint   string   `json:"authorization_endpoint"`
	TokenEndpoint           string   `json:"token_endpoint"`
	UserinfoEndpoint        string   `json:"userinfo_endpoint"`
	JWKSURI                 string   `json:"jwks_uri"`
	EndSessionEndpoint      string   `json:"end_session_endpoint"`
	ValidateSessionEndpoint string   `json:"validate_session_endpoint"`
	SigningAlgs             []string `json:"id_token_signing_alg_values_supported"`
}
