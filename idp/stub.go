package idp

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stub identity defaults, used when the stub login form leaves a field empty.
const (
	StubDefaultSIN       = "800000002"
	StubDefaultBirthdate = "1970-01-01"
	StubDefaultLocale    = "en"
	stubIssuer           = "urn:portal:stub-idp"
	stubTokenLifetime    = time.Hour
)

// stubNamespace derives stable stub subjects from the SIN.
var stubNamespace = uuid.MustParse("6f0f9a7e-3a52-4b8f-9d53-0d4c2b2d7a10")

// StubConfig configures StubClient.
type StubConfig struct {
	ClientID string
	// SignoutURL is where GenerateSignoutRequest sends the browser.
	SignoutURL string
	Logger     zerolog.Logger
}

// StubClient is a Client that never contacts a provider. The authorization
// URL points straight back to the callback and claims are synthesized from
// the stub login overrides. It must only be wired in non-production
// deployments.
type StubClient struct {
	cfg StubConfig
	log zerolog.Logger
	now func() time.Time
	mu  sync.Mutex
	// sids holds the live stub sessions. An entry leaves on sign-out or
	// once stubTokenLifetime has passed.
	sids map[string]stubSession
}

type stubSession struct {
	sub     string
	expires time.Time
}

var _ Client = (*StubClient)(nil)

// NewStubClient creates a StubClient.
func NewStubClient(cfg StubConfig) (*StubClient, error) {
	if cfg.SignoutURL == "" {
		return nil, newError(KindConfiguration, "new stub client", errors.New("signout url is required"))
	}
	if _, err := url.Parse(cfg.SignoutURL); err != nil {
		return nil, newError(KindConfiguration, "new stub client", err)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "portal-stub"
	}
	return &StubClient{
		cfg:  cfg,
		log:  cfg.Logger,
		now:  time.Now,
		sids: map[string]stubSession{},
	}, nil
}

// BuildAuthorizationRequest implements Client. The returned URL is the
// callback itself, carrying a synthetic code and the state.
func (s *StubClient) BuildAuthorizationRequest(redirectURI *url.URL, returnURL, locale string) (*AuthorizationRequest, error) {
	if redirectURI == nil {
		return nil, newError(KindConfiguration, "build authorization request", errors.New("nil redirect uri"))
	}
	login, _, err := newLoginState(returnURL)
	if err != nil {
		return nil, newError(KindConfiguration, "build authorization request", err)
	}
	u := *redirectURI
	q := u.Query()
	q.Set("code", "stub-"+uuid.NewString())
	q.Set("state", login.State)
	if locale != "" {
		q.Set("ui_locales", locale)
	}
	u.RawQuery = q.Encode()
	return &AuthorizationRequest{URL: &u, LoginState: login}, nil
}

// HandleCallbackRequest implements Client.
func (s *StubClient) HandleCallbackRequest(_ context.Context, r *http.Request, login LoginState, _ *url.URL, overrides *StubLoginState) (*TokenSet, error) {
	if _, err := checkCallback(r, login); err != nil {
		return nil, err
	}
	o := StubLoginState{}
	if overrides != nil {
		o = *overrides
	}
	if o.SIN == "" {
		o.SIN = StubDefaultSIN
	}
	if o.Birthdate == "" {
		o.Birthdate = StubDefaultBirthdate
	}
	if o.Locale == "" {
		o.Locale = StubDefaultLocale
	}

	sub := uuid.NewSHA1(stubNamespace, []byte(o.SIN)).String()
	sid := uuid.NewString()
	now := s.now().Truncate(time.Second)

	s.mu.Lock()
	s.sweep(now)
	s.sids[sid] = stubSession{sub: sub, expires: now.Add(stubTokenLifetime)}
	s.mu.Unlock()

	s.log.Debug().Str("sub", sub).Msg("stub identity issued")
	return &TokenSet{
		AccessToken: "stub-" + uuid.NewString(),
		IDToken: IDTokenClaims{
			Sub:       sub,
			Sid:       sid,
			Issuer:    stubIssuer,
			Audience:  []string{s.cfg.ClientID},
			Nonce:     login.Nonce,
			IssuedAt:  now,
			ExpiresAt: now.Add(stubTokenLifetime),
			Locale:    o.Locale,
		},
		Userinfo: UserinfoClaims{
			Sub:       sub,
			SIN:       o.SIN,
			Birthdate: o.Birthdate,
			Locale:    o.Locale,
		},
	}, nil
}

// sweep drops expired sessions. s.mu must be held.
func (s *StubClient) sweep(now time.Time) {
	for sid, ss := range s.sids {
		if !now.Before(ss.expires) {
			delete(s.sids, sid)
		}
	}
}

// HandleValidationRequest implements Client. A session is valid until it is
// signed out or stubTokenLifetime passes. Sessions the stub does not know,
// including those issued before a restart, are invalid.
func (s *StubClient) HandleValidationRequest(_ context.Context, sid string) (bool, error) {
	if sid == "" {
		return false, newError(KindSessionValidation, "validate session", errors.New("empty session id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sids[sid]
	return ok && s.now().Before(ss.expires), nil
}

// GenerateSignoutRequest implements Client. Every session of subject is
// ended.
func (s *StubClient) GenerateSignoutRequest(subject, locale string) (*url.URL, error) {
	u, err := url.Parse(s.cfg.SignoutURL)
	if err != nil {
		return nil, newError(KindConfiguration, "generate signout request", err)
	}
	s.mu.Lock()
	for sid, ss := range s.sids {
		if ss.sub == subject {
			delete(s.sids, sid)
		}
	}
	s.mu.Unlock()

	if locale != "" {
		q := u.Query()
		q.Set("lang", locale)
		u.RawQuery = q.Encode()
	}
	return u, nil
}
