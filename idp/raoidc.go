package idp

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mnehpets/portalauth/metrics"
)

// Defaults for RAOIDCConfig.
const (
	DefaultHTTPTimeout         = 10 * time.Second
	DefaultJWKSRefreshInterval = 15 * time.Minute
	DefaultClockSkew           = 30 * time.Second
)

// DefaultScopes are requested when RAOIDCConfig.Scopes is empty.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile"}

// DefaultSigningAlgs is the ID token signature allow-list.
var DefaultSigningAlgs = []string{"RS256", "RS384", "RS512", "PS256", "ES256"}

// maxResponseBytes bounds provider response bodies.
const maxResponseBytes = 1 << 20

// RAOIDCConfig configures RAOIDCClient.
type RAOIDCConfig struct {
	// Issuer is the provider base URL. Discovery is performed against
	// Issuer + "/.well-known/openid-configuration".
	Issuer   string
	ClientID string

	// PrivateKey authenticates the client with private_key_jwt and
	// decrypts encrypted userinfo responses. When nil, ClientSecret is
	// used for client_secret_post.
	PrivateKey   crypto.Signer
	PrivateKeyID string
	ClientSecret string

	Scopes      []string
	SigningAlgs []string

	// ValidateSessionURL overrides the discovered validate_session_endpoint.
	ValidateSessionURL string

	HTTPTimeout         time.Duration
	JWKSRefreshInterval time.Duration
	ClockSkew           time.Duration

	// HTTPClient is used for every provider call. Its Timeout is replaced
	// by HTTPTimeout when zero.
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// RAOIDCClient is the Client for the real identity provider.
//
// Metadata is discovered once at construction and kept for the process
// lifetime. Signing keys are held in a jwk.Cache that refreshes periodically
// and on an unknown key id.
type RAOIDCClient struct {
	cfg        RAOIDCConfig
	md         Metadata
	httpClient *http.Client
	keys       *jwk.Cache
	stopKeys   context.CancelFunc
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	validations singleflight.Group
}

var _ Client = (*RAOIDCClient)(nil)

// NewRAOIDCClient discovers provider metadata and registers the provider key
// set. Any failure is a configuration error and should stop the process.
func NewRAOIDCClient(ctx context.Context, cfg RAOIDCConfig) (*RAOIDCClient, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, newError(KindConfiguration, "new client", errors.New("issuer and client id are required"))
	}
	if cfg.PrivateKey == nil && cfg.ClientSecret == "" {
		return nil, newError(KindConfiguration, "new client", errors.New("a private key or client secret is required"))
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if len(cfg.SigningAlgs) == 0 {
		cfg.SigningAlgs = DefaultSigningAlgs
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.JWKSRefreshInterval <= 0 {
		cfg.JWKSRefreshInterval = DefaultJWKSRefreshInterval
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		if c.Timeout == 0 {
			c.Timeout = cfg.HTTPTimeout
		}
		hc = &c
	}

	c := &RAOIDCClient{
		cfg:        cfg,
		httpClient: hc,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
	if err := c.DiscoverMetadata(ctx); err != nil {
		return nil, err
	}

	// The cache refreshes in the background until Close.
	cacheCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cache, err := jwk.NewCache(cacheCtx, httprc.NewClient(httprc.WithHTTPClient(hc)))
	if err != nil {
		cancel()
		return nil, newError(KindConfiguration, "new client", fmt.Errorf("failed to create JWKS cache: %w", err))
	}
	start := time.Now()
	err = cache.Register(ctx, c.md.JWKSURI, jwk.WithMaxInterval(cfg.JWKSRefreshInterval))
	c.metrics.ObserveIdP("jwks", start, err)
	if err != nil {
		cancel()
		return nil, newError(KindKeyFetch, "register jwks", err)
	}
	c.keys = cache
	c.stopKeys = cancel
	if _, err := c.FetchSigningKeys(ctx); err != nil {
		cancel()
		return nil, err
	}

	c.log.Info().
		Str("issuer", c.md.Issuer).
		Str("jwks_uri", c.md.JWKSURI).
		Msg("identity provider ready")
	return c, nil
}

// Close stops the background key refresh.
func (c *RAOIDCClient) Close() {
	if c.stopKeys != nil {
		c.stopKeys()
	}
}

// Metadata returns the discovered provider metadata.
func (c *RAOIDCClient) Metadata() Metadata {
	return c.md
}

// DiscoverMetadata fetches the provider metadata and checks that every
// endpoint the client depends on is present.
func (c *RAOIDCClient) DiscoverMetadata(ctx context.Context) error {
	const op = "discover metadata"
	start := time.Now()
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), c.cfg.Issuer)
	c.metrics.ObserveIdP("discovery", start, err)
	if err != nil {
		return newError(KindMetadataFetch, op, err)
	}

	var md Metadata
	if err := provider.Claims(&md); err != nil {
		return newError(KindMetadataFetch, op, err)
	}
	if c.cfg.ValidateSessionURL != "" {
		md.ValidateSessionEndpoint = c.cfg.ValidateSessionURL
	}

	switch {
	case md.TokenEndpoint == "":
		return &Error{Kind: KindConfiguration, Code: CodeTokenEndpointMissing, Op: op, Err: errors.New("token_endpoint missing from provider metadata")}
	case md.UserinfoEndpoint == "":
		return &Error{Kind: KindConfiguration, Code: CodeUserinfoEndpointMissing, Op: op, Err: errors.New("userinfo_endpoint missing from provider metadata")}
	case md.JWKSURI == "":
		return &Error{Kind: KindConfiguration, Code: CodeJWKSFetch, Op: op, Err: errors.New("jwks_uri missing from provider metadata")}
	case md.AuthorizationEndpoint == "":
		return newError(KindConfiguration, op, errors.New("authorization_endpoint missing from provider metadata"))
	case md.EndSessionEndpoint == "":
		return newError(KindConfiguration, op, errors.New("end_session_endpoint missing from provider metadata"))
	case md.ValidateSessionEndpoint == "":
		return newError(KindConfiguration, op, errors.New("validate_session_endpoint missing from provider metadata"))
	}
	c.md = md
	return nil
}

// FetchSigningKeys returns the cached provider key set.
func (c *RAOIDCClient) FetchSigningKeys(ctx context.Context) (jwk.Set, error) {
	set, err := c.keys.Lookup(ctx, c.md.JWKSURI)
	if err != nil {
		return nil, newError(KindKeyFetch, "fetch signing keys", err)
	}
	return set, nil
}

// refreshSigningKeys forces a key set refresh, used when an unknown key id
// shows up after a provider key rotation.
func (c *RAOIDCClient) refreshSigningKeys(ctx context.Context) (jwk.Set, error) {
	start := time.Now()
	set, err := c.keys.Refresh(ctx, c.md.JWKSURI)
	c.metrics.ObserveIdP("jwks", start, err)
	if err != nil {
		return nil, newError(KindKeyFetch, "refresh signing keys", err)
	}
	return set, nil
}

func (c *RAOIDCClient) oauth2Config(redirectURI *url.URL) *oauth2.Config {
	conf := &oauth2.Config{
		ClientID: c.cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.md.AuthorizationEndpoint,
			TokenURL:  c.md.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: c.cfg.Scopes,
	}
	if c.cfg.PrivateKey == nil {
		conf.ClientSecret = c.cfg.ClientSecret
	}
	if redirectURI != nil {
		conf.RedirectURL = redirectURI.String()
	}
	return conf
}

// BuildAuthorizationRequest implements Client.
func (c *RAOIDCClient) BuildAuthorizationRequest(redirectURI *url.URL, returnURL, locale string) (*AuthorizationRequest, error) {
	login, challenge, err := newLoginState(returnURL)
	if err != nil {
		return nil, newError(KindConfiguration, "build authorization request", err)
	}
	opts := []oauth2.AuthCodeOption{
		oidc.Nonce(login.Nonce),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if locale != "" {
		opts = append(opts, oauth2.SetAuthURLParam("ui_locales", locale))
	}
	raw := c.oauth2Config(redirectURI).AuthCodeURL(login.State, opts...)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, newError(KindConfiguration, "build authorization request", err)
	}
	return &AuthorizationRequest{URL: u, LoginState: login}, nil
}

// HandleValidationRequest implements Client. Concurrent checks of the same
// sid share one provider call. A caller whose ctx ends stops waiting; the
// shared call carries on for the others.
func (c *RAOIDCClient) HandleValidationRequest(ctx context.Context, sid string) (bool, error) {
	if sid == "" {
		return false, newError(KindSessionValidation, "validate session", errors.New("empty session id"))
	}
	ch := c.validations.DoChan(sid, func() (any, error) {
		// Shared by every waiter; bounded by the client timeout.
		return c.validateSession(context.WithoutCancel(ctx), sid)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, newError(KindSessionValidation, "validate session", ctx.Err())
	}
}

func (c *RAOIDCClient) validateSession(ctx context.Context, sid string) (valid bool, err error) {
	const op = "validate session"
	start := time.Now()
	defer func() { c.metrics.ObserveIdP("validate_session", start, err) }()

	u, err := url.Parse(c.md.ValidateSessionEndpoint)
	if err != nil {
		return false, newError(KindSessionValidation, op, err)
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("shared_session_id", sid)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, newError(KindSessionValidation, op, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, newError(KindSessionValidation, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, newError(KindSessionValidation, op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	var ok bool
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&ok); err != nil {
		return false, newError(KindSessionValidation, op, fmt.Errorf("decode response: %w", err))
	}
	return ok, nil
}

// GenerateSignoutRequest implements Client.
func (c *RAOIDCClient) GenerateSignoutRequest(subject, locale string) (*url.URL, error) {
	u, err := url.Parse(c.md.EndSessionEndpoint)
	if err != nil {
		return nil, newError(KindConfiguration, "generate signout request", err)
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("shared_session_id", subject)
	if locale = strings.TrimSpace(locale); locale != "" {
		q.Set("ui_locales", locale)
	}
	u.RawQuery = q.Encode()
	return u, nil
}
