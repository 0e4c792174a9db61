package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/mnehpets/portalauth/endpoint"
	"github.com/mnehpets/portalauth/idp"
	"github.com/mnehpets/portalauth/metrics"
	"github.com/mnehpets/portalauth/middleware"
	"github.com/mnehpets/portalauth/session"
)

// DefaultLoginPath is where unauthenticated requests are sent.
const DefaultLoginPath = "/auth/login"

// CodeMissingSIN is the error code of ErrMissingSIN.
const CodeMissingSIN = "TOK-0001"

// DomainError is raised when the user is authenticated but a claim the
// application needs is absent.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string { return e.Message }

// ErrorCode implements endpoint.Coder.
func (e *DomainError) ErrorCode() string { return e.Code }

// ErrMissingSIN is returned by RequireSIN.
var ErrMissingSIN = &DomainError{Code: CodeMissingSIN, Message: "userinfo has no SIN claim"}

// RequireSIN returns the SIN of an authenticated user.
func RequireSIN(st *AuthState) (string, error) {
	if st == nil || st.UserinfoTokenClaims == nil || st.UserinfoTokenClaims.SIN == "" {
		return "", ErrMissingSIN
	}
	return st.UserinfoTokenClaims.SIN, nil
}

// Result is the outcome of RequireAuth. Exactly one of State and Location is
// set.
type Result struct {
	// State is set when the request is authenticated.
	State *AuthState
	// Location is the login URL when authentication is required.
	Location string
}

// Authenticated reports whether the result carries an auth state.
func (r Result) Authenticated() bool {
	return r.State != nil
}

// Guard enforces an authenticated, provider-valid session.
type Guard struct {
	client     idp.Client
	loginPath  string
	clearStale bool
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLoginPath sets the login-initiation path.
func WithLoginPath(p string) GuardOption {
	return func(g *Guard) {
		g.loginPath = p
	}
}

// WithClearStale controls whether an auth state rejected by the provider is
// removed from the session. It is on by default.
func WithClearStale(on bool) GuardOption {
	return func(g *Guard) {
		g.clearStale = on
	}
}

// WithGuardLogger sets the logger.
func WithGuardLogger(l zerolog.Logger) GuardOption {
	return func(g *Guard) {
		g.log = l
	}
}

// WithGuardMetrics records session validation results.
func WithGuardMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// NewGuard creates a Guard.
func NewGuard(client idp.Client, opts ...GuardOption) (*Guard, error) {
	if client == nil {
		return nil, errors.New("auth: nil identity provider client")
	}
	g := &Guard{
		client:     client,
		loginPath:  DefaultLoginPath,
		clearStale: true,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// RequireAuth checks the session for an auth state and asks the provider
// whether its session is still alive. A missing or rejected state yields a
// redirect result. Provider failures are returned as errors.
func (g *Guard) RequireAuth(ctx context.Context, r *http.Request, sess *session.Session) (Result, error) {
	st, err := LoadAuthState(sess)
	if err != nil {
		g.log.Warn().Err(err).Msg("discarding undecodable auth state")
		sess.Unset(session.SlotAuthState)
		st = nil
	}
	if st == nil {
		g.metrics.SessionValidation("missing")
		return Result{Location: g.LoginURL(r)}, nil
	}
	if err := st.Validate(); err != nil {
		g.log.Warn().Err(err).Msg("discarding incomplete auth state")
		sess.Unset(session.SlotAuthState)
		g.metrics.SessionValidation("missing")
		return Result{Location: g.LoginURL(r)}, nil
	}

	valid, err := g.client.HandleValidationRequest(ctx, st.IDTokenClaims.Sid)
	if err != nil {
		g.metrics.SessionValidation("error")
		return Result{}, err
	}
	if !valid {
		g.log.Debug().Msg("provider session has expired; redirecting to login")
		g.metrics.SessionValidation("invalid")
		if g.clearStale {
			sess.Unset(session.SlotAuthState)
		}
		return Result{Location: g.LoginURL(r)}, nil
	}
	g.metrics.SessionValidation("valid")
	return Result{State: st}, nil
}

// MaxReturnToLength is the longest returnto the login routes accept.
const MaxReturnToLength = 2048

// LoginURL returns the login-initiation URL that returns to r's path and
// query after login. A target longer than MaxReturnToLength drops its query,
// then its path, so the login route never rejects it.
func (g *Guard) LoginURL(r *http.Request) string {
	target := r.URL.EscapedPath()
	if r.URL.RawQuery != "" && len(target)+1+len(r.URL.RawQuery) <= MaxReturnToLength {
		target += "?" + r.URL.RawQuery
	}
	if len(target) > MaxReturnToLength {
		return g.loginPath
	}
	return g.loginPath + "?returnto=" + url.QueryEscape(target)
}

// AuthenticatedFunc is an endpoint that runs only for authenticated requests.
type AuthenticatedFunc[P any] func(w http.ResponseWriter, r *http.Request, st *AuthState, params P) (endpoint.Renderer, error)

// Protected wraps fn with the guard. A redirect result becomes a 302 to the
// login URL. It needs a SessionProcessor ahead of it.
func Protected[P any](g *Guard, fn AuthenticatedFunc[P]) endpoint.EndpointFunc[P] {
	return func(w http.ResponseWriter, r *http.Request, params P) (endpoint.Renderer, error) {
		sess, err := middleware.SessionFromRequest(r)
		if err != nil {
			return nil, err
		}
		res, err := g.RequireAuth(r.Context(), r, sess)
		if err != nil {
			return nil, err
		}
		if !res.Authenticated() {
			return &endpoint.RedirectRenderer{URL: res.Location, Status: http.StatusFound}, nil
		}
		return fn(w, r, res.State, params)
	}
}
