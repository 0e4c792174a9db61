package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnehpets/portalauth/endpoint"
	"github.com/mnehpets/portalauth/idp"
	"github.com/mnehpets/portalauth/metrics"
	"github.com/mnehpets/portalauth/middleware"
	"github.com/mnehpets/portalauth/session"
	"github.com/mnehpets/portalauth/userrecord"
)

const tracerName = "github.com/mnehpets/portalauth/auth"

// DefaultReturnURL is the landing page after login when no return URL was
// stored.
const DefaultReturnURL = "/en"

// MessageInvalidLoginState is the body message of a callback without a
// stored login state.
const MessageInvalidLoginState = "Invalid login state"

// TaskQueue accepts user record tasks without blocking.
type TaskQueue interface {
	Enqueue(t userrecord.Task) bool
}

// Handler serves the login, callback, logout and session refresh routes.
type Handler struct {
	mux       *http.ServeMux
	client    idp.Client
	guard     *Guard
	publicURL string
	basePath  string

	callbackURL   *url.URL
	defaultReturn string
	logoutURL     string
	stubLogin     bool

	tasks   TaskQueue
	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	// processors are the middleware processors to run for each endpoint
	processors []endpoint.Processor
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds middleware processors to the auth endpoints. A
// middleware.SessionProcessor is required.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithDefaultReturnURL sets the landing page used when no return URL is
// stored.
func WithDefaultReturnURL(u string) Option {
	return func(h *Handler) {
		h.defaultReturn = u
	}
}

// WithLogoutURL sets where a logout without provider session goes.
func WithLogoutURL(u string) Option {
	return func(h *Handler) {
		h.logoutURL = u
	}
}

// WithStubLogin mounts the stub login route. Only enable it together with
// idp.StubClient.
func WithStubLogin(enabled bool) Option {
	return func(h *Handler) {
		h.stubLogin = enabled
	}
}

// WithTaskQueue sets the queue that receives user record tasks after login.
func WithTaskQueue(q TaskQueue) Option {
	return func(h *Handler) {
		h.tasks = q
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// WithMetrics records login and logout outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used by
// default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) {
		h.tracer = tp.Tracer(tracerName)
	}
}

// NewHandler creates a Handler.
// publicURL should be the base public URL of the application (e.g., "https://example.com").
// basePath is the path where this handler is mounted (e.g., "/auth").
func NewHandler(client idp.Client, guard *Guard, publicURL, basePath string, opts ...Option) (*Handler, error) {
	if client == nil || guard == nil {
		return nil, errors.New("auth: client and guard are required")
	}
	h := &Handler{
		mux:           http.NewServeMux(),
		client:        client,
		guard:         guard,
		publicURL:     strings.TrimRight(publicURL, "/"),
		basePath:      basePath,
		defaultReturn: DefaultReturnURL,
		logoutURL:     "/",
		log:           zerolog.Nop(),
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(h)
	}

	// Ensure leading slash for basePath
	if !strings.HasPrefix(h.basePath, "/") {
		h.basePath = "/" + h.basePath
	}
	cb, err := url.Parse(h.publicURL)
	if err != nil || cb.Scheme == "" || cb.Host == "" {
		return nil, fmt.Errorf("auth: invalid public url %q", publicURL)
	}
	cb.Path = path.Join(cb.Path, h.basePath, "callback")
	h.callbackURL = cb

	h.mux.HandleFunc("GET "+path.Join(h.basePath, "login"), endpoint.HandleFunc(h.login, h.processors...))
	if h.stubLogin {
		h.mux.HandleFunc("GET "+path.Join(h.basePath, "stub-login"), endpoint.HandleFunc(h.loginStub, h.processors...))
	}
	h.mux.HandleFunc("GET "+path.Join(h.basePath, "callback"), endpoint.HandleFunc(h.callback, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(h.basePath, "logout"), endpoint.HandleFunc(h.logout, h.processors...))
	h.mux.HandleFunc("POST "+path.Join(h.basePath, "session-refresh"), endpoint.HandleFunc(Protected(h.guard, h.refresh), h.processors...))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CallbackURL returns the redirect URI registered with the provider.
func (h *Handler) CallbackURL() *url.URL {
	u := *h.callbackURL
	return &u
}

// LoginParams are the login-initiation query parameters.
type LoginParams struct {
	// The cap is MaxReturnToLength.
	ReturnTo string `query:"returnto" maxLength:"2048"`
	Lang     string `query:"lang" maxLength:"8"`
}

// StubLoginParams choose the identity the stub provider asserts.
type StubLoginParams struct {
	LoginParams
	SIN       string `query:"sin" maxLength:"9"`
	Birthdate string `query:"birthdate" maxLength:"10"`
	Locale    string `query:"locale" maxLength:"8"`
}

// LogoutParams are the logout query parameters.
type LogoutParams struct {
	Lang string `query:"lang" maxLength:"8"`
}

type messageBody struct {
	Message string `json:"message"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, params LoginParams) (endpoint.Renderer, error) {
	sess, err := middleware.SessionFromRequest(r)
	if err != nil {
		return nil, err
	}
	return h.startLogin(sess, params)
}

func (h *Handler) startLogin(sess *session.Session, params LoginParams) (endpoint.Renderer, error) {
	returnURL := ValidateReturnURLIsLocal(params.ReturnTo, "")
	locale := params.Lang
	if locale == "" {
		locale = localeFromPath(returnURL)
	}
	locale = normalizeLocale(locale)

	ar, err := h.client.BuildAuthorizationRequest(h.callbackURL, returnURL, locale)
	if err != nil {
		return nil, err
	}
	if err := sess.Set(session.SlotLoginState, ar.LoginState); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", fmt.Errorf("store login state: %w", err))
	}
	return &endpoint.RedirectRenderer{URL: ar.URL.String(), Status: http.StatusFound}, nil
}

var (
	sinPattern       = regexp.MustCompile(`^[0-9]{9}$`)
	birthdatePattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}$`)
)

func (h *Handler) loginStub(w http.ResponseWriter, r *http.Request, params StubLoginParams) (endpoint.Renderer, error) {
	if params.SIN != "" && !sinPattern.MatchString(params.SIN) {
		return nil, endpoint.Error(http.StatusBadRequest, "sin must be 9 digits", nil)
	}
	if params.Birthdate != "" && !birthdatePattern.MatchString(params.Birthdate) {
		return nil, endpoint.Error(http.StatusBadRequest, "birthdate must be YYYY-MM-DD", nil)
	}
	sess, err := middleware.SessionFromRequest(r)
	if err != nil {
		return nil, err
	}
	stub := idp.StubLoginState{SIN: params.SIN, Birthdate: params.Birthdate}
	if params.Locale != "" {
		stub.Locale = normalizeLocale(params.Locale)
	}
	if err := sess.Set(session.SlotStubLoginState, stub); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", fmt.Errorf("store stub login state: %w", err))
	}
	return h.startLogin(sess, params.LoginParams)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	ctx, span := h.tracer.Start(r.Context(), "routes.auth.callback.handle_callback")
	defer span.End()

	sess, err := middleware.SessionFromRequest(r)
	if err != nil {
		return nil, err
	}

	var login idp.LoginState
	ok, err := sess.Get(session.SlotLoginState, &login)
	if err != nil || !ok {
		h.log.Warn().Err(err).Msg("callback without login state")
		h.metrics.Login("invalid_state")
		span.SetStatus(codes.Error, MessageInvalidLoginState)
		return &endpoint.JSONRenderer{Status: http.StatusBadRequest, Value: messageBody{Message: MessageInvalidLoginState}}, nil
	}

	var overrides *idp.StubLoginState
	var stub idp.StubLoginState
	if ok, err := sess.Get(session.SlotStubLoginState, &stub); err == nil && ok {
		overrides = &stub
	}

	tokens, err := h.client.HandleCallbackRequest(ctx, r, login, h.callbackURL, overrides)
	if err != nil {
		h.metrics.Login("failure")
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		return nil, callbackError(err)
	}

	st := &AuthState{
		AccessToken:         tokens.AccessToken,
		IDTokenClaims:       &tokens.IDToken,
		UserinfoTokenClaims: &tokens.Userinfo,
	}
	if err := sess.Regenerate(); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", fmt.Errorf("regenerate session: %w", err))
	}
	sess.Unset(session.SlotLoginState)
	sess.Unset(session.SlotStubLoginState)
	if err := SaveAuthState(sess, st); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", fmt.Errorf("store auth state: %w", err))
	}
	span.SetAttributes(attribute.Bool("auth.stub", overrides != nil))

	h.enqueueUserRecord(ctx, tokens.Userinfo)
	h.metrics.Login("success")
	h.log.Info().Str("sub", tokens.IDToken.Sub).Msg("login succeeded")

	return &endpoint.RedirectRenderer{URL: ValidateReturnURLIsLocal(login.ReturnURL, h.defaultReturn), Status: http.StatusFound}, nil
}

// callbackError maps provider failures caused by the browser request to 400;
// everything else stays a server error.
func callbackError(err error) error {
	status := http.StatusInternalServerError
	if idp.IsKind(err, idp.KindCallback) || idp.IsKind(err, idp.KindStateMismatch) {
		status = http.StatusBadRequest
	}
	return &endpoint.EndpointError{Status: status, Message: "Login failed", Cause: err}
}

func (h *Handler) enqueueUserRecord(ctx context.Context, info idp.UserinfoClaims) {
	if h.tasks == nil {
		return
	}
	if info.SIN == "" {
		zerolog.Ctx(ctx).Debug().Msg("userinfo has no SIN; skipping user record task")
		return
	}
	h.tasks.Enqueue(userrecord.Task{SIN: info.SIN, UID: info.Sub})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, params LogoutParams) (endpoint.Renderer, error) {
	_, span := h.tracer.Start(r.Context(), "routes.auth.logout.handle_logout")
	defer span.End()

	sess, err := middleware.SessionFromRequest(r)
	if err != nil {
		return nil, err
	}
	st, err := LoadAuthState(sess)
	if err != nil {
		h.log.Warn().Err(err).Msg("undecodable auth state on logout")
		sess.Unset(session.SlotAuthState)
	}
	if st == nil || st.IDTokenClaims == nil {
		h.log.Debug().Msg("no id token claims; logging out locally")
		h.metrics.Logout("local")
		span.SetAttributes(attribute.String("auth.logout", "local"))
		return &endpoint.RedirectRenderer{URL: h.logoutURL, Status: http.StatusFound}, nil
	}

	signout, err := h.client.GenerateSignoutRequest(st.IDTokenClaims.Sub, normalizeLocale(params.Lang))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "signout request failed")
		return nil, err
	}
	sess.Unset(session.SlotAuthState)
	sess.Unset(session.SlotLoginState)
	sess.Unset(session.SlotStubLoginState)

	h.metrics.Logout("provider")
	span.SetAttributes(attribute.String("auth.logout", "provider"))
	return &endpoint.RedirectRenderer{URL: signout.String(), Status: http.StatusFound}, nil
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, _ *AuthState, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Value: true}, nil
}
