// Package server assembles the portal HTTP router.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mnehpets/portalauth/auth"
	"github.com/mnehpets/portalauth/endpoint"
	"github.com/mnehpets/portalauth/logging"
	"github.com/mnehpets/portalauth/metrics"
)

// readyTimeout bounds a readiness probe.
const readyTimeout = 2 * time.Second

// Options configures New.
type Options struct {
	Logger zerolog.Logger

	// Auth serves everything under AuthBasePath.
	Auth         *auth.Handler
	AuthBasePath string
	Guard        *auth.Guard

	// Processors run for the application routes. They must include a
	// middleware.SessionProcessor.
	Processors []endpoint.Processor

	// Metrics, when set, is served on /metrics.
	Metrics *metrics.Metrics

	// Ready reports whether dependencies such as the session backend are
	// reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// New returns the portal router.
func New(o Options) (http.Handler, error) {
	if o.Auth == nil || o.Guard == nil {
		return nil, errors.New("server: auth handler and guard are required")
	}
	base := "/" + strings.Trim(o.AuthBasePath, "/")
	if base == "/" {
		base = "/auth"
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logging.Middleware(o.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", endpoint.HandleFunc(health(o.Ready)))
	if o.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Metrics.Handler())
	}
	r.Handle(base+"/*", o.Auth)
	r.Get("/api/me", endpoint.HandleFunc(auth.Protected(o.Guard, me), o.Processors...))
	return r, nil
}

func health(ready func(context.Context) error) endpoint.EndpointFunc[struct{}] {
	return func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := ready(ctx); err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
				return &endpoint.StringRenderer{Status: http.StatusServiceUnavailable, Body: "unavailable\n"}, nil
			}
		}
		return &endpoint.StringRenderer{Status: http.StatusOK, Body: "ok\n"}, nil
	}
}

type profile struct {
	Sub       string `json:"sub"`
	SIN       string `json:"sin"`
	Birthdate string `json:"birthdate,omitempty"`
	Locale    string `json:"locale,omitempty"`
}

// me returns the signed-in profile. The SIN is masked to its last three
// digits.
func me(w http.ResponseWriter, r *http.Request, st *auth.AuthState, _ struct{}) (endpoint.Renderer, error) {
	sin, err := auth.RequireSIN(st)
	if err != nil {
		return nil, endpoint.Error(http.StatusForbidden, "Profile is incomplete", err)
	}
	return &endpoint.JSONRenderer{Value: profile{
		Sub:       st.IDTokenClaims.Sub,
		SIN:       maskSIN(sin),
		Birthdate: st.UserinfoTokenClaims.Birthdate,
		Locale:    st.UserinfoTokenClaims.Locale,
	}}, nil
}

func maskSIN(sin string) string {
	if len(sin) <= 3 {
		return strings.Repeat("*", len(sin))
	}
	return strings.Repeat("*", len(sin)-3) + sin[len(sin)-3:]
}
