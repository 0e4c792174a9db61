// Command portal serves the portal authentication routes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnehpets/portalauth/auth"
	"github.com/mnehpets/portalauth/config"
	"github.com/mnehpets/portalauth/endpoint"
	"github.com/mnehpets/portalauth/idp"
	"github.com/mnehpets/portalauth/logging"
	"github.com/mnehpets/portalauth/metrics"
	"github.com/mnehpets/portalauth/middleware"
	"github.com/mnehpets/portalauth/server"
	"github.com/mnehpets/portalauth/session"
	"github.com/mnehpets/portalauth/userrecord"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional .env file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		config.Usage(flag.CommandLine.Output())
	}
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("portal stopped")
	}
}

// closers run in reverse order on shutdown.
type closers []func(ctx context.Context) error

func (c *closers) add(fn func(ctx context.Context) error) {
	*c = append(*c, fn)
}

func (c closers) close(ctx context.Context, log zerolog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown step failed")
		}
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	var cleanup closers
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		cleanup.close(sctx, log)
	}()

	var m *metrics.Metrics
	if cfg.Server.MetricsEnabled {
		m = metrics.New()
	}

	backend, ready, err := newBackend(ctx, cfg, log, &cleanup)
	if err != nil {
		return err
	}
	codec, err := middleware.CodecFromSecrets(cfg.Session.Secrets)
	if err != nil {
		return err
	}
	cookie, err := middleware.NewSessionCookie(middleware.CookieAttrs{
		Name:     cfg.Session.CookieName,
		Domain:   cfg.Session.CookieDomain,
		Path:     cfg.Session.CookiePath,
		Secure:   cfg.Session.CookieSecure,
		SameSite: cfg.Session.SameSite(),
	}, codec)
	if err != nil {
		return err
	}
	store, err := session.NewStore(backend, cookie,
		session.WithMaxAge(cfg.Session.MaxAge()),
		session.WithLogger(log.With().Str("component", "session").Logger()))
	if err != nil {
		return err
	}
	sp, err := middleware.NewSessionProcessor(store)
	if err != nil {
		return err
	}
	headers := middleware.NewSecurityHeadersProcessor()
	if !cfg.Session.CookieSecure {
		headers = middleware.NewSecurityHeadersProcessor(middleware.WithoutHSTS())
	}
	procs := []endpoint.Processor{headers, sp}

	client, err := newIdPClient(ctx, cfg, log, m, &cleanup)
	if err != nil {
		return err
	}
	guard, err := auth.NewGuard(client,
		auth.WithLoginPath(path.Join("/", cfg.Auth.BasePath, "login")),
		auth.WithClearStale(cfg.Auth.ClearStaleSession),
		auth.WithGuardLogger(log.With().Str("component", "guard").Logger()),
		auth.WithGuardMetrics(m))
	if err != nil {
		return err
	}

	opts := []auth.Option{
		auth.WithProcessors(procs...),
		auth.WithDefaultReturnURL(cfg.Auth.DefaultReturnURL),
		auth.WithLogoutURL(cfg.Auth.LogoutURL),
		auth.WithStubLogin(cfg.Auth.EnableStubLogin),
		auth.WithLogger(log.With().Str("component", "auth").Logger()),
		auth.WithMetrics(m),
	}
	queue, err := newUserRecordQueue(cfg, log, m, &cleanup)
	if err != nil {
		return err
	}
	if queue != nil {
		opts = append(opts, auth.WithTaskQueue(queue))
	}
	ah, err := auth.NewHandler(client, guard, cfg.Server.PublicURL, cfg.Auth.BasePath, opts...)
	if err != nil {
		return err
	}

	h, err := server.New(server.Options{
		Logger:       log,
		Auth:         ah,
		AuthBasePath: cfg.Auth.BasePath,
		Guard:        guard,
		Processors:   procs,
		Metrics:      m,
		Ready:        ready,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("callback", ah.CallbackURL().String()).Bool("stub", cfg.Auth.EnableStubLogin).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func newBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger, cleanup *closers) (session.Backend, func(context.Context) error, error) {
	if cfg.Session.Type == config.SessionRedis {
		rb, err := session.NewRedisBackend(ctx, session.RedisConfig{
			Addrs:      cfg.Redis.Addrs,
			MasterName: cfg.Redis.MasterName,
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Session.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func(context.Context) error { return rb.Close() })
		log.Info().Strs("addrs", cfg.Redis.Addrs).Msg("using redis session backend")
		return rb, rb.Ping, nil
	}

	mb := session.NewMemoryBackend()
	jctx, cancel := context.WithCancel(ctx)
	mb.StartJanitor(jctx, cfg.Session.JanitorInterval)
	cleanup.add(func(context.Context) error {
		cancel()
		return nil
	})
	if cfg.IsProduction() {
		log.Warn().Msg("memory session backend in production; sessions are not shared between instances")
	}
	return mb, nil, nil
}

func newIdPClient(ctx context.Context, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics, cleanup *closers) (idp.Client, error) {
	l := log.With().Str("component", "idp").Logger()
	if cfg.Auth.EnableStubLogin {
		l.Warn().Msg("stub identity provider enabled")
		return idp.NewStubClient(idp.StubConfig{
			ClientID:   cfg.Auth.ClientID,
			SignoutURL: cfg.Auth.StubSignoutURL,
			Logger:     l,
		})
	}

	rc := idp.RAOIDCConfig{
		Issuer:              cfg.Auth.RAOIDCBaseURL,
		ClientID:            cfg.Auth.ClientID,
		PrivateKeyID:        cfg.Auth.PrivateKeyID,
		ClientSecret:        cfg.Auth.ClientSecret,
		Scopes:              cfg.Auth.Scopes,
		ValidateSessionURL:  cfg.Auth.ValidateSessionURL,
		HTTPTimeout:         cfg.Auth.HTTPTimeout,
		JWKSRefreshInterval: cfg.Auth.JWKSRefresh,
		ClockSkew:           cfg.Auth.ClockSkew,
		Logger:              l,
		Metrics:             m,
	}
	if cfg.Auth.PrivateKeyFile != "" {
		key, err := idp.LoadPrivateKeyFile(cfg.Auth.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		rc.PrivateKey = key
	}
	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	client, err := idp.NewRAOIDCClient(dctx, rc)
	if err != nil {
		return nil, err
	}
	cleanup.add(func(context.Context) error {
		client.Close()
		return nil
	})
	return client, nil
}

func newUserRecordQueue(cfg *config.Config, log zerolog.Logger, m *metrics.Metrics, cleanup *closers) (*userrecord.Queue, error) {
	if cfg.UserRecord.Endpoint == "" {
		log.Info().Msg("user record endpoint not configured; skipping registration")
		return nil, nil
	}
	l := log.With().Str("component", "userrecord").Logger()
	reg, err := userrecord.NewHTTPRegistrar(userrecord.HTTPConfig{
		Endpoint:    cfg.UserRecord.Endpoint,
		Credentials: cfg.UserRecord.Credentials,
		MaxTries:    cfg.UserRecord.MaxTries,
		Logger:      l,
	})
	if err != nil {
		return nil, err
	}
	q, err := userrecord.NewQueue(reg,
		userrecord.WithWorkers(cfg.UserRecord.Workers),
		userrecord.WithCapacity(cfg.UserRecord.QueueSize),
		userrecord.WithLogger(l),
		userrecord.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	cleanup.add(q.Shutdown)
	return q, nil
}
