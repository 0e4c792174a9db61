// Package config reads the portal configuration from the environment.
//
// Values come from process environment variables, optionally seeded from a
// .env file. Every setting has a documented env var; see Usage.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Session backends.
const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

// EnvProduction is the Environment value of production deployments.
const EnvProduction = "production"

// minSecretLen is the shortest accepted session cookie secret.
const minSecretLen = 32

// Config is the complete portal configuration.
type Config struct {
	Environment string `env:"ENVIRONMENT" env-default:"development" env-description:"deployment environment; production disables the stub login"`

	Server     Server
	Log        Log
	Session    Session
	Redis      Redis
	Auth       Auth
	UserRecord UserRecord
}

type Server struct {
	Addr            string        `env:"LISTEN_ADDR" env-default:":3000" env-description:"listen address"`
	PublicURL       string        `env:"PUBLIC_URL" env-default:"http://localhost:3000" env-description:"externally visible base URL"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"20s"`
	MetricsEnabled  bool          `env:"METRICS_ENABLED" env-default:"true"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" env-default:"info" env-description:"trace, debug, info, warn or error"`
	Format string `env:"LOG_FORMAT" env-default:"json" env-description:"json or console"`
}

type Session struct {
	Type            string        `env:"SESSION_TYPE" env-default:"memory" env-description:"memory or redis"`
	CookieName      string        `env:"SESSION_COOKIE_NAME" env-default:"portal.sid"`
	CookieDomain    string        `env:"SESSION_COOKIE_DOMAIN"`
	CookiePath      string        `env:"SESSION_COOKIE_PATH" env-default:"/"`
	CookieSameSite  string        `env:"SESSION_COOKIE_SAMESITE" env-default:"lax" env-description:"lax, strict or none"`
	CookieSecure    bool          `env:"SESSION_COOKIE_SECURE" env-default:"true"`
	Secrets         []string      `env:"SESSION_COOKIE_SECRET" env-separator:"," env-description:"comma separated; the first seals new cookies"`
	ExpiresSeconds  int           `env:"SESSION_EXPIRES_SECONDS" env-default:"1200"`
	KeyPrefix       string        `env:"SESSION_KEY_PREFIX" env-default:"SESSION:"`
	JanitorInterval time.Duration `env:"SESSION_JANITOR_INTERVAL" env-default:"1m"`
}

type Redis struct {
	Addrs      []string `env:"REDIS_ADDRS" env-separator:"," env-default:"localhost:6379"`
	MasterName string   `env:"REDIS_SENTINEL_MASTER_NAME" env-description:"enables sentinel mode"`
	Username   string   `env:"REDIS_USERNAME"`
	Password   string   `env:"REDIS_PASSWORD"`
	DB         int      `env:"REDIS_DB" env-default:"0"`
}

type Auth struct {
	BasePath           string        `env:"AUTH_BASE_PATH" env-default:"/auth"`
	RAOIDCBaseURL      string        `env:"AUTH_RAOIDC_BASE_URL" env-description:"identity provider issuer"`
	ClientID           string        `env:"AUTH_RAOIDC_CLIENT_ID"`
	PrivateKeyFile     string        `env:"AUTH_RAOIDC_CLIENT_PRIVATE_KEY_FILE" env-description:"PEM key for private_key_jwt"`
	PrivateKeyID       string        `env:"AUTH_RAOIDC_CLIENT_PRIVATE_KEY_ID"`
	ClientSecret       string        `env:"AUTH_RAOIDC_CLIENT_SECRET" env-description:"used when no private key is configured"`
	Scopes             []string      `env:"AUTH_RAOIDC_SCOPES" env-separator:" " env-default:"openid profile"`
	ValidateSessionURL string        `env:"AUTH_RAOIDC_VALIDATE_SESSION_URL"`
	LogoutURL          string        `env:"AUTH_LOGOUT_URL" env-default:"/" env-description:"destination of a logout without provider session"`
	DefaultReturnURL   string        `env:"AUTH_DEFAULT_RETURN_URL" env-default:"/en"`
	EnableStubLogin    bool          `env:"AUTH_ENABLE_STUB_LOGIN" env-default:"false"`
	StubSignoutURL     string        `env:"AUTH_STUB_SIGNOUT_URL" env-default:"/"`
	HTTPTimeout        time.Duration `env:"AUTH_HTTP_TIMEOUT" env-default:"10s"`
	JWKSRefresh        time.Duration `env:"AUTH_JWKS_REFRESH_INTERVAL" env-default:"15m"`
	ClockSkew          time.Duration `env:"AUTH_CLOCK_SKEW" env-default:"30s"`
	ClearStaleSession  bool          `env:"AUTH_CLEAR_STALE_SESSION" env-default:"true"`
}

type UserRecord struct {
	Endpoint    string `env:"MSCA_NG_USER_ENDPOINT" env-description:"user record service; empty disables registration"`
	Credentials string `env:"MSCA_NG_CREDS" env-description:"base64 basic credentials"`
	Workers     int    `env:"USER_RECORD_WORKERS" env-default:"2"`
	QueueSize   int    `env:"USER_RECORD_QUEUE_SIZE" env-default:"256"`
	MaxTries    uint   `env:"USER_RECORD_MAX_TRIES" env-default:"4"`
}

// Load seeds the environment from the given .env files, when they exist,
// then reads and validates the configuration. Variables already set in the
// environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage writes the list of environment variables to w.
func Usage(w io.Writer) {
	cleanenv.FUsage(w, &Config{}, nil)()
}

// IsProduction reports whether this is a production deployment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// Validate checks the configuration for combinations that cannot work or
// must not run.
func (c *Config) Validate() error {
	var errs []error
	if c.IsProduction() && c.Auth.EnableStubLogin {
		errs = append(errs, errors.New("AUTH_ENABLE_STUB_LOGIN must not be set in production"))
	}

	if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_URL %q is not an absolute URL", c.Server.PublicURL))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q: want json or console", c.Log.Format))
	}

	errs = append(errs, c.Session.validate()...)
	if c.Session.Type == SessionRedis && len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("REDIS_ADDRS is required for the redis session backend"))
	}

	if !c.Auth.EnableStubLogin {
		if c.Auth.RAOIDCBaseURL == "" || c.Auth.ClientID == "" {
			errs = append(errs, errors.New("AUTH_RAOIDC_BASE_URL and AUTH_RAOIDC_CLIENT_ID are required"))
		}
		if c.Auth.PrivateKeyFile == "" && c.Auth.ClientSecret == "" {
			errs = append(errs, errors.New("one of AUTH_RAOIDC_CLIENT_PRIVATE_KEY_FILE or AUTH_RAOIDC_CLIENT_SECRET is required"))
		}
	}
	if c.UserRecord.Endpoint != "" && c.UserRecord.Credentials == "" {
		errs = append(errs, errors.New("MSCA_NG_CREDS is required when MSCA_NG_USER_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}

func (s *Session) validate() []error {
	var errs []error
	switch s.Type {
	case SessionMemory, SessionRedis:
	default:
		errs = append(errs, fmt.Errorf("SESSION_TYPE %q: want memory or redis", s.Type))
	}
	if len(s.Secrets) == 0 {
		errs = append(errs, errors.New("SESSION_COOKIE_SECRET is required"))
	}
	for i, secret := range s.Secrets {
		if len(secret) < minSecretLen {
			errs = append(errs, fmt.Errorf("SESSION_COOKIE_SECRET entry %d is shorter than %d characters", i, minSecretLen))
		}
	}
	if s.ExpiresSeconds <= 0 {
		errs = append(errs, errors.New("SESSION_EXPIRES_SECONDS must be positive"))
	}
	ss, err := parseSameSite(s.CookieSameSite)
	if err != nil {
		errs = append(errs, err)
	} else if ss == http.SameSiteNoneMode && !s.CookieSecure {
		errs = append(errs, errors.New("SESSION_COOKIE_SAMESITE=none requires SESSION_COOKIE_SECURE"))
	}
	return errs
}

// MaxAge is the session lifetime.
func (s Session) MaxAge() time.Duration {
	return time.Duration(s.ExpiresSeconds) * time.Second
}

// SameSite returns the cookie SameSite mode. Validate rejects unknown values.
func (s Session) SameSite() http.SameSite {
	ss, err := parseSameSite(s.CookieSameSite)
	if err != nil {
		return http.SameSiteLaxMode
	}
	return ss
}

func parseSameSite(v string) (http.SameSite, error) {
	switch strings.ToLower(v) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}
	return 0, fmt.Errorf("SESSION_COOKIE_SAMESITE %q: want lax, strict or none", v)
}
