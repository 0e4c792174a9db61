package userrecord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// DefaultMaxTries bounds the attempts for each remote call.
const DefaultMaxTries = 4

// HTTPConfig configures HTTPRegistrar.
type HTTPConfig struct {
	// Endpoint is the user collection URL, e.g. https://host/api/users.
	Endpoint string
	// Credentials is the base64 value sent as HTTP Basic authorization.
	Credentials string

	Client          *http.Client
	MaxTries        uint
	InitialInterval time.Duration
	Logger          zerolog.Logger
}

// HTTPRegistrar creates the user if needed and then records the login:
//
//	POST {endpoint}              {"pid": sin, "spid": uid}
//	POST {endpoint}/{uid}/logins
type HTTPRegistrar struct {
	endpoint *url.URL
	creds    string
	client   *http.Client
	maxTries uint
	initial  time.Duration
	log      zerolog.Logger
}

var _ Registrar = (*HTTPRegistrar)(nil)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("userrecord: %s: unexpected status %d", e.Op, e.Status)
}

// NewHTTPRegistrar creates an HTTPRegistrar.
func NewHTTPRegistrar(cfg HTTPConfig) (*HTTPRegistrar, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("userrecord: empty endpoint")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("userrecord: parse endpoint: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("userrecord: unsupported endpoint scheme %q", u.Scheme)
	}
	r := &HTTPRegistrar{
		endpoint: u,
		creds:    cfg.Credentials,
		client:   cfg.Client,
		maxTries: cfg.MaxTries,
		initial:  cfg.InitialInterval,
		log:      cfg.Logger,
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}
	if r.maxTries == 0 {
		r.maxTries = DefaultMaxTries
	}
	if r.initial <= 0 {
		r.initial = 500 * time.Millisecond
	}
	return r, nil
}

type createUserRequest struct {
	PID  string `json:"pid"`
	SPID string `json:"spid"`
}

// Register implements Registrar.
func (r *HTTPRegistrar) Register(ctx context.Context, t Task) error {
	if t.UID == "" {
		return errors.New("userrecord: task has no uid")
	}
	body, err := json.Marshal(createUserRequest{PID: t.SIN, SPID: t.UID})
	if err != nil {
		return err
	}
	if err := r.post(ctx, "create user", r.endpoint.String(), body); err != nil {
		return err
	}
	logins := r.endpoint.JoinPath(t.UID, "logins")
	return r.post(ctx, "record login", logins.String(), nil)
}

// post sends one request, retrying transient failures with exponential
// backoff. 4xx responses are permanent.
func (r *HTTPRegistrar) post(ctx context.Context, op, target string, body []byte) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.initial
	expBackoff.MaxInterval = 20 * r.initial
	expBackoff.Reset()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.creds != "" {
			req.Header.Set("Authorization", "Basic "+strings.TrimSpace(r.creds))
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return struct{}{}, backoff.Permanent(&StatusError{Op: op, Status: resp.StatusCode})
		default:
			return struct{}{}, &StatusError{Op: op, Status: resp.StatusCode}
		}
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.log.Debug().Err(err).Str("op", op).Dur("retry_in", d).Msg("user record call failed; retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("userrecord: %s after %d attempt(s): %w", op, attempt, err)
	}
	return nil
}
