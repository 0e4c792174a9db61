package idp

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// clientAssertionLifetime bounds the private_key_jwt assertion.
const clientAssertionLifetime = 5 * time.Minute

var (
	errMissingIDToken = errors.New("token response has no id_token")
	errUnknownKey     = errors.New("no provider key matches the token")
)

// idTokenJWT is the wire form of the ID token claims.
type idTokenJWT struct {
	jwt.RegisteredClaims
	Nonce  string `json:"nonce"`
	Sid    string `json:"sid"`
	Locale string `json:"locale,omitempty"`
}

// HandleCallbackRequest implements Client.
//
// The state check happens before any network call. Overrides are only
// honoured by StubClient; here they are ignored.
func (c *RAOIDCClient) HandleCallbackRequest(ctx context.Context, r *http.Request, login LoginState, redirectURI *url.URL, overrides *StubLoginState) (*TokenSet, error) {
	if overrides != nil {
		c.log.Warn().Msg("ignoring stub claim overrides on the real identity provider")
	}
	code, err := checkCallback(r, login)
	if err != nil {
		return nil, err
	}

	tok, err := c.exchange(ctx, code, login.CodeVerifier, redirectURI)
	if err != nil {
		return nil, err
	}
	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, newError(KindTokenExchange, "exchange code", errMissingIDToken)
	}
	idClaims, err := c.verifyIDToken(ctx, rawID, login.Nonce)
	if err != nil {
		return nil, err
	}
	info, err := c.fetchUserinfo(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if info.Sub != idClaims.Sub {
		return nil, newError(KindUserinfoFetch, "fetch userinfo", errors.New("userinfo subject does not match id token"))
	}
	return &TokenSet{AccessToken: tok.AccessToken, IDToken: *idClaims, Userinfo: *info}, nil
}

// checkCallback validates the callback query against the stored login state
// and returns the authorization code.
func checkCallback(r *http.Request, login LoginState) (string, error) {
	const op = "handle callback"
	if r == nil || r.URL == nil {
		return "", newError(KindCallback, op, errors.New("nil request"))
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		return "", newError(KindCallback, op, fmt.Errorf("provider returned error %q: %s", e, q.Get("error_description")))
	}
	state := q.Get("state")
	if state == "" || login.State == "" || subtle.ConstantTimeCompare([]byte(state), []byte(login.State)) != 1 {
		return "", newError(KindStateMismatch, op, errors.New("state parameter does not match login state"))
	}
	code := q.Get("code")
	if code == "" {
		return "", newError(KindCallback, op, errors.New("missing authorization code"))
	}
	return code, nil
}

func (c *RAOIDCClient) exchange(ctx context.Context, code, verifier string, redirectURI *url.URL) (tok *oauth2.Token, err error) {
	const op = "exchange code"
	start := time.Now()
	defer func() { c.metrics.ObserveIdP("token", start, err) }()

	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(verifier)}
	if c.cfg.PrivateKey != nil {
		assertion, err := c.clientAssertion()
		if err != nil {
			return nil, newError(KindTokenExchange, op, fmt.Errorf("sign client assertion: %w", err))
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("client_assertion_type", clientAssertionType),
			oauth2.SetAuthURLParam("client_assertion", assertion),
		)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err = c.oauth2Config(redirectURI).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, newError(KindTokenExchange, op, err)
	}
	return tok, nil
}

// clientAssertion signs a private_key_jwt assertion for the token endpoint.
func (c *RAOIDCClient) clientAssertion() (string, error) {
	alg, err := signingAlgorithm(c.cfg.PrivateKey)
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: jose.JSONWebKey{Key: c.cfg.PrivateKey, KeyID: c.cfg.PrivateKeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}
	now := c.now()
	claims := josejwt.Claims{
		Issuer:   c.cfg.ClientID,
		Subject:  c.cfg.ClientID,
		Audience: josejwt.Audience{c.md.TokenEndpoint},
		ID:       uuid.NewString(),
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(now.Add(clientAssertionLifetime)),
	}
	return josejwt.Signed(signer).Claims(claims).Serialize()
}

func signingAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.Public().(type) {
	case *rsa.PublicKey:
		return jose.RS256, nil
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return jose.ES256, nil
		case 384:
			return jose.ES384, nil
		case 521:
			return jose.ES512, nil
		}
	}
	return "", fmt.Errorf("unsupported client key type %T", key.Public())
}

func (c *RAOIDCClient) parser(requireExp bool) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(c.cfg.SigningAlgs),
		jwt.WithIssuer(c.md.Issuer),
		jwt.WithAudience(c.cfg.ClientID),
		jwt.WithLeeway(c.cfg.ClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	}
	if requireExp {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	return jwt.NewParser(opts...)
}

// keyfunc resolves the provider key for a token. An unknown kid forces one
// key set refresh. Fetch failures are reported through fetchErr so callers
// can tell them apart from signature failures.
func (c *RAOIDCClient) keyfunc(ctx context.Context, fetchErr *error) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		set, err := c.FetchSigningKeys(ctx)
		if err != nil {
			*fetchErr = err
			return nil, err
		}
		key, ok := lookupKey(set, kid)
		if !ok {
			c.log.Info().Str("kid", kid).Msg("unknown signing key; refreshing provider keys")
			if set, err = c.refreshSigningKeys(ctx); err != nil {
				*fetchErr = err
				return nil, err
			}
			if key, ok = lookupKey(set, kid); !ok {
				return nil, errUnknownKey
			}
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to export provider key: %w", err)
		}
		return raw, nil
	}
}

// lookupKey finds kid in set. A token without kid matches a single-key set.
func lookupKey(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid != "" {
		return set.LookupKeyID(kid)
	}
	if set.Len() == 1 {
		return set.Key(0)
	}
	return nil, false
}

func (c *RAOIDCClient) verifyIDToken(ctx context.Context, raw, nonce string) (*IDTokenClaims, error) {
	const op = "verify id token"
	var claims idTokenJWT
	var fetchErr error
	if _, err := c.parser(true).ParseWithClaims(raw, &claims, c.keyfunc(ctx, &fetchErr)); err != nil {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, newError(KindTokenValidation, op, err)
	}
	if nonce == "" || subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(nonce)) != 1 {
		return nil, newError(KindTokenValidation, op, errors.New("nonce mismatch"))
	}
	if claims.Subject == "" || claims.Sid == "" {
		return nil, newError(KindTokenValidation, op, errors.New("id token is missing sub or sid"))
	}
	out := &IDTokenClaims{
		Sub:      claims.Subject,
		Sid:      claims.Sid,
		Issuer:   claims.Issuer,
		Audience: []string(claims.Audience),
		Nonce:    claims.Nonce,
		Locale:   claims.Locale,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// fetchUserinfo calls the userinfo endpoint. The response may be plain JSON,
// a signed JWT, or a JWE wrapping a signed JWT.
func (c *RAOIDCClient) fetchUserinfo(ctx context.Context, accessToken string) (info *UserinfoClaims, err error) {
	const op = "fetch userinfo"
	start := time.Now()
	defer func() { c.metrics.ObserveIdP("userinfo", start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.md.UserinfoEndpoint, nil)
	if err != nil {
		return nil, newError(KindUserinfoFetch, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json, application/jwt")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindUserinfoFetch, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newError(KindUserinfoFetch, op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, newError(KindUserinfoFetch, op, err)
	}

	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var raw map[string]any
	if mt == "application/jwt" {
		raw, err = c.decodeUserinfoJWT(ctx, strings.TrimSpace(string(body)))
	} else {
		err = json.Unmarshal(body, &raw)
	}
	if err != nil {
		if IsKind(err, KindKeyFetch) {
			return nil, err
		}
		return nil, newError(KindUserinfoFetch, op, err)
	}
	return userinfoFromMap(raw)
}

func (c *RAOIDCClient) decodeUserinfoJWT(ctx context.Context, token string) (map[string]any, error) {
	if strings.Count(token, ".") == 4 {
		signed, err := c.decrypt(token)
		if err != nil {
			return nil, err
		}
		token = signed
	}
	claims := jwt.MapClaims{}
	var fetchErr error
	if _, err := c.parser(false).ParseWithClaims(token, claims, c.keyfunc(ctx, &fetchErr)); err != nil {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, err
	}
	return claims, nil
}

var (
	keyAlgorithms = []jose.KeyAlgorithm{jose.RSA_OAEP, jose.RSA_OAEP_256, jose.ECDH_ES, jose.ECDH_ES_A128KW, jose.ECDH_ES_A256KW}
	contentAlgs   = []jose.ContentEncryption{jose.A128GCM, jose.A256GCM, jose.A128CBC_HS256, jose.A256CBC_HS512}
)

func (c *RAOIDCClient) decrypt(token string) (string, error) {
	if c.cfg.PrivateKey == nil {
		return "", errors.New("encrypted userinfo requires a client private key")
	}
	obj, err := jose.ParseEncrypted(token, keyAlgorithms, contentAlgs)
	if err != nil {
		return "", fmt.Errorf("parse encrypted userinfo: %w", err)
	}
	plain, err := obj.Decrypt(c.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("decrypt userinfo: %w", err)
	}
	return string(plain), nil
}

// registered claims are not carried into UserinfoClaims.Extra.
var registeredClaims = map[string]bool{
	"iss": true, "aud": true, "exp": true, "iat": true, "nbf": true, "jti": true,
	"sub": true, "sin": true, "birthdate": true, "locale": true,
}

func userinfoFromMap(raw map[string]any) (*UserinfoClaims, error) {
	str := func(k string) string {
		s, _ := raw[k].(string)
		return s
	}
	info := &UserinfoClaims{
		Sub:       str("sub"),
		SIN:       str("sin"),
		Birthdate: str("birthdate"),
		Locale:    str("locale"),
	}
	if info.Sub == "" {
		return nil, newError(KindUserinfoFetch, "fetch userinfo", errors.New("userinfo is missing sub"))
	}
	for k, v := range raw {
		if s, ok := v.(string); ok && !registeredClaims[k] {
			if info.Extra == nil {
				info.Extra = map[string]string{}
			}
			info.Extra[k] = s
		}
	}
	return info, nil
}
