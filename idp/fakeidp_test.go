package idp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

const testClientID = "portal-client"

type grant struct {
	nonce     string
	challenge string
	sub       string
	sid       string
}

// fakeIdP is an in-process identity provider speaking just enough of the
// protocol for RAOIDCClient.
type fakeIdP struct {
	t   *testing.T
	srv *httptest.Server

	clientKey *rsa.PrivateKey

	mu       sync.Mutex
	signKey  *rsa.PrivateKey
	kid      string
	codes    map[string]grant
	omit     map[string]bool
	userinfo string // json, jwt or jwe
	infoSub  string
	aud      string
	nonce    string // overrides the granted nonce when set
	noSid    bool
	iss      string // overrides the id_token issuer when set
	forge    string // "", "foreign-key" or "hs256"; how the id_token is signed
	valid    map[string]bool
	validate func(w http.ResponseWriter, r *http.Request)
	lastForm url.Values

	tokenHits    atomic.Int32
	jwksHits     atomic.Int32
	validateHits atomic.Int32
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{
		t:         t,
		clientKey: mustRSA(t),
		signKey:   mustRSA(t),
		kid:       "key-1",
		codes:     map[string]grant{},
		omit:      map[string]bool{},
		userinfo:  "json",
		valid:     map[string]bool{},
		aud:       testClientID,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.discovery)
	mux.HandleFunc("/jwks", f.jwks)
	mux.HandleFunc("/token", f.token)
	mux.HandleFunc("/userinfo", f.userinfoHandler)
	mux.HandleFunc("/validatesession", f.validateSession)
	f.srv = httptest.NewTLSServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func mustRSA(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

func (f *fakeIdP) issuer() string { return f.srv.URL }

func (f *fakeIdP) config() RAOIDCConfig {
	return RAOIDCConfig{
		Issuer:       f.issuer(),
		ClientID:     testClientID,
		PrivateKey:   f.clientKey,
		PrivateKeyID: "client-key",
		HTTPClient:   f.srv.Client(),
		ClockSkew:    5 * time.Second,
	}
}

func (f *fakeIdP) discovery(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md := map[string]any{
		"issuer":                                f.issuer(),
		"authorization_endpoint":                f.issuer() + "/authorize",
		"token_endpoint":                        f.issuer() + "/token",
		"userinfo_endpoint":                     f.issuer() + "/userinfo",
		"jwks_uri":                              f.issuer() + "/jwks",
		"end_session_endpoint":                  f.issuer() + "/logout",
		"validate_session_endpoint":             f.issuer() + "/validatesession",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	for k := range f.omit {
		delete(md, k)
	}
	_ = json.NewEncoder(w).Encode(md)
}

func (f *fakeIdP) jwks(w http.ResponseWriter, _ *http.Request) {
	f.jwksHits.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &f.signKey.PublicKey, KeyID: f.kid, Algorithm: "RS256", Use: "sig"}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// rotate replaces the provider signing key.
func (f *fakeIdP) rotate(kid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signKey = mustRSA(f.t)
	f.kid = kid
}

// issueCode registers an authorization code for the given authorization URL.
func (f *fakeIdP) issueCode(authURL *url.URL, sub, sid string) string {
	q := authURL.Query()
	code := "code-" + q.Get("state")[:8]
	f.mu.Lock()
	f.codes[code] = grant{nonce: q.Get("nonce"), challenge: q.Get("code_challenge"), sub: sub, sid: sid}
	f.mu.Unlock()
	return code
}

func (f *fakeIdP) sign(claims ...any) string {
	f.mu.Lock()
	key, kid := f.signKey, f.kid
	f.mu.Unlock()
	return f.signWith(jose.RS256, key, kid, claims...)
}

func (f *fakeIdP) signWith(alg jose.SignatureAlgorithm, key any, kid string, claims ...any) string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: jose.JSONWebKey{Key: key, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(f.t, err)
	b := josejwt.Signed(signer)
	for _, c := range claims {
		b = b.Claims(c)
	}
	raw, err := b.Serialize()
	require.NoError(f.t, err)
	return raw
}

// signIDToken signs with the provider key unless forge says otherwise. Forged
// tokens keep the published kid.
func (f *fakeIdP) signIDToken(forge string, claims ...any) string {
	f.mu.Lock()
	kid := f.kid
	f.mu.Unlock()
	switch forge {
	case "foreign-key":
		return f.signWith(jose.RS256, mustRSA(f.t), kid, claims...)
	case "hs256":
		return f.signWith(jose.HS256, []byte(strings.Repeat("k", 32)), kid, claims...)
	}
	return f.sign(claims...)
}

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	f.tokenHits.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.lastForm = r.PostForm
	g, ok := f.codes[r.PostForm.Get("code")]
	delete(f.codes, r.PostForm.Get("code"))
	aud, nonce, noSid, iss, forge := f.aud, f.nonce, f.noSid, f.iss, f.forge
	f.mu.Unlock()

	oauthError := func(code string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
	}
	if !ok {
		oauthError("invalid_grant")
		return
	}
	if pkceChallenge(r.PostForm.Get("code_verifier")) != g.challenge {
		oauthError("invalid_grant")
		return
	}
	if !f.checkAssertion(r.PostForm) {
		oauthError("invalid_client")
		return
	}

	if iss == "" {
		iss = f.issuer()
	}
	now := time.Now()
	std := josejwt.Claims{
		Issuer:   iss,
		Subject:  g.sub,
		Audience: josejwt.Audience{aud},
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(now.Add(time.Hour)),
	}
	if nonce == "" {
		nonce = g.nonce
	}
	custom := map[string]any{"nonce": nonce, "locale": "fr"}
	if !noSid {
		custom["sid"] = g.sid
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "at-" + g.sub,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     f.signIDToken(forge, std, custom),
	})
}

func (f *fakeIdP) checkAssertion(form url.Values) bool {
	if form.Get("client_assertion_type") != clientAssertionType {
		return false
	}
	tok, err := josejwt.ParseSigned(form.Get("client_assertion"), []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return false
	}
	var c josejwt.Claims
	if err := tok.Claims(&f.clientKey.PublicKey, &c); err != nil {
		return false
	}
	return c.Issuer == testClientID && c.Subject == testClientID &&
		c.Audience.Contains(f.issuer()+"/token") && c.ID != ""
}

func (f *fakeIdP) userinfoHandler(w http.ResponseWriter, r *http.Request) {
	at := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !strings.HasPrefix(at, "at-") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	sub := strings.TrimPrefix(at, "at-")
	f.mu.Lock()
	mode := f.userinfo
	if f.infoSub != "" {
		sub = f.infoSub
	}
	f.mu.Unlock()

	claims := map[string]any{"sub": sub, "sin": "123456789", "birthdate": "1980-02-03", "locale": "fr", "given_name": "Ada"}
	switch mode {
	case "json":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(claims)
	case "jwt", "jwe":
		std := josejwt.Claims{Issuer: f.issuer(), Audience: josejwt.Audience{testClientID}, IssuedAt: josejwt.NewNumericDate(time.Now())}
		raw := f.sign(std, claims)
		if mode == "jwe" {
			enc, err := jose.NewEncrypter(jose.A256GCM,
				jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: &f.clientKey.PublicKey},
				(&jose.EncrypterOptions{}).WithContentType("JWT"))
			require.NoError(f.t, err)
			obj, err := enc.Encrypt([]byte(raw))
			require.NoError(f.t, err)
			raw, err = obj.CompactSerialize()
			require.NoError(f.t, err)
		}
		w.Header().Set("Content-Type", "application/jwt")
		_, _ = w.Write([]byte(raw))
	}
}

func (f *fakeIdP) validateSession(w http.ResponseWriter, r *http.Request) {
	f.validateHits.Add(1)
	f.mu.Lock()
	custom := f.validate
	valid := f.valid[r.URL.Query().Get("shared_session_id")]
	f.mu.Unlock()
	if r.URL.Query().Get("client_id") != testClientID {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if custom != nil {
		custom(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(valid)
}
