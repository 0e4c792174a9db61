package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the amount of attacker-controlled data we will
// decode for a cookie value.
const maxCookieLen = 4096

// hkdfInfo separates session cookie keys from any other use of the secret.
const hkdfInfo = "portal session cookie v1"

// CookieCodec seals and opens cookie values with an AEAD.
//
// Format: [keyID] "." base64url(nonce || AEAD.Seal(plaintext, aad))
//
// Keys maps key IDs to raw keys. KeyID selects the key used for sealing;
// every key in Keys is accepted when opening, which allows secrets to be
// rotated without logging everybody out.
type CookieCodec struct {
	KeyID string
	Keys  map[string][]byte

	newAEAD func(key []byte) (cipher.AEAD, error)
}

// NewCookieCodec creates a codec using XChaCha20-Poly1305.
func NewCookieCodec(keyID string, keys map[string][]byte) (*CookieCodec, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	for id, k := range keys {
		if _, err := chacha20poly1305.NewX(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
	}
	return &CookieCodec{KeyID: keyID, Keys: keys, newAEAD: chacha20poly1305.NewX}, nil
}

// CodecFromSecrets derives cookie keys from configured secrets using HKDF-SHA256.
// The first secret seals new cookies; the rest are only accepted when opening.
func CodecFromSecrets(secrets []string) (*CookieCodec, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: no secrets", ErrCookieConfig)
	}
	keys := make(map[string][]byte, len(secrets))
	var current string
	for i, s := range secrets {
		if s == "" {
			return nil, fmt.Errorf("%w: empty secret at position %d", ErrCookieConfig, i)
		}
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(s), nil, []byte(hkdfInfo)), key); err != nil {
			return nil, err
		}
		sum := sha256.Sum256(key)
		id := hex.EncodeToString(sum[:4])
		keys[id] = key
		if i == 0 {
			current = id
		}
	}
	return NewCookieCodec(current, keys)
}

// Seal encrypts plain, binding it to aad.
func (c *CookieCodec) Seal(plain, aad []byte) (string, error) {
	if c == nil {
		return "", ErrCookieConfig
	}
	key, ok := c.Keys[c.KeyID]
	if !ok {
		return "", ErrCookieConfig
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return c.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *CookieCodec) Open(value string, aad []byte) ([]byte, error) {
	if c == nil {
		return nil, ErrCookieConfig
	}
	if value == "" || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := c.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// CookieAttrs are the attributes of the session cookie.
type CookieAttrs struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

// cookiePayload is the sealed content of the session cookie. It carries only
// the opaque session identifier; session data lives in the backing store.
type cookiePayload struct {
	ID       string    `cbor:"1,keyasint"`
	IssuedAt time.Time `cbor:"2,keyasint"`
}

// SessionCookie seals session identifiers into cookies.
type SessionCookie struct {
	attrs CookieAttrs
	codec *CookieCodec
}

// NewSessionCookie creates a SessionCookie. Path defaults to "/" and SameSite
// to Lax.
func NewSessionCookie(attrs CookieAttrs, codec *CookieCodec) (*SessionCookie, error) {
	if attrs.Name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: nil codec", ErrCookieConfig)
	}
	if attrs.Path == "" {
		attrs.Path = "/"
	}
	if attrs.SameSite == 0 {
		attrs.SameSite = http.SameSiteLaxMode
	}
	return &SessionCookie{attrs: attrs, codec: codec}, nil
}

// Name returns the cookie name.
func (sc *SessionCookie) Name() string {
	return sc.attrs.Name
}

// aad binds the cookie name, domain, path and secure flag to the sealed value.
func (sc *SessionCookie) aad() []byte {
	secure := "f"
	if sc.attrs.Secure {
		secure = "t"
	}
	return []byte(sc.attrs.Name + ":" + sc.attrs.Domain + ":" + sc.attrs.Path + ":" + secure)
}

// Encode returns a cookie carrying the sealed session id.
func (sc *SessionCookie) Encode(id string, maxAge time.Duration) (*http.Cookie, error) {
	if id == "" || maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	plain, err := cbor.Marshal(cookiePayload{ID: id, IssuedAt: time.Now().UTC().Truncate(time.Second)})
	if err != nil {
		return nil, err
	}
	val, err := sc.codec.Seal(plain, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.attrs.Name,
		Value:    val,
		Path:     sc.attrs.Path,
		Domain:   sc.attrs.Domain,
		MaxAge:   int(maxAge.Seconds()),
		Expires:  time.Now().Add(maxAge),
		Secure:   sc.attrs.Secure,
		HttpOnly: true,
		SameSite: sc.attrs.SameSite,
	}, nil
}

// Decode opens a cookie value and returns the session id.
func (sc *SessionCookie) Decode(value string) (string, error) {
	plain, err := sc.codec.Open(value, sc.aad())
	if err != nil {
		return "", err
	}
	var p cookiePayload
	if err := cbor.Unmarshal(plain, &p); err != nil {
		return "", ErrCookieFormat
	}
	if p.ID == "" {
		return "", ErrCookieInvalid
	}
	return p.ID, nil
}

// Clear returns a cookie that removes the session cookie from the client.
func (sc *SessionCookie) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.attrs.Name,
		Value:    "",
		Path:     sc.attrs.Path,
		Domain:   sc.attrs.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.attrs.Secure,
		HttpOnly: true,
		SameSite: sc.attrs.SameSite,
	}
}
