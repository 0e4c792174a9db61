package middleware

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func newAESGCMAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		t.Fatalf("rand.Read(key): %v", err)
	}
	return k
}

func testSessionCookie(t *testing.T, attrs CookieAttrs, secrets ...string) *SessionCookie {
	t.Helper()
	codec, err := CodecFromSecrets(secrets)
	if err != nil {
		t.Fatalf("CodecFromSecrets: %v", err)
	}
	sc, err := NewSessionCookie(attrs, codec)
	if err != nil {
		t.Fatalf("NewSessionCookie: %v", err)
	}
	return sc
}

func TestSessionCookie_RoundTrip(t *testing.T) {
	sc := testSessionCookie(t, CookieAttrs{Name: "sid", Domain: "example.com", Secure: true, SameSite: http.SameSiteStrictMode}, "s1")

	ck, err := sc.Encode("session-123", 20*time.Minute)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if ck.Name != "sid" {
		t.Fatalf("cookie name: got %q want %q", ck.Name, "sid")
	}
	if ck.Domain != "example.com" || ck.Path != "/" {
		t.Fatalf("cookie domain/path: got %q %q", ck.Domain, ck.Path)
	}
	if !ck.HttpOnly || !ck.Secure {
		t.Fatalf("cookie flags: HttpOnly=%v Secure=%v", ck.HttpOnly, ck.Secure)
	}
	if ck.SameSite != http.SameSiteStrictMode {
		t.Fatalf("cookie SameSite: got %v want %v", ck.SameSite, http.SameSiteStrictMode)
	}
	if ck.MaxAge != 1200 {
		t.Fatalf("cookie MaxAge: got %d want 1200", ck.MaxAge)
	}
	if strings.Contains(ck.Value, "session-123") {
		t.Fatalf("cookie value leaks session id: %q", ck.Value)
	}

	got, err := sc.Decode(ck.Value)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != "session-123" {
		t.Fatalf("id: got %q want %q", got, "session-123")
	}
}

func TestSessionCookie_Defaults(t *testing.T) {
	sc := testSessionCookie(t, CookieAttrs{Name: "sid"}, "s1")
	c := sc.Clear()
	if c.Path != "/" || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("defaults: path=%q samesite=%v", c.Path, c.SameSite)
	}
	if c.MaxAge != -1 || c.Value != "" {
		t.Fatalf("Clear: MaxAge=%d Value=%q", c.MaxAge, c.Value)
	}
}

func TestSessionCookie_Rotation_OldSecretStillDecodes(t *testing.T) {
	old := testSessionCookie(t, CookieAttrs{Name: "sid"}, "old")
	ck, err := old.Encode("id-1", time.Minute)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	rotated := testSessionCookie(t, CookieAttrs{Name: "sid"}, "new", "old")
	got, err := rotated.Decode(ck.Value)
	if err != nil || got != "id-1" {
		t.Fatalf("Decode after rotation: got (%q,%v)", got, err)
	}

	fresh, _ := rotated.Encode("id-2", time.Minute)
	if _, err := old.Decode(fresh.Value); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("old codec decoding new key: got %v want ErrCookieInvalid", err)
	}
}

func TestSessionCookie_AADMismatchRejected(t *testing.T) {
	a := testSessionCookie(t, CookieAttrs{Name: "sid", Path: "/"}, "s")
	b := testSessionCookie(t, CookieAttrs{Name: "sid", Path: "/admin"}, "s")
	ck, _ := a.Encode("id", time.Minute)
	if _, err := b.Decode(ck.Value); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("got %v want ErrCookieInvalid", err)
	}
}

func TestCookieCodec_TamperRejected(t *testing.T) {
	codec, err := NewCookieCodec("a", map[string][]byte{"a": randomKey(t)})
	if err != nil {
		t.Fatalf("NewCookieCodec: %v", err)
	}
	v, err := codec.Seal([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b := []byte(v)
	mid := len(b) / 2
	if b[mid] == 'A' {
		b[mid] = 'B'
	} else {
		b[mid] = 'A'
	}
	if _, err := codec.Open(string(b), nil); err == nil {
		t.Fatal("tampered value decoded")
	}
}

func TestCookieCodec_Format(t *testing.T) {
	codec, _ := NewCookieCodec("a", map[string][]byte{"a": randomKey(t)})
	tests := []struct {
		value string
		want  error
	}{
		{"", ErrCookieFormat},
		{"nodot", ErrCookieFormat},
		{".abc", ErrCookieFormat},
		{"a.!!!", ErrCookieFormat},
		{"a.AAAA", ErrCookieFormat},
		{"zz.AAAA", ErrCookieInvalid},
		{"a." + strings.Repeat("A", maxCookieLen), ErrCookieFormat},
	}
	for _, tt := range tests {
		if _, err := codec.Open(tt.value, nil); !errors.Is(err, tt.want) {
			t.Errorf("Open(%.20q): got %v want %v", tt.value, err, tt.want)
		}
	}
}

func TestCookieCodec_CustomAEAD_AESGCM(t *testing.T) {
	codec, err := NewCookieCodec("a", map[string][]byte{"a": randomKey(t)})
	if err != nil {
		t.Fatalf("NewCookieCodec: %v", err)
	}
	codec.newAEAD = newAESGCMAEAD
	v, err := codec.Seal([]byte("x"), []byte("aad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := codec.Open(v, []byte("aad"))
	if err != nil || string(got) != "x" {
		t.Fatalf("Open: got (%q,%v)", got, err)
	}
}

func TestNewCookieCodec_Validation(t *testing.T) {
	if _, err := NewCookieCodec("a", nil); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("no keys: got %v", err)
	}
	if _, err := NewCookieCodec("b", map[string][]byte{"a": randomKey(t)}); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("missing current key: got %v", err)
	}
	if _, err := NewCookieCodec("a", map[string][]byte{"a": []byte("short")}); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("short key: got %v", err)
	}
	if _, err := CodecFromSecrets([]string{"ok", ""}); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("empty secret: got %v", err)
	}
}
