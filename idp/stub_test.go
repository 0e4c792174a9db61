package idp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStub(t *testing.T) *StubClient {
	t.Helper()
	s, err := NewStubClient(StubConfig{SignoutURL: "https://portal.example/en/signed-out"})
	require.NoError(t, err)
	return s
}

// stubLogin follows the stub authorization URL back to the callback.
func stubLogin(t *testing.T, s *StubClient, o *StubLoginState) *TokenSet {
	t.Helper()
	ar, err := s.BuildAuthorizationRequest(testRedirect, "/en/home", "en")
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, ar.URL.String(), nil)
	ts, err := s.HandleCallbackRequest(context.Background(), r, ar.LoginState, testRedirect, o)
	require.NoError(t, err)
	return ts
}

func TestNewStubClient_RequiresSignoutURL(t *testing.T) {
	_, err := NewStubClient(StubConfig{})
	assert.True(t, IsKind(err, KindConfiguration))
}

func TestStubClient_AuthorizationURLPointsAtCallback(t *testing.T) {
	s := newStub(t)
	ar, err := s.BuildAuthorizationRequest(testRedirect, "/en/home", "fr")
	require.NoError(t, err)

	assert.Equal(t, testRedirect.Host, ar.URL.Host)
	assert.Equal(t, testRedirect.Path, ar.URL.Path)
	q := ar.URL.Query()
	assert.Equal(t, ar.LoginState.State, q.Get("state"))
	assert.NotEmpty(t, q.Get("code"))
	assert.Equal(t, "fr", q.Get("ui_locales"))
	assert.Equal(t, "/en/home", ar.LoginState.ReturnURL)
}

func TestStubClient_DefaultsAndOverrides(t *testing.T) {
	s := newStub(t)

	ts := stubLogin(t, s, nil)
	assert.Equal(t, StubDefaultSIN, ts.Userinfo.SIN)
	assert.Equal(t, StubDefaultBirthdate, ts.Userinfo.Birthdate)
	assert.Equal(t, StubDefaultLocale, ts.IDToken.Locale)
	assert.Equal(t, ts.IDToken.Sub, ts.Userinfo.Sub)
	assert.NotEmpty(t, ts.IDToken.Sid)

	o := &StubLoginState{SIN: "123456789", Birthdate: "1999-12-31", Locale: "fr"}
	custom := stubLogin(t, s, o)
	assert.Equal(t, "123456789", custom.Userinfo.SIN)
	assert.Equal(t, "1999-12-31", custom.Userinfo.Birthdate)
	assert.Equal(t, "fr", custom.Userinfo.Locale)
	assert.NotEqual(t, ts.IDToken.Sub, custom.IDToken.Sub)

	again := stubLogin(t, s, o)
	assert.Equal(t, custom.IDToken.Sub, again.IDToken.Sub, "subject is stable per SIN")
	assert.NotEqual(t, custom.IDToken.Sid, again.IDToken.Sid)
}

func TestStubClient_StateMismatch(t *testing.T) {
	s := newStub(t)
	ar, err := s.BuildAuthorizationRequest(testRedirect, "", "")
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, ar.URL.String(), nil)
	ls := ar.LoginState
	ls.State = "other"
	_, err = s.HandleCallbackRequest(context.Background(), r, ls, testRedirect, nil)
	assert.True(t, IsKind(err, KindStateMismatch))
}

func TestStubClient_SignoutRevokesSessions(t *testing.T) {
	s := newStub(t)
	ts := stubLogin(t, s, nil)
	other := stubLogin(t, s, &StubLoginState{SIN: "111111118"})

	ok, err := s.HandleValidationRequest(context.Background(), ts.IDToken.Sid)
	require.NoError(t, err)
	assert.True(t, ok)

	u, err := s.GenerateSignoutRequest(ts.IDToken.Sub, "fr")
	require.NoError(t, err)
	assert.Equal(t, "/en/signed-out", u.Path)
	assert.Equal(t, "fr", u.Query().Get("lang"))

	ok, err = s.HandleValidationRequest(context.Background(), ts.IDToken.Sid)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HandleValidationRequest(context.Background(), other.IDToken.Sid)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStubClient_SessionsExpire(t *testing.T) {
	s := newStub(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	var first *TokenSet
	for i := 0; i < 500; i++ {
		ts := stubLogin(t, s, nil)
		if first == nil {
			first = ts
		}
	}
	assert.Len(t, s.sids, 500)

	now = now.Add(stubTokenLifetime - time.Second)
	ok, err := s.HandleValidationRequest(context.Background(), first.IDToken.Sid)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, err = s.HandleValidationRequest(context.Background(), first.IDToken.Sid)
	require.NoError(t, err)
	assert.False(t, ok, "expired before the sweep")

	// The next login drops every expired entry.
	last := stubLogin(t, s, nil)
	assert.Len(t, s.sids, 1)
	ok, err = s.HandleValidationRequest(context.Background(), last.IDToken.Sid)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStubClient_UnknownSessionIsInvalid(t *testing.T) {
	s := newStub(t)
	ok, err := s.HandleValidationRequest(context.Background(), "issued-before-restart")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.HandleValidationRequest(context.Background(), "")
	assert.True(t, IsKind(err, KindSessionValidation))
}

func TestStubClient_SignoutForgetsSessions(t *testing.T) {
	s := newStub(t)
	ts := stubLogin(t, s, nil)
	stubLogin(t, s, nil)
	stubLogin(t, s, &StubLoginState{SIN: "111111118"})

	_, err := s.GenerateSignoutRequest(ts.IDToken.Sub, "")
	require.NoError(t, err)
	assert.Len(t, s.sids, 1)
}
