package session_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/portalauth/middleware"
	"github.com/mnehpets/portalauth/session"
)

type loginState struct {
	CodeVerifier string `cbor:"1,keyasint"`
	Nonce        string `cbor:"2,keyasint"`
	State        string `cbor:"3,keyasint"`
	ReturnURL    string `cbor:"4,keyasint,omitempty"`
}

func newCookie(t *testing.T) *middleware.SessionCookie {
	t.Helper()
	codec, err := middleware.CodecFromSecrets([]string{"test-secret"})
	require.NoError(t, err)
	c, err := middleware.NewSessionCookie(middleware.CookieAttrs{Name: "portal.sid"}, codec)
	require.NoError(t, err)
	return c
}

// withBackends runs fn against the memory backend and a miniredis-backed
// Redis backend.
func withBackends(t *testing.T, fn func(t *testing.T, backend session.Backend, mr *miniredis.Miniredis)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, session.NewMemoryBackend(), nil)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fn(t, session.NewRedisBackendWithClient(client, "portal:session:"), mr)
	})
}

func header(c *http.Cookie) string {
	return c.Name + "=" + c.Value
}

func TestStore_Get_NoCookie(t *testing.T) {
	withBackends(t, func(t *testing.T, backend session.Backend, _ *miniredis.Miniredis) {
		store, err := session.NewStore(backend, newCookie(t))
		require.NoError(t, err)

		sess, err := store.Get(context.Background(), "")
		require.NoError(t, err)
		assert.True(t, sess.IsNew())
		assert.NotEmpty(t, sess.ID())
		assert.Empty(t, sess.Data())
		assert.False(t, sess.Dirty())
	})
}

func TestStore_Get_InvalidCookie(t *testing.T) {
	withBackends(t, func(t *testing.T, backend session.Backend, _ *miniredis.Miniredis) {
		store, err := session.NewStore(backend, newCookie(t))
		require.NoError(t, err)

		for _, h := range []string{
			"portal.sid=garbage",
			"portal.sid=abc.def",
			"other=1; portal.sid=",
			"not a cookie header",
		} {
			sess, err := store.Get(context.Background(), h)
			require.NoError(t, err, h)
			assert.True(t, sess.IsNew(), h)
		}
	})
}

func TestStore_Get_CookieFromOtherSecret(t *testing.T) {
	codec, err := middleware.CodecFromSecrets([]string{"another-secret"})
	require.NoError(t, err)
	foreign, err := middleware.NewSessionCookie(middleware.CookieAttrs{Name: "portal.sid"}, codec)
	require.NoError(t, err)

	backend := session.NewMemoryBackend()
	store, err := session.NewStore(backend, newCookie(t))
	require.NoError(t, err)

	c, err := foreign.Encode("some-id", time.Minute)
	require.NoError(t, err)
	sess, err := store.Get(context.Background(), header(c))
	require.NoError(t, err)
	assert.True(t, sess.IsNew())
	assert.NotEqual(t, "some-id", sess.ID())
}

func TestStore_RoundTrip(t *testing.T) {
	withBackends(t, func(t *testing.T, backend session.Backend, _ *miniredis.Miniredis) {
		ctx := context.Background()
		store, err := session.NewStore(backend, newCookie(t))
		require.NoError(t, err)

		sess, err := store.Get(ctx, "")
		require.NoError(t, err)
		require.NoError(t, sess.Set(session.SlotLoginState, loginState{
			CodeVerifier: "verifier", Nonce: "nonce", State: "state", ReturnURL: "/en/inbox?page=2",
		}))
		require.NoError(t, sess.Set(session.SlotCachedMessages, []string{"a", "b"}))
		committed := sess.Data()

		c, err := store.Commit(ctx, sess)
		require.NoError(t, err)
		assert.Equal(t, "portal.sid", c.Name)
		assert.True(t, c.HttpOnly)
		assert.Equal(t, int(session.DefaultMaxAge.Seconds()), c.MaxAge)
		assert.False(t, sess.Dirty())

		loaded, err := store.Get(ctx, header(c))
		require.NoError(t, err)
		assert.False(t, loaded.IsNew())
		assert.Equal(t, sess.ID(), loaded.ID())
		if diff := cmp.Diff(committed, loaded.Data()); diff != "" {
			t.Fatalf("round trip mismatch (-committed +loaded):\n%s", diff)
		}

		var ls loginState
		ok, err := loaded.Get(session.SlotLoginState, &ls)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "/en/inbox?page=2", ls.ReturnURL)
	})
}

func TestStore_CommitIdempotent(t *testing.T) {
	withBackends(t, func(t *testing.T, backend session.Backend, _ *miniredis.Miniredis) {
		ctx := context.Background()
		store, err := session.NewStore(backend, newCookie(t))
		require.NoError(t, err)

		sess, err := store.Get(ctx, "")
		require.NoError(t, err)
		require.NoError(t, sess.Set(session.SlotStubLoginState, map[string]string{"sin": "800000002"}))

		c1, err := store.Commit(ctx, sess)
		require.NoError(t, err)
		first, err := store.Get(ctx, header(c1))
		require.NoError(t, err)

		c2, err := store.Commit(ctx, sess)
		require.NoError(t, err)
		second, err := store.Get(ctx, header(c2))
		require.NoError(t, err)

		assert.Equal(t, first.ID(), second.ID())
		if diff := cmp.Diff(first.Data(), second.Data()); diff != "" {
			t.Fatalf("second commit changed data:\n%s", diff)
		}
	})
}

func TestStore_CommitRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	backend := session.NewRedisBackendWithClient(client, "portal:session:")
	store, err := session.NewStore(backend, newCookie(t), session.WithMaxAge(10*time.Minute))
	require.NoError(t, err)

	sess, err := store.Get(ctx, "")
	require.NoError(t, err)
	require.NoError(t, sess.Set(session.SlotCachedMessages, []int{1}))
	_, err = store.Commit(ctx, sess)
	require.NoError(t, err)

	key := "portal:session:" + sess.ID()
	assert.Equal(t, 10*time.Minute, mr.TTL(key))

	mr.FastForward(6 * time.Minute)
	assert.Equal(t, 4*time.Minute, mr.TTL(key))

	_, err = store.Commit(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, mr.TTL(key))
}

func TestStore_ExpiredRecord(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store, err := session.NewStore(session.NewRedisBackendWithClient(client, "s:"), newCookie(t), session.WithMaxAge(time.Minute))
	require.NoError(t, err)

	sess, err := store.Get(ctx, "")
	require.NoError(t, err)
	require.NoError(t, sess.Set(session.SlotCachedMessages, "x"))
	c, err := store.Commit(ctx, sess)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	loaded, err := store.Get(ctx, header(c))
	require.NoError(t, err)
	assert.True(t, loaded.IsNew())
	assert.NotEqual(t, sess.ID(), loaded.ID())
}

func TestStore_Regenerate(t *testing.T) {
	withBackends(t, func(t *testing.T, backend session.Backend, _ *miniredis.Miniredis) {
		ctx := context.Background()
		store, err := session.NewStore(backend, newCookie(t))
		require.NoError(t, err)

		sess, err := store.Get(ctx, "")
		require.NoError(t, err)
		require.NoError(t, sess.Set(session.SlotLoginState, loginState{State: "s"}))
		oldCookie, err := store.Commit(ctx, sess)
		require.NoError(t, err)
		oldID := sess.ID()

		require.NoError(t, sess.Regenerate())
		assert.NotEqual(t, oldID, sess.ID())
		rotated, err := store.Commit(ctx, sess)
		require.NoError(t, err)

		_, err = backend.Load(ctx, oldID)
		assert.ErrorIs(t, err, session.ErrNotFound)

		stale, err := store.Get(ctx, header(oldCookie))
		require.NoError(t, err)
		assert.True(t, stale.IsNew())

		current, err := store.Get(ctx, header(rotated))
		require.NoError(t, err)
		assert.True(t, current.Has(session.SlotLoginState))
	})
}

func TestStore_Destroy(t *testing.T) {
	withBackends(t, func(t *testing.T, backend session.Backend, _ *miniredis.Miniredis) {
		ctx := context.Background()
		store, err := session.NewStore(backend, newCookie(t))
		require.NoError(t, err)

		sess, err := store.Get(ctx, "")
		require.NoError(t, err)
		require.NoError(t, sess.Set(session.SlotAuthState, "auth"))
		c, err := store.Commit(ctx, sess)
		require.NoError(t, err)

		loaded, err := store.Get(ctx, header(c))
		require.NoError(t, err)
		clear, err := store.Destroy(ctx, loaded)
		require.NoError(t, err)
		assert.Equal(t, -1, clear.MaxAge)
		assert.Empty(t, clear.Value)

		_, err = backend.Load(ctx, sess.ID())
		assert.ErrorIs(t, err, session.ErrNotFound)
	})
}

func TestStore_BackendFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	store, err := session.NewStore(session.NewRedisBackendWithClient(client, "s:"), newCookie(t))
	require.NoError(t, err)

	sess, err := store.Get(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, sess.Set(session.SlotCachedMessages, 1))
	c, err := store.Commit(context.Background(), sess)
	require.NoError(t, err)

	mr.Close()

	_, err = store.Get(context.Background(), header(c))
	assert.Error(t, err)
}
