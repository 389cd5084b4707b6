package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/metrics"
	"github.com/taptext/chat/internal/model"
	"github.com/taptext/chat/internal/store"
)

func newTestManager(t *testing.T, names ...string) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	for _, n := range names {
		require.NoError(t, st.InsertUser(context.Background(), &model.User{Username: n, PasswordHash: "x"}))
	}
	return NewManager(NewMemoryBackend(0), st, "test"), st
}

func TestCreateAndValidate(t *testing.T) {
	m, _ := newTestManager(t, "alice")
	ctx := context.Background()

	token, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	parsed, err := uuid.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())

	u, err := m.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestTokensAreUnique(t *testing.T) {
	m, _ := newTestManager(t, "alice")
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := m.Create(context.Background(), "alice")
		require.NoError(t, err)
		require.False(t, seen[token], "duplicate token %s", token)
		seen[token] = true
	}
}

func TestValidateUnknownToken(t *testing.T) {
	m, _ := newTestManager(t)
	for _, token := range []string{"", "nope"} {
		_, err := m.Validate(context.Background(), token)
		assert.ErrorIs(t, err, apperr.ErrInvalidSession)
	}
}

func TestValidateAfterUserDeleted(t *testing.T) {
	m, st := newTestManager(t, "alice")
	ctx := context.Background()

	token, err := m.Create(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, st.DeleteUser(ctx, "alice"))

	_, err = m.Validate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrInvalidSession)
	assert.Equal(t, 0, m.backend.(*MemoryBackend).Len(), "stale session should be purged")
}

func TestValidateAfterUsernameReused(t *testing.T) {
	m, st := newTestManager(t, "alice")
	ctx := context.Background()

	token, err := m.Create(ctx, "alice")
	require.NoError(t, err)
	old, err := st.FindUser(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, st.DeleteUser(ctx, "alice"))
	require.NoError(t, st.InsertUser(ctx, &model.User{
		Username:     "alice",
		PasswordHash: "y",
		CreatedAt:    old.CreatedAt.Add(time.Second),
	}))

	_, err = m.Validate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrInvalidSession)
	assert.Equal(t, 0, m.backend.(*MemoryBackend).Len(), "stale session should be purged")

	fresh, err := m.Create(ctx, "alice")
	require.NoError(t, err)
	u, err := m.Validate(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, "y", u.PasswordHash)
}

func TestCreateUnknownUser(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func activeSessions(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.SessionsActive.Write(&m))
	return m.GetGauge().GetValue()
}

func TestPurgeReleasesActiveSession(t *testing.T) {
	m, st := newTestManager(t, "alice")
	ctx := context.Background()

	token, err := m.Create(ctx, "alice")
	require.NoError(t, err)
	before := activeSessions(t)

	require.NoError(t, st.DeleteUser(ctx, "alice"))
	_, err = m.Validate(ctx, token)
	require.ErrorIs(t, err, apperr.ErrInvalidSession)
	assert.Equal(t, before-1, activeSessions(t))

	// a second lookup finds nothing left to release
	_, err = m.Validate(ctx, token)
	require.ErrorIs(t, err, apperr.ErrInvalidSession)
	assert.Equal(t, before-1, activeSessions(t))
}

func TestBannedUserStillValidates(t *testing.T) {
	m, st := newTestManager(t, "bob")
	ctx := context.Background()

	token, err := m.Create(ctx, "bob")
	require.NoError(t, err)
	_, err = st.UpdateUser(ctx, "bob", func(u *model.User) error { u.Role = model.RoleBanned; return nil })
	require.NoError(t, err)

	u, err := m.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleBanned, u.Role)
}

func TestDestroyIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, "alice")
	ctx := context.Background()

	token, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, token))
	require.NoError(t, m.Destroy(ctx, token))
	require.NoError(t, m.Destroy(ctx, ""))

	_, err = m.Validate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrInvalidSession)
}

func TestMemoryBackendExpiry(t *testing.T) {
	b := NewMemoryBackend(time.Minute)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, Session{Token: "t", Username: "alice", LastActive: now.Unix()}))

	now = now.Add(30 * time.Second)
	s, err := b.Get(ctx, "t")
	require.NoError(t, err)
	require.NotNil(t, s)

	before := activeSessions(t)
	now = now.Add(2 * time.Minute)
	s, err = b.Get(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, before-1, activeSessions(t), "expired session should leave the gauge")
	assert.Equal(t, 0, b.Len())
}

func TestFromRequest(t *testing.T) {
	cases := []struct {
		name       string
		cookie     string
		auth       string
		query      string
		allowQuery bool
		want       string
	}{
		{name: "cookie", cookie: "c1", want: "c1"},
		{name: "bearer", auth: "Bearer b1", want: "b1"},
		{name: "bearer lowercase", auth: "bearer b2", want: "b2"},
		{name: "basic ignored", auth: "Basic xyz", want: ""},
		{name: "query allowed", query: "q1", allowQuery: true, want: "q1"},
		{name: "query disallowed", query: "q1", want: ""},
		{name: "cookie wins", cookie: "c1", auth: "Bearer b1", want: "c1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/ws"
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			r := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.cookie != "" {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: tc.cookie})
			}
			if tc.auth != "" {
				r.Header.Set("Authorization", tc.auth)
			}
			assert.Equal(t, tc.want, FromRequest(r, tc.allowQuery))
		})
	}
}

// newRedisTestBackend connects to a local Redis instance. Tests using it
// require Redis on localhost:6379.
func newRedisTestBackend(t *testing.T) *RedisBackend {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisBackendWithClient(client, time.Minute)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	b := newRedisTestBackend(t)
	ctx := context.Background()
	token := "test_" + uuid.NewString()
	t.Cleanup(func() { b.Delete(ctx, token) })

	require.NoError(t, b.Put(ctx, Session{Token: token, Username: "alice", Server: "ws-1", UserSince: 42, CreatedAt: 1}))

	s, err := b.Get(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "alice", s.Username)
	assert.Equal(t, "ws-1", s.Server)
	assert.Equal(t, int64(42), s.UserSince)

	ttl, err := b.Client().TTL(ctx, SessionPrefix+token).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, b.Delete(ctx, token))
	s, err = b.Get(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, s)
}
