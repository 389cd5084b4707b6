package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/taptext/chat/internal/account"
	"github.com/taptext/chat/internal/credential"
	"github.com/taptext/chat/internal/engine"
	"github.com/taptext/chat/internal/follow"
	"github.com/taptext/chat/internal/moderation"
	"github.com/taptext/chat/internal/registry"
	"github.com/taptext/chat/internal/router"
	"github.com/taptext/chat/internal/session"
	"github.com/taptext/chat/internal/store"
)

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	sessions := session.NewManager(session.NewMemoryBackend(0), st, "test")
	accounts := account.NewService(st, credential.NewHasher(bcrypt.MinCost), sessions, account.Config{ProtectedAccount: "AHDX"})
	require.NoError(t, accounts.Bootstrap(ctx, "AHDX", "admin-password"))

	reg := registry.New(st)
	rt, err := router.New(ctx, st, reg, router.Config{})
	require.NoError(t, err)

	e := engine.New(engine.Deps{
		Sessions:   sessions,
		Accounts:   accounts,
		Registry:   reg,
		Router:     rt,
		Moderation: moderation.NewService(st, moderation.DefaultConfig()),
		Follows:    follow.New(st),
	})
	return NewRouter(e, Options{})
}

func do(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func login(t *testing.T, h http.Handler, username, password string) string {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/login", "", map[string]string{"username": username, "password": password})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	found := false
	for _, c := range rr.Result().Cookies() {
		if c.Name == session.CookieName && c.Value == resp.Token {
			found = true
		}
	}
	assert.True(t, found, "login sets the session cookie")
	return resp.Token
}

func register(t *testing.T, h http.Handler, username string) string {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/register", "", map[string]string{"username": username, "password": "password"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return login(t, h, username, "password")
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	return e
}

func TestRegisterAndLogin(t *testing.T) {
	h := setupRouter(t)
	tok := register(t, h, "alice")

	rr := do(t, h, http.MethodGet, "/me", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"username":"alice"`)
	assert.NotContains(t, rr.Body.String(), "password")

	t.Run("duplicate username", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/register", "", map[string]string{"username": "alice", "password": "password"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "username_taken", decodeError(t, rr).Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/register", "", map[string]string{"username": "dave"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_request", decodeError(t, rr).Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/login", "", map[string]string{"username": "alice", "password": "nope-nope"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		e := decodeError(t, rr)
		assert.Equal(t, "auth", e.Kind)
		assert.Equal(t, "invalid_credentials", e.Code)
	})

	t.Run("logout", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/logout", tok, nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = do(t, h, http.MethodGet, "/me", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "please log in again", decodeError(t, rr).Error)
	})
}

func TestMessagesAndModeration(t *testing.T) {
	h := setupRouter(t)
	alice := register(t, h, "alice")
	bob := register(t, h, "bob")
	admin := login(t, h, "AHDX", "admin-password")

	rr := do(t, h, http.MethodPost, "/messages", alice, map[string]string{"to": "bob", "body": "hi"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/messages?with=alice", bob, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var msgs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0]["body"])

	rr = do(t, h, http.MethodGet, "/messages?all=true", alice, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/admin/ban", alice, map[string]string{"target": "bob"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "admin_only", decodeError(t, rr).Code)

	rr = do(t, h, http.MethodPost, "/admin/ban", admin, map[string]string{"target": "bob"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"role":"banned"`)

	rr = do(t, h, http.MethodPost, "/messages", alice, map[string]string{"to": "bob", "body": "hello"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	e := decodeError(t, rr)
	assert.Equal(t, "delivery_rejected", e.Kind)
	assert.Equal(t, "message not delivered", e.Error)

	rr = do(t, h, http.MethodGet, "/messages?with=bob", alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msgs))
	assert.Len(t, msgs, 1)

	rr = do(t, h, http.MethodPost, "/admin/demote", admin, map[string]string{"target": "AHDX"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/admin/frobnicate", admin, map[string]string{"target": "bob"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWarningsEndpoint(t *testing.T) {
	h := setupRouter(t)
	register(t, h, "carol")
	admin := login(t, h, "AHDX", "admin-password")

	for i := 0; i < 3; i++ {
		rr := do(t, h, http.MethodPost, "/admin/warn", admin, map[string]string{"target": "carol", "reason": "spam"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr := do(t, h, http.MethodGet, "/admin/users/carol/warnings", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var warnings []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &warnings))
	assert.Len(t, warnings, 3)

	rr = do(t, h, http.MethodGet, "/admin/users", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"role":"banned"`)
}

func TestFollowAndProfile(t *testing.T) {
	h := setupRouter(t)
	alice := register(t, h, "alice")
	register(t, h, "bob")

	rr := do(t, h, http.MethodPost, "/users/bob/follow", alice, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodPost, "/users/alice/follow", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "self_follow", decodeError(t, rr).Code)

	rr = do(t, h, http.MethodGet, "/users/bob", alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var p profileResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, []string{"alice"}, p.Followers)

	rr = do(t, h, http.MethodGet, "/users/nobody", alice, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	bio := "hello"
	rr = do(t, h, http.MethodPut, "/me", alice, map[string]*string{"bio": &bio})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"bio":"hello"`)

	rr = do(t, h, http.MethodGet, "/users", alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"username":"bob"`)

	rr = do(t, h, http.MethodDelete, "/me", alice, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodGet, "/me", alice, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t)
	rr := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "taptext_")
}
