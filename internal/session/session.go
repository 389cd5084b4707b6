// Package session issues, validates and revokes login sessions. A session is an
// opaque random token bound to one username; the Manager is the only place the
// rest of the server learns who is making a call.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/metrics"
	"github.com/taptext/chat/internal/model"
	"github.com/taptext/chat/internal/store"
)

// Session is the stored binding between a token and a username. UserSince
// pins the binding to one account: a username deleted and registered again
// gets a new creation time, so older tokens stop matching.
type Session struct {
	Token      string `redis:"token"`
	Username   string `redis:"username"`
	UserSince  int64  `redis:"user_since"`  // bound user's creation time, unix microseconds
	Server     string `redis:"server"`      // instance that issued the token
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Backend stores sessions. Get returns nil, nil for an unknown token.
type Backend interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
	Close() error
}

// UserFinder resolves the user bound to a session.
type UserFinder interface {
	FindUser(ctx context.Context, username string) (*model.User, error)
}

// Manager creates and validates sessions against a Backend and the user store.
type Manager struct {
	backend    Backend
	users      UserFinder
	serverName string
	now        func() time.Time
}

// NewManager returns a Manager. serverName is recorded on every session so a
// shared Redis backend shows which instance issued it.
func NewManager(backend Backend, users UserFinder, serverName string) *Manager {
	return &Manager{
		backend:    backend,
		users:      users,
		serverName: serverName,
		now:        time.Now,
	}
}

// Create issues a new token for username. Tokens are version 4 UUIDs.
func (m *Manager) Create(ctx context.Context, username string) (string, error) {
	u, err := m.users.FindUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}

	token := uuid.NewString()
	now := m.now().Unix()

	err = m.backend.Put(ctx, Session{
		Token:      token,
		Username:   username,
		UserSince:  u.CreatedAt.UnixMicro(),
		Server:     m.serverName,
		CreatedAt:  now,
		LastActive: now,
	})
	if err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}

	metrics.SessionsActive.Inc()
	log.Printf("[session] created user=%s", username)
	return token, nil
}

// Validate returns the current record of the user bound to token. It fails
// with an invalid_session AuthError when the token is unknown or the account it
// was issued for no longer exists, even if the username has since been
// registered again; in the latter cases the stale session is removed. Banned
// users validate normally.
func (m *Manager) Validate(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperr.ErrInvalidSession
	}

	s, err := m.backend.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("session: validate: %w", err)
	}
	if s == nil {
		return nil, apperr.ErrInvalidSession
	}

	u, err := m.users.FindUser(ctx, s.Username)
	if errors.Is(err, store.ErrNotFound) {
		m.purge(ctx, s)
		return nil, apperr.ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("session: validate: %w", err)
	}
	if u.CreatedAt.UnixMicro() != s.UserSince {
		m.purge(ctx, s)
		return nil, apperr.ErrInvalidSession
	}
	return u, nil
}

// purge removes a session whose account is gone.
func (m *Manager) purge(ctx context.Context, s *Session) {
	if err := m.backend.Delete(ctx, s.Token); err != nil {
		log.Printf("[session] purge stale token for user=%s: %v", s.Username, err)
		return
	}
	metrics.SessionsActive.Dec()
	log.Printf("[session] purged stale token for user=%s", s.Username)
}

// Destroy removes token. Destroying an unknown token is not an error.
func (m *Manager) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	s, err := m.backend.Get(ctx, token)
	if err != nil {
		return fmt.Errorf("session: destroy: %w", err)
	}
	if s == nil {
		return nil
	}
	if err := m.backend.Delete(ctx, token); err != nil {
		return fmt.Errorf("session: destroy: %w", err)
	}

	metrics.SessionsActive.Dec()
	log.Printf("[session] destroyed user=%s", s.Username)
	return nil
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
