// Package account handles registration, login and logout, profile edits,
// account deletion and the bootstrap of the protected administrator.
package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/credential"
	"github.com/taptext/chat/internal/model"
	"github.com/taptext/chat/internal/store"
)

// Validation codes.
const (
	CodeInvalidUsername    = "invalid_username"
	CodeUsernameTaken      = "username_taken"
	CodeWeakPassword       = "weak_password"
	CodeDisplayNameTooLong = "display_name_too_long"
	CodeBioTooLong         = "bio_too_long"
	CodeUser               = "user"
	MinPasswordBytes       = 6
	MaxPasswordBytes       = 72 // bcrypt ignores anything longer
	MaxDisplayNameRunes    = 64
	MaxBioRunes            = 280
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

// Store is the subset of store.Store accounts need.
type Store interface {
	FindUser(ctx context.Context, username string) (*model.User, error)
	InsertUser(ctx context.Context, u *model.User) error
	UpdateUser(ctx context.Context, username string, fn store.MutateFunc) (*model.User, error)
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]model.User, error)
}

// Hasher is the credential capability.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) error
}

// Sessions issues and revokes login sessions.
type Sessions interface {
	Create(ctx context.Context, username string) (string, error)
	Destroy(ctx context.Context, token string) error
}

// Config holds account policy.
type Config struct {
	ProtectedAccount string // cannot be deleted
}

// DeleteListener is called after username has been deleted.
type DeleteListener func(ctx context.Context, username string)

// Service implements the account operations.
type Service struct {
	store    Store
	hasher   Hasher
	sessions Sessions
	config   Config
	policy   *bluemonday.Policy

	mu       sync.RWMutex
	onDelete []DeleteListener
}

// NewService creates a Service.
func NewService(st Store, hasher Hasher, sessions Sessions, config Config) *Service {
	return &Service{
		store:    st,
		hasher:   hasher,
		sessions: sessions,
		config:   config,
		policy:   bluemonday.StrictPolicy(),
	}
}

// OnDelete registers a callback run after an account is deleted.
func (s *Service) OnDelete(fn DeleteListener) {
	s.mu.Lock()
	s.onDelete = append(s.onDelete, fn)
	s.mu.Unlock()
}

// Register creates a user account with role user.
func (s *Service) Register(ctx context.Context, username, displayName, password string) (*model.User, error) {
	if !usernamePattern.MatchString(username) {
		return nil, apperr.Validation(CodeInvalidUsername)
	}
	if err := checkPassword(password); err != nil {
		return nil, err
	}
	name, err := s.cleanDisplayName(displayName, username)
	if err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("account: register: %w", err)
	}

	u := &model.User{
		Username:     username,
		DisplayName:  name,
		PasswordHash: hash,
		Role:         model.RoleUser,
	}
	err = s.store.InsertUser(ctx, u)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.Validation(CodeUsernameTaken)
	}
	if err != nil {
		return nil, fmt.Errorf("account: register: %w", err)
	}

	log.Printf("[account] registered user=%s", username)
	return s.store.FindUser(ctx, username)
}

// Authenticate verifies credentials and opens a session. An unknown user and
// a wrong password fail identically. Banned users can log in.
func (s *Service) Authenticate(ctx context.Context, username, password string) (string, *model.User, error) {
	u, err := s.store.FindUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, apperr.Auth(apperr.CodeInvalidCredentials)
	}
	if err != nil {
		return "", nil, fmt.Errorf("account: authenticate: %w", err)
	}

	err = s.hasher.Verify(u.PasswordHash, password)
	if errors.Is(err, credential.ErrMismatch) {
		log.Printf("[account] failed login user=%s", username)
		return "", nil, apperr.Auth(apperr.CodeInvalidCredentials)
	}
	if err != nil {
		return "", nil, fmt.Errorf("account: authenticate: %w", err)
	}

	token, err := s.sessions.Create(ctx, username)
	if err != nil {
		return "", nil, fmt.Errorf("account: authenticate: %w", err)
	}
	return token, u, nil
}

// Logout destroys the session. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Destroy(ctx, token)
}

// ProfileUpdate carries the fields to change; nil fields are left alone.
type ProfileUpdate struct {
	DisplayName *string
	Bio         *string
	Password    *string
}

// UpdateProfile changes username's display name, bio or password.
func (s *Service) UpdateProfile(ctx context.Context, username string, p ProfileUpdate) (*model.User, error) {
	var name, bio, hash string
	var err error

	if p.DisplayName != nil {
		if name, err = s.cleanDisplayName(*p.DisplayName, username); err != nil {
			return nil, err
		}
	}
	if p.Bio != nil {
		bio = s.policy.Sanitize(strings.TrimSpace(*p.Bio))
		if utf8.RuneCountInString(bio) > MaxBioRunes {
			return nil, apperr.Validation(CodeBioTooLong)
		}
	}
	if p.Password != nil {
		if err := checkPassword(*p.Password); err != nil {
			return nil, err
		}
		if hash, err = s.hasher.Hash(*p.Password); err != nil {
			return nil, fmt.Errorf("account: update profile: %w", err)
		}
	}

	u, err := s.store.UpdateUser(ctx, username, func(u *model.User) error {
		if p.DisplayName != nil {
			u.DisplayName = name
		}
		if p.Bio != nil {
			u.Bio = bio
		}
		if p.Password != nil {
			u.PasswordHash = hash
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("account: update profile: %w", err)
	}
	return u, nil
}

// Profile returns the public record of username.
func (s *Service) Profile(ctx context.Context, username string) (*model.User, error) {
	u, err := s.store.FindUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(CodeUser)
	}
	if err != nil {
		return nil, fmt.Errorf("account: profile: %w", err)
	}
	return u, nil
}

// Directory lists every account's public record ordered by username.
func (s *Service) Directory(ctx context.Context) ([]model.PublicUser, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("account: directory: %w", err)
	}
	out := make([]model.PublicUser, 0, len(users))
	for i := range users {
		out = append(out, users[i].Public())
	}
	return out, nil
}

// Delete removes username. Its sessions stop validating and delete listeners
// drop its live connections. The protected administrator cannot be deleted.
func (s *Service) Delete(ctx context.Context, username string) error {
	if s.config.ProtectedAccount != "" && username == s.config.ProtectedAccount {
		return apperr.Permission(apperr.CodeProtectedAccount)
	}

	err := s.store.DeleteUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(CodeUser)
	}
	if err != nil {
		return fmt.Errorf("account: delete: %w", err)
	}

	log.Printf("[account] deleted user=%s", username)

	s.mu.RLock()
	listeners := append([]DeleteListener(nil), s.onDelete...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, username)
	}
	return nil
}

// Bootstrap makes sure username exists with role admin. A missing account is
// created with password; an existing one keeps its password and is restored
// to admin.
func (s *Service) Bootstrap(ctx context.Context, username, password string) error {
	_, err := s.store.FindUser(ctx, username)
	switch {
	case err == nil:
		_, err = s.store.UpdateUser(ctx, username, func(u *model.User) error {
			u.Role = model.RoleAdmin
			return nil
		})
		if err != nil {
			return fmt.Errorf("account: bootstrap %s: %w", username, err)
		}
		log.Printf("[account] bootstrap admin=%s present", username)
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("account: bootstrap %s: %w", username, err)
	}

	if password == "" {
		return fmt.Errorf("account: bootstrap %s: no password configured", username)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("account: bootstrap %s: %w", username, err)
	}
	err = s.store.InsertUser(ctx, &model.User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("account: bootstrap %s: %w", username, err)
	}
	log.Printf("[account] bootstrap admin=%s created", username)
	return nil
}

func (s *Service) cleanDisplayName(raw, fallback string) (string, error) {
	name := strings.TrimSpace(s.policy.Sanitize(strings.TrimSpace(raw)))
	if name == "" {
		return fallback, nil
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameRunes {
		return "", apperr.Validation(CodeDisplayNameTooLong)
	}
	return name, nil
}

func checkPassword(p string) error {
	if len(p) < MinPasswordBytes || len(p) > MaxPasswordBytes {
		return apperr.Validation(CodeWeakPassword)
	}
	return nil
}
