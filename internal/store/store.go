// Package store persists users, the follow graph, the warning log and direct
// messages. The messaging core consumes it as find/insert/update operations
// keyed by username; two implementations are provided: an in-memory store for
// development and tests, and a PostgreSQL store for production.
package store

import (
	"context"
	"errors"

	"github.com/taptext/chat/internal/model"
)

var (
	// ErrNotFound is returned when a referenced user does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when inserting a username that already exists.
	ErrDuplicate = errors.New("store: duplicate")
)

// MessageFilter selects messages for FindMessages. With All set every message
// is returned. Otherwise Participant must be a party; if Peer is also set only
// the conversation pair {Participant, Peer} is returned.
type MessageFilter struct {
	All         bool
	Participant string
	Peer        string
}

// Match reports whether m is selected by f.
func (f MessageFilter) Match(m *model.Message) bool {
	if f.All {
		return true
	}
	if !m.Involves(f.Participant) {
		return false
	}
	if f.Peer == "" {
		return true
	}
	return m.Involves(f.Peer)
}

// MutateFunc edits a user inside an atomic read-modify-write. Returning an
// error aborts the update and is passed through to the caller unchanged.
type MutateFunc func(u *model.User) error

// Store is the persistence collaborator. All methods are safe for concurrent
// use. Users returned by Store are copies; mutating them has no effect.
type Store interface {
	// FindUser returns the user with the given username, including both sides
	// of its follow relation, or ErrNotFound.
	FindUser(ctx context.Context, username string) (*model.User, error)

	// InsertUser creates u. It returns ErrDuplicate if the username is taken.
	InsertUser(ctx context.Context, u *model.User) error

	// UpdateUser atomically applies fn to the current record of username and
	// persists the result. Username, follow sets and creation time are not
	// writable through fn.
	UpdateUser(ctx context.Context, username string, fn MutateFunc) (*model.User, error)

	// AddWarning appends w to the warning log and applies fn to w.Username in
	// the same atomic unit. If fn fails nothing is written.
	AddWarning(ctx context.Context, w model.Warning, fn MutateFunc) (*model.User, error)

	// Warnings returns the warning log of username, oldest first.
	Warnings(ctx context.Context, username string) ([]model.Warning, error)

	// DeleteUser removes username and its follow edges. Messages are kept.
	DeleteUser(ctx context.Context, username string) error

	// ListUsers returns every user ordered by username.
	ListUsers(ctx context.Context) ([]model.User, error)

	// UsernamesByRole returns the usernames currently holding role.
	UsernamesByRole(ctx context.Context, role model.Role) ([]string, error)

	// Follow records follower -> followee on both sides at once. Following
	// twice is a no-op. Both users must exist.
	Follow(ctx context.Context, follower, followee string) error

	// Unfollow removes follower -> followee. Absent edges are not an error.
	Unfollow(ctx context.Context, follower, followee string) error

	// InsertMessage persists m with its router-assigned ID and timestamp.
	InsertMessage(ctx context.Context, m model.Message) error

	// FindMessages returns the messages selected by f ordered by timestamp,
	// then by ID.
	FindMessages(ctx context.Context, f MessageFilter) ([]model.Message, error)

	// LastMessageID returns the highest stored message ID, or 0.
	LastMessageID(ctx context.Context) (int64, error)

	Close() error
}
