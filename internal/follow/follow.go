// Package follow maintains the follower/following relation between users.
package follow

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/store"
)

// Error codes.
const (
	CodeSelfFollow = "self_follow"
	CodeUser       = "user"
)

// Store is the subset of store.Store the graph needs. Follow must update both
// sides of the relation atomically.
type Store interface {
	Follow(ctx context.Context, follower, followee string) error
	Unfollow(ctx context.Context, follower, followee string) error
}

// Graph applies follow and unfollow requests.
type Graph struct {
	store Store
}

// New creates a Graph.
func New(st Store) *Graph {
	return &Graph{store: st}
}

// Follow makes a follow b. Following twice is a no-op.
func (g *Graph) Follow(ctx context.Context, a, b string) error {
	if a == b {
		return apperr.Validation(CodeSelfFollow)
	}
	err := g.store.Follow(ctx, a, b)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(CodeUser)
	}
	if err != nil {
		return fmt.Errorf("follow: %w", err)
	}
	log.Printf("[follow] %s -> %s", a, b)
	return nil
}

// Unfollow removes a -> b. Removing an absent edge is not an error.
func (g *Graph) Unfollow(ctx context.Context, a, b string) error {
	if err := g.store.Unfollow(ctx, a, b); err != nil {
		return fmt.Errorf("follow: unfollow: %w", err)
	}
	return nil
}
