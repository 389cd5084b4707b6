// Package engine is the token-taking surface the transports call. Every
// operation resolves the caller through the session manager first and then
// delegates to the component that owns the behaviour.
package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/taptext/chat/internal/account"
	"github.com/taptext/chat/internal/follow"
	"github.com/taptext/chat/internal/model"
	"github.com/taptext/chat/internal/moderation"
	"github.com/taptext/chat/internal/protocol"
	"github.com/taptext/chat/internal/registry"
	"github.com/taptext/chat/internal/router"
	"github.com/taptext/chat/internal/session"
)

// Engine composes the session manager, connection registry, router,
// moderation service, follow graph and account service.
type Engine struct {
	sessions   *session.Manager
	accounts   *account.Service
	registry   *registry.Registry
	router     *router.Router
	moderation *moderation.Service
	follows    *follow.Graph
}

// Deps lists the components an Engine is built from.
type Deps struct {
	Sessions   *session.Manager
	Accounts   *account.Service
	Registry   *registry.Registry
	Router     *router.Router
	Moderation *moderation.Service
	Follows    *follow.Graph
}

// New creates an Engine and subscribes it to moderation changes and account
// deletions so live connections follow both.
func New(d Deps) *Engine {
	e := &Engine{
		sessions:   d.Sessions,
		accounts:   d.Accounts,
		registry:   d.Registry,
		router:     d.Router,
		moderation: d.Moderation,
		follows:    d.Follows,
	}
	e.moderation.OnChange(e.notifyRoleChange)
	e.accounts.OnDelete(e.dropConnections)
	return e
}

// Registry exposes the connection registry to the transport.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Register creates an account.
func (e *Engine) Register(ctx context.Context, username, displayName, password string) (*model.User, error) {
	return e.accounts.Register(ctx, username, displayName, password)
}

// Authenticate exchanges credentials for a session token.
func (e *Engine) Authenticate(ctx context.Context, username, password string) (string, *model.User, error) {
	return e.accounts.Authenticate(ctx, username, password)
}

// Logout revokes token.
func (e *Engine) Logout(ctx context.Context, token string) error {
	return e.accounts.Logout(ctx, token)
}

// ValidateSession resolves token to the current user record.
func (e *Engine) ValidateSession(ctx context.Context, token string) (*model.User, error) {
	return e.sessions.Validate(ctx, token)
}

// OnConnect authenticates token and registers c under its user. A connected
// frame is sent to c once it is registered.
func (e *Engine) OnConnect(ctx context.Context, token string, c registry.Conn) (*model.User, error) {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	e.registry.Register(u.Username, c)

	frame, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ConnID(),
		Username:     u.Username,
		Role:         u.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: connected frame: %w", err)
	}
	if err := c.Send(frame); err != nil {
		e.registry.Unregister(u.Username, c)
		return nil, fmt.Errorf("engine: connected frame: %w", err)
	}
	return u, nil
}

// OnDisconnect unregisters c. It reports whether c was still registered.
func (e *Engine) OnDisconnect(username string, c registry.Conn) bool {
	return e.registry.Unregister(username, c)
}

// OnSubmit sends body from the token's user to recipient. originID names the
// submitting connection, which receives an acknowledgement instead of an echo.
func (e *Engine) OnSubmit(ctx context.Context, token, recipient, body, originID string) (model.Message, error) {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return model.Message{}, err
	}
	return e.router.Submit(ctx, u.Username, recipient, body, originID)
}

// OnHistoryRequest returns the conversation between the token's user and
// other, every conversation of the user when other is empty, or every
// message when all is set and the user is an admin.
func (e *Engine) OnHistoryRequest(ctx context.Context, token, other string, all bool) ([]model.Message, error) {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return e.router.History(ctx, router.HistoryRequest{Requester: u.Username, With: other, All: all})
}

// Moderate applies action to target on behalf of the token's user.
func (e *Engine) Moderate(ctx context.Context, token string, action moderation.Action, target, reason string) (*model.User, error) {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return e.moderation.Apply(ctx, u.Username, action, target, reason)
}

func (e *Engine) Promote(ctx context.Context, token, target string) (*model.User, error) {
	return e.Moderate(ctx, token, moderation.ActionPromote, target, "")
}

func (e *Engine) Demote(ctx context.Context, token, target string) (*model.User, error) {
	return e.Moderate(ctx, token, moderation.ActionDemote, target, "")
}

func (e *Engine) Ban(ctx context.Context, token, target string) (*model.User, error) {
	return e.Moderate(ctx, token, moderation.ActionBan, target, "")
}

func (e *Engine) Unban(ctx context.Context, token, target string) (*model.User, error) {
	return e.Moderate(ctx, token, moderation.ActionUnban, target, "")
}

func (e *Engine) Warn(ctx context.Context, token, target, reason string) (*model.User, error) {
	return e.Moderate(ctx, token, moderation.ActionWarn, target, reason)
}

func (e *Engine) Unwarn(ctx context.Context, token, target string) (*model.User, error) {
	return e.Moderate(ctx, token, moderation.ActionUnwarn, target, "")
}

// Warnings returns target's warning log to an admin.
func (e *Engine) Warnings(ctx context.Context, token, target string) ([]model.Warning, error) {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return e.moderation.Warnings(ctx, u.Username, target)
}

// ListUsers returns every account to an admin.
func (e *Engine) ListUsers(ctx context.Context, token string) ([]model.User, error) {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return e.moderation.ListUsers(ctx, u.Username)
}

// Follow makes the token's user follow target.
func (e *Engine) Follow(ctx context.Context, token, target string) error {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return err
	}
	return e.follows.Follow(ctx, u.Username, target)
}

// Unfollow removes the token's user from target's followers.
func (e *Engine) Unfollow(ctx context.Context, token, target string) error {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return err
	}
	return e.follows.Unfollow(ctx, u.Username, target)
}

// Profile returns the public record of username to any signed-in user.
func (e *Engine) Profile(ctx context.Context, token, username string) (*model.User, error) {
	if _, err := e.sessions.Validate(ctx, token); err != nil {
		return nil, err
	}
	return e.accounts.Profile(ctx, username)
}

// Directory lists the public records of every account.
func (e *Engine) Directory(ctx context.Context, token string) ([]model.PublicUser, error) {
	if _, err := e.sessions.Validate(ctx, token); err != nil {
		return nil, err
	}
	return e.accounts.Directory(ctx)
}

// UpdateProfile edits the token's own account.
func (e *Engine) UpdateProfile(ctx context.Context, token string, p account.ProfileUpdate) (*model.User, error) {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return e.accounts.UpdateProfile(ctx, u.Username, p)
}

// DeleteAccount removes the token's own account and revokes token.
func (e *Engine) DeleteAccount(ctx context.Context, token string) error {
	u, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return err
	}
	if err := e.accounts.Delete(ctx, u.Username); err != nil {
		return err
	}
	return e.sessions.Destroy(ctx, token)
}

func (e *Engine) notifyRoleChange(_ context.Context, ev moderation.Event) {
	frame, err := protocol.NewServerMessage(protocol.TypeRoleChanged, protocol.RoleChangedMsg{
		Username:     ev.Target,
		Role:         ev.Role,
		WarningCount: ev.WarningCount,
	})
	if err != nil {
		log.Printf("[engine] role_changed frame for %s: %v", ev.Target, err)
		return
	}
	e.registry.Deliver(ev.Target, frame)
}

func (e *Engine) dropConnections(_ context.Context, username string) {
	e.registry.Drop(username)
}
