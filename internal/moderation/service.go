package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/metrics"
	"github.com/taptext/chat/internal/model"
	"github.com/taptext/chat/internal/store"
)

// Moderation error codes.
const (
	CodeSelfModeration    = "self_moderation"
	CodeInvalidTransition = "invalid_transition"
	CodeEmptyReason       = "empty_reason"
	CodeReasonTooLong     = "reason_too_long"
	CodeTarget            = "target"
)

// MaxReasonLength bounds a warning reason, in runes.
const MaxReasonLength = 280

// Config holds moderation policy.
type Config struct {
	WarningThreshold int    // warnings that trigger an automatic ban
	ProtectedAccount string // admin that cannot be demoted, banned or warned; empty for none
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		WarningThreshold: 3,
		ProtectedAccount: "AHDX",
	}
}

// Store is the subset of store.Store moderation needs.
type Store interface {
	FindUser(ctx context.Context, username string) (*model.User, error)
	UpdateUser(ctx context.Context, username string, fn store.MutateFunc) (*model.User, error)
	AddWarning(ctx context.Context, w model.Warning, fn store.MutateFunc) (*model.User, error)
	Warnings(ctx context.Context, username string) ([]model.Warning, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

// Listener is called after every committed change, outside any lock.
type Listener func(ctx context.Context, e Event)

// Service applies moderation transitions. Every transition is a single atomic
// read-modify-write in the store, so the router sees the new role on its next
// read with no caching in between.
type Service struct {
	store  Store
	config Config
	now    func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// NewService creates a Service. A threshold below 1 falls back to the default.
func NewService(st Store, config Config) *Service {
	if config.WarningThreshold < 1 {
		config.WarningThreshold = DefaultConfig().WarningThreshold
	}
	return &Service{
		store:  st,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the effective policy.
func (s *Service) Config() Config {
	return s.config
}

// OnChange registers a listener for committed changes.
func (s *Service) OnChange(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// IsProtected reports whether username is the protected administrator.
func (s *Service) IsProtected(username string) bool {
	return s.config.ProtectedAccount != "" && username == s.config.ProtectedAccount
}

// Promote moves target from user to admin. Promoting an admin is a no-op.
func (s *Service) Promote(ctx context.Context, actor, target string) (*model.User, error) {
	return s.transition(ctx, actor, target, ActionPromote, func(r model.Role) (model.Role, error) {
		switch r {
		case model.RoleUser, model.RoleAdmin:
			return model.RoleAdmin, nil
		case model.RoleBanned:
			return r, apperr.Validation(CodeInvalidTransition)
		default:
			return r, unknownRole(r)
		}
	})
}

// Demote moves target from admin to user. Demoting a user is a no-op.
func (s *Service) Demote(ctx context.Context, actor, target string) (*model.User, error) {
	return s.transition(ctx, actor, target, ActionDemote, func(r model.Role) (model.Role, error) {
		switch r {
		case model.RoleAdmin, model.RoleUser:
			return model.RoleUser, nil
		case model.RoleBanned:
			return r, apperr.Validation(CodeInvalidTransition)
		default:
			return r, unknownRole(r)
		}
	})
}

// Ban moves target to banned from any role. Banning a banned user is a no-op.
func (s *Service) Ban(ctx context.Context, actor, target string) (*model.User, error) {
	return s.transition(ctx, actor, target, ActionBan, func(r model.Role) (model.Role, error) {
		switch r {
		case model.RoleUser, model.RoleAdmin, model.RoleBanned:
			return model.RoleBanned, nil
		default:
			return r, unknownRole(r)
		}
	})
}

// Unban moves a banned target to user, never back to admin. Unbanning a user
// who is not banned is a no-op.
func (s *Service) Unban(ctx context.Context, actor, target string) (*model.User, error) {
	return s.transition(ctx, actor, target, ActionUnban, func(r model.Role) (model.Role, error) {
		switch r {
		case model.RoleBanned:
			return model.RoleUser, nil
		case model.RoleUser, model.RoleAdmin:
			return r, nil
		default:
			return r, unknownRole(r)
		}
	})
}

// Warn increments target's warning count and appends reason to the warning
// log. Reaching the threshold bans the target in the same atomic update.
func (s *Service) Warn(ctx context.Context, actor, target, reason string) (*model.User, error) {
	if err := s.authorize(ctx, actor, target, ActionWarn); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation(CodeEmptyReason)
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return nil, apperr.Validation(CodeReasonTooLong)
	}

	var prev model.Role
	autoBanned := false
	w := model.Warning{Username: target, Reason: reason, IssuedBy: actor, CreatedAt: s.now()}
	u, err := s.store.AddWarning(ctx, w, func(u *model.User) error {
		prev = u.Role
		u.WarningCount++
		if u.WarningCount >= s.config.WarningThreshold && u.Role != model.RoleBanned {
			u.Role = model.RoleBanned
			autoBanned = true
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if autoBanned {
		log.Printf("[moderation] auto-ban target=%s warnings=%d threshold=%d",
			target, u.WarningCount, s.config.WarningThreshold)
		metrics.ModerationActions.WithLabelValues("auto_ban").Inc()
	}
	s.commit(ctx, Event{
		Actor: actor, Action: ActionWarn, Target: target,
		PrevRole: prev, Role: u.Role, WarningCount: u.WarningCount,
		Reason: reason, AutoBanned: autoBanned, At: w.CreatedAt,
	})
	return u, nil
}

// Unwarn decrements target's warning count, floored at zero. It never changes
// the role, even when the count drops below the threshold.
func (s *Service) Unwarn(ctx context.Context, actor, target string) (*model.User, error) {
	if err := s.authorize(ctx, actor, target, ActionUnwarn); err != nil {
		return nil, err
	}

	changed := false
	u, err := s.store.UpdateUser(ctx, target, func(u *model.User) error {
		if u.WarningCount > 0 {
			u.WarningCount--
			changed = true
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if changed {
		s.commit(ctx, Event{
			Actor: actor, Action: ActionUnwarn, Target: target,
			PrevRole: u.Role, Role: u.Role, WarningCount: u.WarningCount, At: s.now(),
		})
	}
	return u, nil
}

// Apply dispatches action by name. reason is used only by warn.
func (s *Service) Apply(ctx context.Context, actor string, action Action, target, reason string) (*model.User, error) {
	switch action {
	case ActionPromote:
		return s.Promote(ctx, actor, target)
	case ActionDemote:
		return s.Demote(ctx, actor, target)
	case ActionBan:
		return s.Ban(ctx, actor, target)
	case ActionUnban:
		return s.Unban(ctx, actor, target)
	case ActionWarn:
		return s.Warn(ctx, actor, target, reason)
	case ActionUnwarn:
		return s.Unwarn(ctx, actor, target)
	default:
		return nil, apperr.Validation("unknown_action")
	}
}

// Warnings returns target's warning log. Admin only.
func (s *Service) Warnings(ctx context.Context, actor, target string) ([]model.Warning, error) {
	if err := s.requireAdmin(ctx, actor, "warnings", target); err != nil {
		return nil, err
	}
	entries, err := s.store.Warnings(ctx, target)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return entries, nil
}

// ListUsers returns every account with its moderation state. Admin only.
func (s *Service) ListUsers(ctx context.Context, actor string) ([]model.User, error) {
	if err := s.requireAdmin(ctx, actor, "list_users", ""); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("moderation: list users: %w", err)
	}
	return users, nil
}

// transition applies a role change computed by next from the target's current
// role, inside the store's atomic update.
func (s *Service) transition(ctx context.Context, actor, target string, action Action, next func(model.Role) (model.Role, error)) (*model.User, error) {
	if err := s.authorize(ctx, actor, target, action); err != nil {
		return nil, err
	}

	var prev model.Role
	u, err := s.store.UpdateUser(ctx, target, func(u *model.User) error {
		prev = u.Role
		r, err := next(u.Role)
		if err != nil {
			return err
		}
		u.Role = r
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if prev != u.Role {
		s.commit(ctx, Event{
			Actor: actor, Action: action, Target: target,
			PrevRole: prev, Role: u.Role, WarningCount: u.WarningCount, At: s.now(),
		})
	}
	return u, nil
}

// authorize checks, in order: the actor is a live admin, the actor is not the
// target, and the target is not protected from the action.
func (s *Service) authorize(ctx context.Context, actor, target string, action Action) error {
	if err := s.requireAdmin(ctx, actor, string(action), target); err != nil {
		return err
	}
	if actor == target {
		return s.deny(actor, string(action), target, CodeSelfModeration)
	}
	if s.IsProtected(target) {
		switch action {
		case ActionDemote, ActionBan, ActionWarn:
			return s.deny(actor, string(action), target, apperr.CodeProtectedAccount)
		}
	}
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, actor, action, target string) error {
	u, err := s.store.FindUser(ctx, actor)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.ErrInvalidSession
	}
	if err != nil {
		return fmt.Errorf("moderation: load actor: %w", err)
	}
	if u.Role != model.RoleAdmin {
		return s.deny(actor, action, target, apperr.CodeAdminOnly)
	}
	return nil
}

func (s *Service) deny(actor, action, target, code string) error {
	log.Printf("[moderation] DENIED actor=%s action=%s target=%s code=%s", actor, action, target, code)
	return apperr.Permission(code)
}

func (s *Service) commit(ctx context.Context, e Event) {
	metrics.ModerationActions.WithLabelValues(string(e.Action)).Inc()
	log.Printf("[moderation] actor=%s action=%s target=%s role=%s->%s warnings=%d",
		e.Actor, e.Action, e.Target, e.PrevRole, e.Role, e.WarningCount)

	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, e)
	}
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(CodeTarget)
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return fmt.Errorf("moderation: %w", err)
}

func unknownRole(r model.Role) error {
	return fmt.Errorf("moderation: unknown role %d", int(r))
}
