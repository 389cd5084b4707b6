package moderation

import (
	"time"

	"github.com/taptext/chat/internal/model"
)

// Action names a moderation operation.
type Action string

const (
	ActionPromote Action = "promote"
	ActionDemote  Action = "demote"
	ActionBan     Action = "ban"
	ActionUnban   Action = "unban"
	ActionWarn    Action = "warn"
	ActionUnwarn  Action = "unwarn"
)

// Actions lists every action, in the order the admin surface presents them.
var Actions = []Action{ActionPromote, ActionDemote, ActionBan, ActionUnban, ActionWarn, ActionUnwarn}

// ParseAction validates an action name.
func ParseAction(s string) (Action, bool) {
	for _, a := range Actions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Event describes one committed moderation change. It is handed to change
// listeners and published on the audit stream.
type Event struct {
	Actor        string     `json:"actor"`
	Action       Action     `json:"action"`
	Target       string     `json:"target"`
	PrevRole     model.Role `json:"prev_role"`
	Role         model.Role `json:"role"`
	WarningCount int        `json:"warning_count"`
	Reason       string     `json:"reason,omitempty"`
	AutoBanned   bool       `json:"auto_banned,omitempty"`
	At           time.Time  `json:"at"`
}

// RoleChanged reports whether the event moved the target to a new role.
func (e Event) RoleChanged() bool {
	return e.PrevRole != e.Role
}
