package model

import "fmt"

// Role is a user's moderation state. The three values are mutually exclusive.
type Role int

const (
	RoleUser   Role = iota // default: can send and receive direct messages
	RoleAdmin              // can moderate and observes every delivered message
	RoleBanned             // can authenticate, cannot send or receive
)

// Roles lists every valid role.
var Roles = []Role{RoleUser, RoleAdmin, RoleBanned}

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	case RoleBanned:
		return "banned"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole converts the stored name of a role back to a Role. Unlike a
// permissive parser it never falls back to RoleUser: an unknown name is a
// corrupt record.
func ParseRole(s string) (Role, error) {
	switch s {
	case "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	case "banned":
		return RoleBanned, nil
	default:
		return 0, fmt.Errorf("model: unknown role %q", s)
	}
}

// Valid returns true if r is one of Roles.
func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleBanned
}

// CanParticipate reports whether a user holding r may send or receive messages.
func (r Role) CanParticipate() bool {
	switch r {
	case RoleUser, RoleAdmin:
		return true
	case RoleBanned:
		return false
	default:
		panic(fmt.Sprintf("model: unhandled role %d", int(r)))
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("model: invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
