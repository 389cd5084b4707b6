// Package model defines the records shared by the messaging core and its
// persistence layer.
package model

import (
	"sort"
	"time"
)

// User is an identity and its moderation record.
type User struct {
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	WarningCount int       `json:"warningCount"`
	Bio          string    `json:"bio"`
	Followers    []string  `json:"followers"`
	Following    []string  `json:"following"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Clone returns a deep copy so callers never share follow slices with a store.
func (u *User) Clone() *User {
	c := *u
	c.Followers = append([]string(nil), u.Followers...)
	c.Following = append([]string(nil), u.Following...)
	return &c
}

// PublicUser is the subset of a user visible to other users.
type PublicUser struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	Bio         string `json:"bio"`
}

// Public strips moderation counters and the follow graph.
func (u *User) Public() PublicUser {
	return PublicUser{
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Bio:         u.Bio,
	}
}

// Message is one direct message. Messages are immutable once created.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Involves reports whether username is the sender or the recipient.
func (m *Message) Involves(username string) bool {
	return m.Sender == username || m.Recipient == username
}

// SortMessages orders messages by timestamp, then by ID.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Warning is one entry of the append-only warning log.
type Warning struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Reason    string    `json:"reason"`
	IssuedBy  string    `json:"issuedBy"`
	CreatedAt time.Time `json:"createdAt"`
}
