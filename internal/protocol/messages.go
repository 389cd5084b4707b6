// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the DM server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/taptext/chat/internal/model"
)

// Client -> Server message types.
const (
	TypeSend    = "send"
	TypeHistory = "history" // also the server's reply type
	TypePing    = "ping"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeDM          = "dm"
	TypeSent        = "sent"
	TypeRoleChanged = "role_changed"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// SendMsg submits a direct message to another user.
type SendMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// HistoryMsg asks for stored messages. With names the conversation partner;
// All asks for every message in the system and is honoured for admins only.
type HistoryMsg struct {
	Type string `json:"type"`
	With string `json:"with,omitempty"`
	All  bool   `json:"all,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ConnectedMsg is sent once the connection is authenticated and registered.
type ConnectedMsg struct {
	Type         string     `json:"type"`
	ConnectionID string     `json:"connection_id"`
	Username     string     `json:"username"`
	Role         model.Role `json:"role"`
}

// DMMsg delivers a message to the recipient, the sender's other connections
// and observing admins.
type DMMsg struct {
	Type    string        `json:"type"`
	Message model.Message `json:"message"`
}

// SentMsg acknowledges a send on the connection it arrived on.
type SentMsg struct {
	Type    string        `json:"type"`
	Message model.Message `json:"message"`
}

// HistoryResultMsg answers a HistoryMsg.
type HistoryResultMsg struct {
	Type     string          `json:"type"`
	With     string          `json:"with,omitempty"`
	All      bool            `json:"all,omitempty"`
	Messages []model.Message `json:"messages"`
}

// RoleChangedMsg tells a user that a moderator changed their account.
type RoleChangedMsg struct {
	Type         string     `json:"type"`
	Username     string     `json:"username"`
	Role         model.Role `json:"role"`
	WarningCount int        `json:"warning_count"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg reports a failed request. Kind and Code are machine readable;
// Message is shown to the user.
type ErrorMsg struct {
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHistory:
		var m HistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with msgType injected under "type". The
// payload must encode to a JSON object.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
