package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/taptext/chat/internal/model"
)

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","to":"bob","body":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.To != "bob" || sm.Body != "hi" {
		t.Errorf("unexpected payload: %+v", sm)
	}
}

func TestParseClientMessage_History(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"history","all":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeHistory {
		t.Fatalf("expected type %q, got %q", TypeHistory, msgType)
	}
	hm := msg.(HistoryMsg)
	if !hm.All || hm.With != "" {
		t.Errorf("unexpected payload: %+v", hm)
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"unknown type", `{"type":"typing","is_typing":true}`, "typing"},
		{"server only type", `{"type":"dm"}`, "dm"},
		{"bad payload", `{"type":"send","to":42}`, "send"},
		{"missing type", `{"to":"bob"}`, ""},
		{"not json", `{nope`, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if msg != nil {
				t.Errorf("expected nil message, got %v", msg)
			}
			if msgType != tc.wantType {
				t.Errorf("expected returned type %q, got %q", tc.wantType, msgType)
			}
		})
	}
}

func TestNewServerMessage_DM(t *testing.T) {
	m := model.Message{
		ID:        7,
		Sender:    "alice",
		Recipient: "bob",
		Body:      "hi",
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	data, err := NewServerMessage(TypeDM, DMMsg{Message: m})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded DMMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeDM {
		t.Errorf("expected type %q, got %q", TypeDM, decoded.Type)
	}
	if decoded.Message.ID != 7 || decoded.Message.Sender != "alice" {
		t.Errorf("unexpected message: %+v", decoded.Message)
	}
	if !decoded.Message.Timestamp.Equal(m.Timestamp) {
		t.Errorf("timestamp mismatch: %v vs %v", decoded.Message.Timestamp, m.Timestamp)
	}
}

func TestNewServerMessage_RoleChanged(t *testing.T) {
	data, err := NewServerMessage(TypeRoleChanged, RoleChangedMsg{
		Username:     "bob",
		Role:         model.RoleBanned,
		WarningCount: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeRoleChanged {
		t.Errorf("expected type %q, got %v", TypeRoleChanged, result["type"])
	}
	if result["role"] != "banned" {
		t.Errorf("expected role %q, got %v", "banned", result["role"])
	}
	if result["warning_count"] != float64(3) {
		t.Errorf("expected warning_count 3, got %v", result["warning_count"])
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypePong, []string{"x"}); err == nil {
		t.Fatal("expected error for array payload")
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"data":"no type field"}`), &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}
