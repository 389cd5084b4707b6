package messaging

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/taptext/chat/internal/model"
	"github.com/taptext/chat/internal/moderation"
)

// Publisher is the publish half of NATSClient.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// MessageRecord is the payload of audit.message.
type MessageRecord struct {
	Server    string    `json:"server"`
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// ModerationRecord is the payload of audit.moderation.
type ModerationRecord struct {
	Server string `json:"server"`
	moderation.Event
}

// Auditor publishes audit records. Publication is best-effort: failures are
// logged and never reach the caller. A nil Auditor discards everything.
type Auditor struct {
	pub    Publisher
	server string
}

// NewAuditor creates an Auditor tagging records with server.
func NewAuditor(pub Publisher, server string) *Auditor {
	return &Auditor{pub: pub, server: server}
}

// Message publishes m on audit.message. Its signature matches router.Listener.
func (a *Auditor) Message(_ context.Context, m model.Message) {
	if a == nil {
		return
	}
	a.publish(SubjectAuditMessage, MessageRecord{
		Server:    a.server,
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Body:      m.Body,
		Timestamp: m.Timestamp,
	})
}

// Moderation publishes e on audit.moderation. Its signature matches
// moderation.Listener.
func (a *Auditor) Moderation(_ context.Context, e moderation.Event) {
	if a == nil {
		return
	}
	a.publish(SubjectAuditModeration, ModerationRecord{Server: a.server, Event: e})
}

func (a *Auditor) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[audit] marshal %s: %v", subject, err)
		return
	}
	if err := a.pub.Publish(subject, data); err != nil {
		log.Printf("[audit] publish %s: %v", subject, err)
	}
}
