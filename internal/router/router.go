// Package router accepts direct messages, decides whether both parties may
// take part, assigns ordering metadata, persists the message and fans it out
// to the recipient, the sender's other devices and every online admin.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/metrics"
	"github.com/taptext/chat/internal/model"
	"github.com/taptext/chat/internal/moderation"
	"github.com/taptext/chat/internal/protocol"
	"github.com/taptext/chat/internal/store"
)

// Store is the subset of store.Store the router needs.
type Store interface {
	FindUser(ctx context.Context, username string) (*model.User, error)
	InsertMessage(ctx context.Context, m model.Message) error
	FindMessages(ctx context.Context, f store.MessageFilter) ([]model.Message, error)
	LastMessageID(ctx context.Context) (int64, error)
}

// Deliverer fans encoded events out to live connections.
type Deliverer interface {
	Deliver(username string, event []byte, exclude ...string) int
	DeliverToRole(ctx context.Context, role model.Role, event []byte, skip ...string) (int, error)
}

// Config holds router options.
type Config struct {
	// Filter screens bodies before acceptance. Nil disables content filtering.
	Filter *moderation.Filter
}

// Listener is called after a message has been persisted and delivered.
type Listener func(ctx context.Context, m model.Message)

// Router is safe for concurrent use. Ordering metadata is assigned under a
// short critical section; persistence and delivery run outside it.
type Router struct {
	store   Store
	deliver Deliverer
	filter  *moderation.Filter
	now     func() time.Time

	seqMu  sync.Mutex
	lastID int64
	lastTS time.Time

	lmu       sync.RWMutex
	listeners []Listener
}

// New creates a Router whose message IDs continue after the highest stored ID.
func New(ctx context.Context, st Store, d Deliverer, config Config) (*Router, error) {
	last, err := st.LastMessageID(ctx)
	if err != nil {
		return nil, fmt.Errorf("router: load last message id: %w", err)
	}
	return &Router{
		store:   st,
		deliver: d,
		filter:  config.Filter,
		now:     time.Now,
		lastID:  last,
	}, nil
}

// OnMessage registers a listener for delivered messages.
func (r *Router) OnMessage(fn Listener) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

// Submit validates and routes one message from sender to recipient. originID
// is the connection the message arrived on, if any; it is left out of the
// sender's echo. A rejected message is never stored.
func (r *Router) Submit(ctx context.Context, sender, recipient, body, originID string) (model.Message, error) {
	start := time.Now()

	if err := ValidateBody(body); err != nil {
		return model.Message{}, r.reject(sender, recipient, err)
	}
	if sender == recipient {
		return model.Message{}, r.reject(sender, recipient, apperr.Validation(CodeSelfMessage))
	}

	to, err := r.store.FindUser(ctx, recipient)
	if errors.Is(err, store.ErrNotFound) {
		return model.Message{}, r.reject(sender, recipient, apperr.NotFound(CodeRecipient))
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("router: load recipient: %w", err)
	}
	from, err := r.store.FindUser(ctx, sender)
	if errors.Is(err, store.ErrNotFound) {
		return model.Message{}, apperr.ErrInvalidSession
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("router: load sender: %w", err)
	}

	// Decision point: both roles were just read and are not cached.
	if !from.Role.CanParticipate() || !to.Role.CanParticipate() {
		return model.Message{}, r.reject(sender, recipient, apperr.DeliveryRejected(apperr.CodeBannedParty))
	}

	if r.filter != nil {
		if res := r.filter.Check(body); res.Blocked {
			log.Printf("[router] filtered sender=%s reason=%s term=%s", sender, res.Reason, res.Term)
			return model.Message{}, r.reject(sender, recipient, apperr.Validation(res.Reason))
		}
	}

	m := model.Message{Sender: sender, Recipient: recipient, Body: body}
	m.ID, m.Timestamp = r.next()

	if err := r.store.InsertMessage(ctx, m); err != nil {
		return model.Message{}, fmt.Errorf("router: persist message %d: %w", m.ID, err)
	}

	r.fanOut(ctx, m, originID)

	metrics.MessagesTotal.WithLabelValues(metrics.ResultDelivered).Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	r.lmu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.lmu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, m)
	}
	return m, nil
}

// next assigns a unique increasing ID and a non-decreasing timestamp.
// Timestamps are truncated to the store's microsecond precision.
func (r *Router) next() (int64, time.Time) {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	r.lastID++
	ts := r.now().UTC().Truncate(time.Microsecond)
	if ts.Before(r.lastTS) {
		ts = r.lastTS
	}
	r.lastTS = ts
	return r.lastID, ts
}

func (r *Router) fanOut(ctx context.Context, m model.Message, originID string) {
	frame, err := protocol.NewServerMessage(protocol.TypeDM, protocol.DMMsg{Message: m})
	if err != nil {
		log.Printf("[router] encode message %d: %v", m.ID, err)
		return
	}

	toRecipient := r.deliver.Deliver(m.Recipient, frame)
	var exclude []string
	if originID != "" {
		exclude = append(exclude, originID)
	}
	toSender := r.deliver.Deliver(m.Sender, frame, exclude...)
	toAdmins, err := r.deliver.DeliverToRole(ctx, model.RoleAdmin, frame, m.Sender, m.Recipient)
	if err != nil {
		log.Printf("[router] admin delivery for message %d: %v", m.ID, err)
	}

	log.Printf("[router] message id=%d from=%s to=%s deliveries recipient=%d echo=%d admins=%d",
		m.ID, m.Sender, m.Recipient, toRecipient, toSender, toAdmins)
}

func (r *Router) reject(sender, recipient string, err error) error {
	metrics.MessagesTotal.WithLabelValues(metrics.ResultRejected).Inc()
	log.Printf("[router] rejected from=%s to=%s: %v", sender, recipient, err)
	return err
}

// HistoryRequest selects messages for History.
type HistoryRequest struct {
	Requester string
	With      string // conversation partner; empty for every conversation
	All       bool   // every message in the system, admins only
}

// History returns the messages visible to req.Requester, ordered by
// timestamp then ID. The result is materialised at call time.
func (r *Router) History(ctx context.Context, req HistoryRequest) ([]model.Message, error) {
	u, err := r.store.FindUser(ctx, req.Requester)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("router: load requester: %w", err)
	}

	switch u.Role {
	case model.RoleBanned:
		return nil, apperr.DeliveryRejected(apperr.CodeBannedParty)
	case model.RoleUser:
		if req.All {
			return nil, apperr.Permission(apperr.CodeAdminOnly)
		}
	case model.RoleAdmin:
	default:
		return nil, fmt.Errorf("router: unknown role %d", int(u.Role))
	}

	filter := store.MessageFilter{Participant: req.Requester}
	switch {
	case req.All:
		filter = store.MessageFilter{All: true}
	case req.With == req.Requester:
		return nil, apperr.Validation(CodeSelfMessage)
	case req.With != "":
		if _, err := r.store.FindUser(ctx, req.With); errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(CodeUser)
		} else if err != nil {
			return nil, fmt.Errorf("router: load peer: %w", err)
		}
		filter.Peer = req.With
	}

	msgs, err := r.store.FindMessages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("router: history: %w", err)
	}
	return msgs, nil
}
