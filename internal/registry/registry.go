// Package registry maps usernames to their open realtime connections and
// delivers encoded events to them. It holds no durable data: entries live
// exactly as long as the connections they describe.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/taptext/chat/internal/metrics"
	"github.com/taptext/chat/internal/model"
)

// Conn is one open realtime channel. Send must be safe for concurrent use.
type Conn interface {
	ConnID() string
	Send(data []byte) error
	Close() error
}

// RoleSource answers which users hold a role right now.
type RoleSource interface {
	UsernamesByRole(ctx context.Context, role model.Role) ([]string, error)
}

// Registry is safe for concurrent use. Mutations swap whole entries under the
// lock and deliveries work on a snapshot, so a delivery never observes a
// half-updated connection set.
type Registry struct {
	mu      sync.RWMutex
	byUser  map[string]map[string]Conn // username -> conn ID -> conn
	total   int
	roles   RoleSource
	onStale func(username string, c Conn)
}

// New creates an empty Registry. roles is consulted on every DeliverToRole.
func New(roles RoleSource) *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Conn),
		roles:  roles,
	}
}

// OnStale registers a callback run after a connection is pruned because a
// send to it failed. The transport uses it to release its own resources.
func (r *Registry) OnStale(fn func(username string, c Conn)) {
	r.mu.Lock()
	r.onStale = fn
	r.mu.Unlock()
}

// Register adds c to username's connection set.
func (r *Registry) Register(username string, c Conn) {
	r.mu.Lock()
	set, ok := r.byUser[username]
	if !ok {
		set = make(map[string]Conn)
		r.byUser[username] = set
	}
	if _, dup := set[c.ConnID()]; !dup {
		r.total++
		metrics.ConnectionsTotal.Inc()
	}
	set[c.ConnID()] = c
	n := len(set)
	r.mu.Unlock()

	log.Printf("[registry] register user=%s conn=%s (user_conns=%d)", username, c.ConnID(), n)
}

// Unregister removes c from username's set and drops the username once its
// set is empty. It reports whether c was registered.
func (r *Registry) Unregister(username string, c Conn) bool {
	r.mu.Lock()
	removed := r.removeLocked(username, c.ConnID())
	r.mu.Unlock()

	if removed {
		log.Printf("[registry] unregister user=%s conn=%s", username, c.ConnID())
	}
	return removed
}

func (r *Registry) removeLocked(username, connID string) bool {
	set, ok := r.byUser[username]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, username)
	}
	r.total--
	metrics.ConnectionsTotal.Dec()
	return true
}

// Connections returns a snapshot of username's connections.
func (r *Registry) Connections(username string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[username]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Online reports whether username has at least one registered connection.
func (r *Registry) Online(username string) bool {
	r.mu.RLock()
	_, ok := r.byUser[username]
	r.mu.RUnlock()
	return ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Users returns the number of usernames with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Deliver sends event to every connection of username except those whose ID
// is listed in exclude. Connections that fail the send are pruned. It returns
// the number of successful sends.
func (r *Registry) Deliver(username string, event []byte, exclude ...string) int {
	conns := r.Connections(username)
	if len(conns) == 0 {
		return 0
	}

	sent := 0
	for _, c := range conns {
		if contains(exclude, c.ConnID()) {
			continue
		}
		if err := c.Send(event); err != nil {
			log.Printf("[registry] send failed user=%s conn=%s: %v (pruning)", username, c.ConnID(), err)
			r.prune(username, c)
			continue
		}
		sent++
	}
	metrics.DeliveriesTotal.Add(float64(sent))
	return sent
}

// DeliverToRole sends event to every connection of every user currently
// holding role, skipping the usernames in skip. Role membership is read from
// the RoleSource on each call.
func (r *Registry) DeliverToRole(ctx context.Context, role model.Role, event []byte, skip ...string) (int, error) {
	names, err := r.roles.UsernamesByRole(ctx, role)
	if err != nil {
		return 0, fmt.Errorf("registry: deliver to role %s: %w", role, err)
	}

	sent := 0
	for _, name := range names {
		if contains(skip, name) {
			continue
		}
		sent += r.Deliver(name, event)
	}
	return sent, nil
}

// Drop removes and closes every connection of username, returning them.
func (r *Registry) Drop(username string) []Conn {
	r.mu.Lock()
	set := r.byUser[username]
	delete(r.byUser, username)
	r.total -= len(set)
	metrics.ConnectionsTotal.Sub(float64(len(set)))
	r.mu.Unlock()

	out := make([]Conn, 0, len(set))
	for _, c := range set {
		_ = c.Close()
		out = append(out, c)
	}
	if len(out) > 0 {
		log.Printf("[registry] dropped user=%s conns=%d", username, len(out))
	}
	return out
}

func (r *Registry) prune(username string, c Conn) {
	r.mu.Lock()
	removed := r.removeLocked(username, c.ConnID())
	onStale := r.onStale
	r.mu.Unlock()

	if !removed {
		return
	}
	_ = c.Close()
	if onStale != nil {
		onStale(username, c)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
