package session

import (
	"context"
	"sync"
	"time"

	"github.com/taptext/chat/internal/metrics"
)

// MemoryBackend keeps sessions in process memory. Sessions are lost on
// restart. A zero ttl keeps sessions until they are deleted.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (b *MemoryBackend) Put(_ context.Context, s Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.Token] = s
	return nil
}

// Get returns the session for token, refreshing its last activity. Expired
// sessions are removed on access.
func (b *MemoryBackend) Get(_ context.Context, token string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[token]
	if !ok {
		return nil, nil
	}
	now := b.now()
	if b.ttl > 0 && now.Sub(time.Unix(s.LastActive, 0)) > b.ttl {
		delete(b.sessions, token)
		metrics.SessionsActive.Dec()
		return nil, nil
	}
	s.LastActive = now.Unix()
	b.sessions[token] = s
	return &s, nil
}

func (b *MemoryBackend) Delete(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, token)
	return nil
}

// Len returns the number of stored sessions, including expired ones not yet
// accessed.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func (b *MemoryBackend) Close() error {
	return nil
}
