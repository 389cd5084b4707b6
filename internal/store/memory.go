package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taptext/chat/internal/model"
)

// MemoryStore is a process-local Store. It mirrors the PostgreSQL store's
// validation and error behaviour so that either can back the core.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	users       map[string]*model.User
	followers   map[string]map[string]struct{} // followee -> followers
	following   map[string]map[string]struct{} // follower -> followees
	warnings    map[string][]model.Warning
	messages    []model.Message
	messageIDs  map[int64]struct{}
	lastMsgID   int64
	nextWarning int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:         now,
		users:       make(map[string]*model.User),
		followers:   make(map[string]map[string]struct{}),
		following:   make(map[string]map[string]struct{}),
		warnings:    make(map[string][]model.Warning),
		messageIDs:  make(map[int64]struct{}),
		nextWarning: 1,
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// snapshot returns a copy of username's record with follow sets filled in.
// Callers must hold s.mu.
func (s *MemoryStore) snapshot(u *model.User) *model.User {
	c := *u
	c.Followers = sortedKeys(s.followers[u.Username])
	c.Following = sortedKeys(s.following[u.Username])
	return &c
}

func (s *MemoryStore) FindUser(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return s.snapshot(u), nil
}

func (s *MemoryStore) InsertUser(_ context.Context, u *model.User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("store: insert user: invalid role %d", int(u.Role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.Username]; exists {
		return ErrDuplicate
	}
	rec := *u
	rec.Followers, rec.Following = nil, nil
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.users[u.Username] = &rec
	return nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, username string, fn MutateFunc) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(username, fn)
}

// mutateLocked applies fn to a copy and commits it only when fn succeeds and
// the result is valid. Callers must hold s.mu for writing.
func (s *MemoryStore) mutateLocked(username string, fn MutateFunc) (*model.User, error) {
	cur, ok := s.users[username]
	if !ok {
		return nil, ErrNotFound
	}

	next := s.snapshot(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	if !next.Role.Valid() {
		return nil, fmt.Errorf("store: update user: invalid role %d", int(next.Role))
	}
	if next.WarningCount < 0 {
		return nil, fmt.Errorf("store: update user: negative warning count")
	}

	cur.DisplayName = next.DisplayName
	cur.PasswordHash = next.PasswordHash
	cur.Role = next.Role
	cur.WarningCount = next.WarningCount
	cur.Bio = next.Bio
	return s.snapshot(cur), nil
}

func (s *MemoryStore) AddWarning(_ context.Context, w model.Warning, fn MutateFunc) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.mutateLocked(w.Username, fn)
	if err != nil {
		return nil, err
	}

	w.ID = s.nextWarning
	s.nextWarning++
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	s.warnings[w.Username] = append(s.warnings[w.Username], w)
	return u, nil
}

func (s *MemoryStore) Warnings(_ context.Context, username string) ([]model.Warning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[username]; !ok {
		return nil, ErrNotFound
	}
	log := s.warnings[username]
	out := make([]model.Warning, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; !ok {
		return ErrNotFound
	}
	delete(s.users, username)
	delete(s.warnings, username)

	for followee := range s.following[username] {
		delete(s.followers[followee], username)
	}
	for follower := range s.followers[username] {
		delete(s.following[follower], username)
	}
	delete(s.following, username)
	delete(s.followers, username)
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *s.snapshot(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) UsernamesByRole(_ context.Context, role model.Role) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for name, u := range s.users {
		if u.Role == role {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Follow(_ context.Context, follower, followee string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[follower]; !ok {
		return ErrNotFound
	}
	if _, ok := s.users[followee]; !ok {
		return ErrNotFound
	}
	if follower == followee {
		return fmt.Errorf("store: follow: %s cannot follow itself", follower)
	}

	addEdge(s.following, follower, followee)
	addEdge(s.followers, followee, follower)
	return nil
}

func (s *MemoryStore) Unfollow(_ context.Context, follower, followee string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.following[follower], followee)
	delete(s.followers[followee], follower)
	return nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// concurrent submissions may arrive out of ID order
	if _, exists := s.messageIDs[m.ID]; exists {
		return ErrDuplicate
	}
	s.messageIDs[m.ID] = struct{}{}
	if m.ID > s.lastMsgID {
		s.lastMsgID = m.ID
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *MemoryStore) FindMessages(_ context.Context, f MessageFilter) ([]model.Message, error) {
	s.mu.RLock()
	out := make([]model.Message, 0)
	for i := range s.messages {
		if f.Match(&s.messages[i]) {
			out = append(out, s.messages[i])
		}
	}
	s.mu.RUnlock()

	model.SortMessages(out)
	return out, nil
}

func (s *MemoryStore) LastMessageID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastMsgID, nil
}

func addEdge(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		set = make(map[string]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
