package diameter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/searchforge/pcf/internal/contract"
)

// ErrSessionExists is returned when an Initial request reuses a live session id.
var ErrSessionExists = errors.New("session already exists")

// SessionStore keeps Gx sessions. Implementations refresh the TTL on every
// successful Update and report unknown or expired ids as
// contract.ErrSessionNotFound.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	session  Session
	storedAt time.Time
}

// MemorySessionStore is an in-process SessionStore with TTL. A zero ttl
// keeps sessions until they are deleted.
type MemorySessionStore struct {
	ttl   time.Duration
	mu    sync.RWMutex
	store map[string]memoryEntry
	now   func() time.Time
}

// NewMemorySessionStore returns an empty store.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		ttl:   ttl,
		store: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (m *MemorySessionStore) expired(e memoryEntry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.storedAt) > m.ttl
}

// Create stores s unless a live session with the same id exists.
func (m *MemorySessionStore) Create(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return contract.FromContext(err)
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.store[s.ID]; ok && !m.expired(e, now) {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	m.store[s.ID] = memoryEntry{session: s, storedAt: now}
	return nil
}

// Get retrieves a session if still fresh.
func (m *MemorySessionStore) Get(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, contract.FromContext(err)
	}
	m.mu.RLock()
	e, ok := m.store[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", contract.ErrSessionNotFound, id)
	}
	if m.expired(e, m.now()) {
		m.mu.Lock()
		delete(m.store, id)
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s expired", contract.ErrSessionNotFound, id)
	}
	return e.session, nil
}

// Update applies fn to a copy and stores it when fn succeeds.
func (m *MemorySessionStore) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, contract.FromContext(err)
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[id]
	if !ok || m.expired(e, now) {
		delete(m.store, id)
		return Session{}, fmt.Errorf("%w: %s", contract.ErrSessionNotFound, id)
	}
	s := e.session
	if err := fn(&s); err != nil {
		return Session{}, err
	}
	m.store[id] = memoryEntry{session: s, storedAt: now}
	return s, nil
}

// Delete removes a session.
func (m *MemorySessionStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return contract.FromContext(err)
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[id]
	delete(m.store, id)
	if !ok || m.expired(e, now) {
		return fmt.Errorf("%w: %s", contract.ErrSessionNotFound, id)
	}
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (m *MemorySessionStore) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.store {
		if m.expired(e, now) {
			delete(m.store, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored sessions, expired ones included.
func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store)
}
