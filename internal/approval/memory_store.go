package approval

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

func (m *MemoryStore) Create(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Validate(_ context.Context, id, intentID, txRequestHash string, now time.Time) (Validation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return checkToken(m.tokens[id], intentID, txRequestHash, now), nil
}

func (m *MemoryStore) Consume(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	if t.Consumed {
		return ErrAlreadyConsumed
	}
	t.Consumed = true
	return nil
}

func (m *MemoryStore) ValidateAndConsume(_ context.Context, id, intentID, txRequestHash string, now time.Time) (Validation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tokens[id]
	v := checkToken(t, intentID, txRequestHash, now)
	if v.Valid {
		t.Consumed = true
	}
	return v, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tokens {
		if t.Expired(now) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}
