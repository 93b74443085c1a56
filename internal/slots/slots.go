// Package slots is the server side of the suggestion slot: at most one
// pending suggestion per conversation. A slot is consumed when an agent
// replies and superseded when a newer visitor message arrives; either way it
// reads absent afterwards.
package slots

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// DefaultTTL drops suggestions nobody looked at
const DefaultTTL = 24 * time.Hour

// Store holds suggestion slots
type Store interface {
	Put(ctx context.Context, s models.Suggestion) error
	// Get returns nil when the slot is empty
	Get(ctx context.Context, conversationID string) (*models.Suggestion, error)
	// Clear empties the slot and reports whether it held anything
	Clear(ctx context.Context, conversationID string) (bool, error)
}

type entry struct {
	s       models.Suggestion
	expires time.Time
}

// Memory is a single-process slot store
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	slots map[string]entry
}

// NewMemory creates a store whose slots expire after ttl
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, slots: make(map[string]entry)}
}

func (m *Memory) Put(_ context.Context, s models.Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.ConversationID] = entry{s: s, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, conversationID string) (*models.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.slots[conversationID]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.slots, conversationID)
		return nil, nil
	}
	s := e.s
	return &s, nil
}

func (m *Memory) Clear(_ context.Context, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.slots[conversationID]
	delete(m.slots, conversationID)
	return ok && m.now().Before(e.expires), nil
}
