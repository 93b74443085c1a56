package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// Memory keeps everything in process memory. Values are copied in and out so
// callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	convs    map[string]models.Conversation
	messages map[string][]models.Message
	values   map[string]string
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		convs:    make(map[string]models.Conversation),
		messages: make(map[string][]models.Message),
		values:   make(map[string]string),
	}
}

func (m *Memory) CreateConversation(_ context.Context, c models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, c.ID)
	}
	m.convs[c.ID] = clone(c)
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(c), nil
}

func (m *Memory) ListConversations(context.Context) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateConversations(_ context.Context, ids []string, fn func(c *models.Conversation) error) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids = unique(ids)
	staged := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		c, ok := m.convs[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		c = clone(c)
		if err := fn(&c); err != nil {
			return nil, err
		}
		staged = append(staged, c)
	}

	out := make([]models.Conversation, 0, len(staged))
	for _, c := range staged {
		m.convs[c.ID] = c
		out = append(out, clone(c))
	}
	return out, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg models.Message, fn func(c *models.Conversation) error) (models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[msg.ConversationID]
	if !ok {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, msg.ConversationID)
	}
	c = clone(c)
	if fn != nil {
		if err := fn(&c); err != nil {
			return models.Conversation{}, err
		}
	}
	appended(&c, msg)

	m.messages[c.ID] = append(m.messages[c.ID], msg)
	m.convs[c.ID] = c
	return clone(c), nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.convs[conversationID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return append([]models.Message{}, m.messages[conversationID]...), nil
}

func (m *Memory) GetValue(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) SetValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Close() error { return nil }

func clone(c models.Conversation) models.Conversation {
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}
