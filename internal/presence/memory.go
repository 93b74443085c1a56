package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// MemoryStore keeps presence in process memory
type MemoryStore struct {
	staleAfter time.Duration

	mu      sync.RWMutex
	records map[string]models.AgentPresence
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(staleAfter time.Duration) *MemoryStore {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &MemoryStore{
		staleAfter: staleAfter,
		records:    make(map[string]models.AgentPresence),
	}
}

func (s *MemoryStore) SetStatus(_ context.Context, agentID string, status models.PersonalStatus, at time.Time) (models.PersonalStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := models.PersonalStatusOffline
	if rec, ok := s.records[agentID]; ok {
		prev = Effective(rec, at, s.staleAfter).PersonalStatus
	}
	s.records[agentID] = models.AgentPresence{AgentID: agentID, PersonalStatus: status, LastSeenAt: at}
	return prev, nil
}

func (s *MemoryStore) Touch(_ context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[agentID]
	if !ok {
		rec = models.AgentPresence{AgentID: agentID, PersonalStatus: models.PersonalStatusOnline}
	}
	rec.LastSeenAt = at
	s.records[agentID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, agentID string, now time.Time) (models.AgentPresence, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[agentID]
	if !ok {
		return models.AgentPresence{}, false, nil
	}
	return Effective(rec, now, s.staleAfter), true, nil
}

func (s *MemoryStore) Roster(_ context.Context, now time.Time) ([]models.AgentPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AgentPresence, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, Effective(rec, now, s.staleAfter))
	}
	sortRoster(out)
	return out, nil
}
