// Package registry is the dashboard's cache of every conversation. The server
// owns the data; a snapshot pull replaces the cache wholesale.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/apiclient"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/queue"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/sirupsen/logrus"
)

// Source fetches conversation snapshots
type Source interface {
	ListConversations(ctx context.Context, opts apiclient.ListOptions) ([]models.Conversation, error)
}

// Registry holds the last good snapshot of all conversations, active and
// archived, so filter switches never need the network.
type Registry struct {
	src Source
	log *logrus.Entry

	mu       sync.RWMutex
	convs    []models.Conversation
	index    map[string]int
	issued   uint64 // sequence of the latest Load started
	applied  uint64 // sequence of the snapshot currently held
	loadedAt time.Time
	watchers []func()
}

// New creates an empty registry backed by src
func New(src Source, logger logrus.FieldLogger) *Registry {
	return &Registry{
		src:   src,
		log:   logging.Component(logger, "registry"),
		index: make(map[string]int),
	}
}

// Load pulls a full snapshot and replaces the cache. A response for a request
// issued before the currently applied snapshot is dropped. On failure the last
// good snapshot is kept and the error returned; Load never retries on its own.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	r.issued++
	seq := r.issued
	r.mu.Unlock()

	convs, err := r.src.ListConversations(ctx, apiclient.ListOptions{})
	if err != nil {
		r.log.WithError(err).Warn("conversation snapshot failed, keeping last good data")
		return err
	}

	r.mu.Lock()
	if seq < r.applied {
		r.mu.Unlock()
		r.log.WithField("seq", seq).Debug("discarding out-of-date snapshot")
		return nil
	}
	r.replace(convs)
	r.applied = seq
	r.loadedAt = time.Now()
	watchers := append([]func(){}, r.watchers...)
	r.mu.Unlock()

	for _, w := range watchers {
		w()
	}
	return nil
}

// replace must be called with mu held
func (r *Registry) replace(convs []models.Conversation) {
	r.convs = make([]models.Conversation, len(convs))
	copy(r.convs, convs)
	r.index = make(map[string]int, len(convs))
	for i, c := range r.convs {
		r.index[c.ID] = i
	}
}

// Patch applies fn to the cached row for id. It returns false when the id is
// not cached. Only metadata without ownership implications should be patched.
func (r *Registry) Patch(id string, fn func(c *models.Conversation)) bool {
	r.mu.Lock()
	i, ok := r.index[id]
	if ok {
		fn(&r.convs[i])
	}
	watchers := append([]func(){}, r.watchers...)
	r.mu.Unlock()

	if ok {
		for _, w := range watchers {
			w()
		}
	}
	return ok
}

// Get returns the cached conversation with id
func (r *Registry) Get(id string) (models.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return models.Conversation{}, false
	}
	return r.convs[i], true
}

// All returns a copy of the whole snapshot in server order
func (r *Registry) All() []models.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Conversation, len(r.convs))
	copy(out, r.convs)
	return out
}

// View derives the filtered, priority-sorted queue for agentID
func (r *Registry) View(f models.ClientFilterState, agentID string) []models.Conversation {
	return queue.View(r.All(), f, agentID)
}

// Counts tallies the snapshot per filter for agentID
func (r *Registry) Counts(agentID string) queue.Counts {
	return queue.Count(r.All(), agentID)
}

// LoadedAt returns when the current snapshot was applied; zero before the first load
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

// OnChange registers fn to run after every applied snapshot or patch
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.watchers = append(r.watchers, fn)
	r.mu.Unlock()
}
