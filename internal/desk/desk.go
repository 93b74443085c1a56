// Package desk holds the server's conversation semantics: ownership,
// replies, visitor ingress, suggestion slots, presence and the system mode.
// Transports (REST, websocket, bus) sit in front of it.
package desk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/metrics"
	"github.com/jordanhubbard/loomdesk/internal/presence"
	"github.com/jordanhubbard/loomdesk/internal/provider"
	"github.com/jordanhubbard/loomdesk/internal/slots"
	"github.com/jordanhubbard/loomdesk/internal/store"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrInvalid     = errors.New("invalid request")
	ErrUnavailable = errors.New("unavailable")
)

const modeKey = "system_mode"

// Caller is the authenticated principal behind a request
type Caller struct {
	AgentID string
	Role    models.Role
}

func (c Caller) IsAdmin() bool { return c.Role == models.RoleAdmin }

// actingFor rejects a caller acting on behalf of another agent
func (c Caller) actingFor(agentID string) error {
	if c.IsAdmin() || c.AgentID == agentID {
		return nil
	}
	return fmt.Errorf("%w: %s may not act for %s", ErrForbidden, c.AgentID, agentID)
}

// Broadcaster delivers an event to every connected dashboard
type Broadcaster interface {
	Broadcast(ctx context.Context, env *messages.Envelope)
}

type Options struct {
	Store     store.Store
	Slots     slots.Store
	Presence  presence.Store
	Generator provider.Generator // nil disables suggestions and autopilot

	Broadcaster Broadcaster
	Mode        models.SystemMode

	// Redistribute moves conversations held by offline agents to an agent
	// that comes online
	Redistribute  bool
	PresenceSweep time.Duration

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Service implements every conversation operation
type Service struct {
	store        store.Store
	slots        slots.Store
	presence     presence.Store
	gen          provider.Generator
	bc           Broadcaster
	redistribute bool
	sweep        time.Duration
	metrics      *metrics.Metrics
	logger       logrus.FieldLogger
	log          *logrus.Entry
	now          func() time.Time

	mu   sync.RWMutex
	mode models.SystemMode

	// latest maps a conversation to the visitor message a pending generation
	// answers. Generation results for anything older are dropped.
	genMu  sync.Mutex
	latest map[string]string

	wg sync.WaitGroup
}

// New creates the service. Store, Slots and Presence are required.
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Slots == nil || opts.Presence == nil {
		return nil, errors.New("desk: store, slots and presence are required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = models.SystemModeHITL
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("desk: unknown system mode %q", mode)
	}
	return &Service{
		store:        opts.Store,
		slots:        opts.Slots,
		presence:     opts.Presence,
		gen:          opts.Generator,
		bc:           opts.Broadcaster,
		redistribute: opts.Redistribute,
		sweep:        opts.PresenceSweep,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		log:          logging.Component(opts.Logger, "desk"),
		now:          time.Now,
		mode:         mode,
		latest:       make(map[string]string),
	}, nil
}

// Start restores the persisted system mode, which wins over the configured one
func (s *Service) Start(ctx context.Context) error {
	v, ok, err := s.store.GetValue(ctx, modeKey)
	if err != nil {
		return fmt.Errorf("failed to load system mode: %w", err)
	}
	if !ok {
		return nil
	}
	mode := models.SystemMode(v)
	if !mode.Valid() {
		s.log.WithField("mode", v).Warn("ignoring unknown persisted system mode")
		return nil
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	s.log.WithField("mode", mode).Info("restored system mode")
	return nil
}

// Run sweeps presence until ctx is cancelled
func (s *Service) Run(ctx context.Context) {
	sweeper := presence.NewSweeper(s.presence, s.sweep, s.broadcastRoster, s.logger)
	sweeper.Run(ctx)
}

// Wait blocks until background generations have finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// SetBroadcaster attaches the realtime fan-out after construction; the hub
// and the service reference each other.
func (s *Service) SetBroadcaster(bc Broadcaster) {
	s.bc = bc
}

func (s *Service) publish(ctx context.Context, eventType string, payload interface{}) {
	if s.bc == nil {
		return
	}
	env, err := messages.New(eventType, payload)
	if err != nil {
		s.log.WithError(err).WithField("event", eventType).Error("failed to build event")
		return
	}
	s.bc.Broadcast(ctx, env)
	s.metrics.RecordEvent(eventType)
}

func (s *Service) conversationsUpdated(ctx context.Context, convs []models.Conversation) {
	if len(convs) == 0 {
		return
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	s.publish(ctx, messages.EventConversationsUpdated, messages.ConversationsUpdated{ConversationIDs: ids})
}

// storeErr maps storage sentinels onto service sentinels
func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
