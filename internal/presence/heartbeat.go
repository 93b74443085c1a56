package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/sirupsen/logrus"
)

// DefaultHeartbeatInterval keeps a dashboard well inside DefaultStaleAfter
const DefaultHeartbeatInterval = 30 * time.Minute

// StatusRegistrar records personal status over REST
type StatusRegistrar interface {
	SetPersonalStatus(ctx context.Context, agentID string, status models.PersonalStatus, at time.Time) error
}

// EventSender emits realtime events
type EventSender interface {
	Send(eventType string, payload interface{}) error
}

// Heartbeater is the dashboard half of presence. On every (re)connect it
// registers the agent's status and joins the dashboard room; while online it
// heartbeats on a fixed interval. An offline agent stays silent and ages out.
type Heartbeater struct {
	agentID  string
	interval time.Duration
	api      StatusRegistrar
	channel  EventSender
	log      *logrus.Entry
	now      func() time.Time

	mu     sync.Mutex
	status models.PersonalStatus
}

// NewHeartbeater creates a heartbeater starting from the persisted status
func NewHeartbeater(agentID string, status models.PersonalStatus, interval time.Duration, api StatusRegistrar, channel EventSender, logger logrus.FieldLogger) *Heartbeater {
	if !status.Valid() {
		status = models.PersonalStatusOnline
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeater{
		agentID:  agentID,
		interval: interval,
		api:      api,
		channel:  channel,
		status:   status,
		now:      time.Now,
		log:      logging.Component(logger, "heartbeat"),
	}
}

// Status returns the local personal status
func (h *Heartbeater) Status() models.PersonalStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// SetStatus changes the personal status on the server and locally
func (h *Heartbeater) SetStatus(ctx context.Context, status models.PersonalStatus) error {
	if err := h.api.SetPersonalStatus(ctx, h.agentID, status, h.now()); err != nil {
		return err
	}
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
	h.log.WithField("status", status).Info("personal status changed")
	return nil
}

// Connected registers presence and joins the dashboard room
func (h *Heartbeater) Connected(ctx context.Context) {
	status := h.Status()
	if err := h.api.SetPersonalStatus(ctx, h.agentID, status, h.now()); err != nil {
		h.log.WithError(err).Warn("failed to register personal status")
	}
	if h.channel == nil {
		return
	}
	if err := h.channel.Send(messages.EventJoinDashboard, messages.JoinDashboard{AgentID: h.agentID}); err != nil {
		h.log.WithError(err).Warn("failed to join agent dashboard")
	}
}

// Disconnected is a no-op; the server ages the record out on its own
func (h *Heartbeater) Disconnected(context.Context) {}

// Beat sends one heartbeat if the agent is online. It reports whether one was sent.
func (h *Heartbeater) Beat() bool {
	if h.channel == nil || h.Status() != models.PersonalStatusOnline {
		return false
	}
	err := h.channel.Send(messages.EventHeartbeat, messages.Heartbeat{AgentID: h.agentID, Timestamp: h.now()})
	if err != nil {
		h.log.WithError(err).Debug("heartbeat not sent")
		return false
	}
	return true
}

// Run beats every interval until ctx is cancelled
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Beat()
		}
	}
}
