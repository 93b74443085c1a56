// Package hub is the server end of the realtime channel. It keeps one
// websocket per dashboard, fans events out to all of them and, when a bus is
// attached, to the dashboards of every other replica.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/metrics"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/sirupsen/logrus"
)

// sendBuffer is the per-connection queue; a dashboard that falls this far
// behind is disconnected and resyncs over REST on reconnect.
const sendBuffer = 64

// Desk handles the events dashboards emit
type Desk interface {
	Heartbeat(ctx context.Context, agentID string) error
	AgentTyping(ctx context.Context, agentID, conversationID string, typing bool)
}

// Bus carries events between replicas
type Bus interface {
	Publish(ctx context.Context, env *messages.Envelope) error
}

type Options struct {
	Desk           Desk
	ReplicaID      string
	AllowedOrigins []string // empty or "*" accepts any origin
	Logger         logrus.FieldLogger
	Metrics        *metrics.Metrics
}

// Hub tracks connected dashboards
type Hub struct {
	desk     Desk
	replica  string
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *logrus.Entry

	mu      sync.RWMutex
	clients map[*client]struct{}
	bus     Bus
}

func New(opts Options) *Hub {
	h := &Hub{
		desk:    opts.Desk,
		replica: opts.ReplicaID,
		metrics: opts.Metrics,
		log:     logging.Component(opts.Logger, "hub"),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// SetBus attaches cross-replica fan-out
func (h *Hub) SetBus(bus Bus) {
	h.mu.Lock()
	h.bus = bus
	h.mu.Unlock()
}

// Serve upgrades r to a websocket owned by agentID and blocks until it closes
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, agentID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := newClient(h, conn, agentID)
	h.add(c)
	defer h.remove(c)

	go c.writePump()
	c.readPump(r.Context())
}

// Broadcast delivers env to every local dashboard and publishes it for the
// other replicas
func (h *Hub) Broadcast(ctx context.Context, env *messages.Envelope) {
	if env.Source == "" {
		env.Source = h.replica
	}
	h.deliver(env)

	h.mu.RLock()
	bus := h.bus
	h.mu.RUnlock()
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, env); err != nil {
		h.log.WithError(err).WithField("event", env.Type).Warn("failed to publish event to bus")
	}
}

// Receive takes an event from the bus. Events this replica produced were
// already delivered.
func (h *Hub) Receive(env *messages.Envelope) {
	if env.Source == h.replica {
		return
	}
	h.deliver(env)
}

// Clients returns the number of open connections
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(env *messages.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.WithError(err).WithField("event", env.Type).Error("failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(data) {
			h.log.WithField("agent", c.identity()).Warn("dashboard too slow, dropping connection")
			c.close()
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.RealtimeConnected(1)
	h.log.WithField("agent", c.identity()).Info("dashboard connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	h.metrics.RealtimeConnected(-1)
	h.log.WithField("agent", c.identity()).Info("dashboard disconnected")
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients send no Origin
		if origin == "" || len(set) == 0 {
			return true
		}
		return set[origin]
	}
}
