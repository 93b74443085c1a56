package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 * 1024
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	agentID string

	once sync.Once
	done chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, agentID string) *client {
	return &client{
		hub:     h,
		conn:    conn,
		agentID: agentID,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

func (c *client) identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// enqueue never blocks; false means the buffer is full
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx = context.WithoutCancel(ctx)
	for {
		var env messages.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).WithField("agent", c.identity()).Debug("websocket read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(ctx, &env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

// handle applies one dashboard event. The connection's identity wins over
// any agentId in the payload.
func (c *client) handle(ctx context.Context, env *messages.Envelope) {
	agentID := c.identity()
	log := c.hub.log.WithField("agent", agentID).WithField("event", env.Type)

	switch env.Type {
	case messages.EventJoinDashboard, messages.EventHeartbeat:
		if agentID == "" {
			// unauthenticated deployments identify through the payload
			var ev messages.JoinDashboard
			if err := env.Decode(&ev); err != nil || ev.AgentID == "" {
				log.Debug("event without an agent identity")
				return
			}
			agentID = ev.AgentID
			c.mu.Lock()
			c.agentID = agentID
			c.mu.Unlock()
		}
		if c.hub.desk == nil {
			return
		}
		if err := c.hub.desk.Heartbeat(ctx, agentID); err != nil {
			log.WithError(err).Warn("failed to record heartbeat")
		}

	case messages.EventAgentTyping:
		var ev messages.TypingStatus
		if err := env.Decode(&ev); err != nil {
			log.WithError(err).Debug("bad typing event")
			return
		}
		if c.hub.desk != nil && agentID != "" && ev.ConversationID != "" {
			c.hub.desk.AgentTyping(ctx, agentID, ev.ConversationID, ev.IsTyping)
		}

	default:
		log.Debug("ignoring dashboard event")
	}
}
