package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// Realtime event types pushed to dashboards
const (
	EventNewMessage           = "new-message"
	EventNewConversation      = "new-conversation"
	EventAgentsUpdate         = "connected-agents-update"
	EventSystemModeUpdate     = "system-mode-update"
	EventTicketsReassigned    = "tickets-reassigned"
	EventCustomerTyping       = "customer-typing-status"
	EventConversationsUpdated = "conversation-updated"
)

// Realtime event types emitted by dashboards
const (
	EventJoinDashboard = "join-agent-dashboard"
	EventAgentTyping   = "agent-typing"
	EventHeartbeat     = "heartbeat"
)

// Envelope is the JSON frame carried over the realtime channel and the
// cross-replica bus. Source names the server replica that produced it.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New wraps payload in an envelope of the given type
func New(eventType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewMessage announces a message appended to a conversation
type NewMessage struct {
	ConversationID string         `json:"conversationId"`
	Message        models.Message `json:"message"`
}

// NewConversation announces a conversation created by the widget
type NewConversation struct {
	Conversation models.Conversation `json:"conversation"`
}

// AgentsUpdate replaces the connected-agent roster wholesale
type AgentsUpdate struct {
	Agents []models.AgentPresence `json:"agents"`
}

// SystemModeUpdate announces a system mode change
type SystemModeUpdate struct {
	Mode models.SystemMode `json:"mode"`
}

// TicketsReassigned announces a batch reassignment
type TicketsReassigned struct {
	Reassignments []models.Reassignment `json:"reassignments"`
	Reason        string                `json:"reason"`
}

// Involves reports whether agentID gave or received a ticket in the batch
func (t TicketsReassigned) Involves(agentID string) bool {
	for _, r := range t.Reassignments {
		if r.FromAgent == agentID || r.ToAgent == agentID {
			return true
		}
	}
	return false
}

// ConversationsUpdated tells dashboards that rows changed outside a message
// append (assignment, category, archive, status)
type ConversationsUpdated struct {
	ConversationIDs []string `json:"conversationIds"`
}

// TypingStatus is used for both customer-typing-status and agent-typing
type TypingStatus struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	AgentID        string `json:"agentId,omitempty"`
}

// JoinDashboard registers a dashboard connection for an agent
type JoinDashboard struct {
	AgentID string `json:"agentId"`
}

// Heartbeat keeps an online agent's presence fresh
type Heartbeat struct {
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
}
