package models

import "time"

// ConversationStatus is the lifecycle status of a conversation
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusResolved ConversationStatus = "resolved"
)

// Sender identifies who wrote a message
type Sender string

const (
	SenderVisitor Sender = "visitor"
	SenderAgent   Sender = "agent"
	SenderAI      Sender = "ai"
	SenderSystem  Sender = "system"
)

// SystemMode controls how new customer messages are handled by the AI pipeline.
// Dashboards observe it; only the server changes it.
type SystemMode string

const (
	SystemModeHITL      SystemMode = "hitl"
	SystemModeAutopilot SystemMode = "autopilot"
	SystemModeOff       SystemMode = "off"
)

// Valid reports whether m is one of the known modes
func (m SystemMode) Valid() bool {
	switch m {
	case SystemModeHITL, SystemModeAutopilot, SystemModeOff:
		return true
	}
	return false
}

// PersonalStatus is an agent's self-declared availability
type PersonalStatus string

const (
	PersonalStatusOnline  PersonalStatus = "online"
	PersonalStatusOffline PersonalStatus = "offline"
)

// Valid reports whether s is online or offline
func (s PersonalStatus) Valid() bool {
	return s == PersonalStatusOnline || s == PersonalStatusOffline
}

// ResponseType records how an agent reply relates to the pending suggestion
type ResponseType string

const (
	ResponseAsIs        ResponseType = "as-is"
	ResponseEdited      ResponseType = "edited"
	ResponseFromScratch ResponseType = "from-scratch"
)

// ResponseAttribution is attached to agent and AI messages
type ResponseAttribution struct {
	RespondedBy  string       `json:"respondedBy"`
	ResponseType ResponseType `json:"responseType"`
}

// MessageMetadata carries the free-form flags a message may hold.
// PendingAgent marks "customer is waiting, no agent reply sent yet".
type MessageMetadata struct {
	ResponseAttribution *ResponseAttribution `json:"responseAttribution,omitempty"`
	PendingAgent        bool                 `json:"pendingAgent,omitempty"`
	DebugOnly           bool                 `json:"debugOnly,omitempty"`
}

// Message is a single append-only entry in a conversation
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Sender         Sender          `json:"sender"`
	Content        string          `json:"content"`
	Timestamp      time.Time       `json:"timestamp"`
	Metadata       MessageMetadata `json:"metadata"`
}

// MessagePreview is the last-message pointer kept on a conversation row
type MessagePreview struct {
	ID       string          `json:"id,omitempty"`
	Content  string          `json:"content"`
	Sender   Sender          `json:"sender"`
	Metadata MessageMetadata `json:"metadata"`
}

// Preview returns the last-message pointer for m
func (m Message) Preview() *MessagePreview {
	return &MessagePreview{ID: m.ID, Content: m.Content, Sender: m.Sender, Metadata: m.Metadata}
}

// Conversation is one visitor thread. AssignedAgent and CategoryID use the
// empty string for "none"; a single field keeps assignment single-valued.
type Conversation struct {
	ID            string             `json:"id"`
	VisitorID     string             `json:"visitorId"`
	StartedAt     time.Time          `json:"startedAt"`
	Status        ConversationStatus `json:"status"`
	Archived      bool               `json:"archived"`
	AssignedAgent string             `json:"assignedAgent,omitempty"`
	CategoryID    string             `json:"categoryId,omitempty"`
	MessageCount  int                `json:"messageCount"`
	LastMessage   *MessagePreview    `json:"lastMessage,omitempty"`
}

// NeedsResponse is the single urgency signal used by the work queue
func (c Conversation) NeedsResponse() bool {
	return c.LastMessage != nil && c.LastMessage.Metadata.PendingAgent
}

// IsAssigned reports whether the conversation has an owner
func (c Conversation) IsAssigned() bool {
	return c.AssignedAgent != ""
}

// AgentPresence is an agent's last reported availability
type AgentPresence struct {
	AgentID        string         `json:"agentId"`
	PersonalStatus PersonalStatus `json:"personalStatus"`
	LastSeenAt     time.Time      `json:"lastSeenAt"`
}

// Suggestion is the content of a conversation's suggestion slot
type Suggestion struct {
	ConversationID string                 `json:"conversationId"`
	Text           string                 `json:"suggestion"`
	Confidence     float64                `json:"confidence"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// Reassignment is one entry of a tickets-reassigned batch
type Reassignment struct {
	FromAgent      string `json:"fromAgent"`
	ToAgent        string `json:"toAgent"`
	ConversationID string `json:"conversationId"`
}

// AssignmentFilter narrows the work queue by ownership
type AssignmentFilter string

const (
	AssignmentMine       AssignmentFilter = "mine"
	AssignmentUnassigned AssignmentFilter = "unassigned"
	AssignmentOthers     AssignmentFilter = "others"
	AssignmentAll        AssignmentFilter = "all"
)

// ArchiveFilter selects active or archived conversations
type ArchiveFilter string

const (
	ArchiveActive   ArchiveFilter = "active"
	ArchiveArchived ArchiveFilter = "archived"
)

// ClientFilterState is per-dashboard UI state; never shared between dashboards
type ClientFilterState struct {
	AssignmentFilter        AssignmentFilter `json:"assignmentFilter" yaml:"assignment_filter"`
	ArchiveFilter           ArchiveFilter    `json:"archiveFilter" yaml:"archive_filter"`
	SelectedConversationIDs []string         `json:"selectedConversationIds,omitempty" yaml:"-"`
	CurrentChatID           string           `json:"currentChatId,omitempty" yaml:"current_chat_id,omitempty"`
}

// DefaultFilterState returns the filter a fresh dashboard starts with
func DefaultFilterState() ClientFilterState {
	return ClientFilterState{
		AssignmentFilter: AssignmentAll,
		ArchiveFilter:    ArchiveActive,
	}
}

// Role is the authorization role of a caller
type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)
