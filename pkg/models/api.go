package models

import "time"

// Request and response bodies of the REST surface, shared by the server
// handlers and the dashboard client.

type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
}

type MessageList struct {
	Messages []Message `json:"messages"`
}

type AgentList struct {
	Agents []AgentPresence `json:"agents"`
}

type AssignRequest struct {
	AgentID    string `json:"agentId" validate:"required"`
	AssignedBy string `json:"assignedBy" validate:"required"`
}

type UnassignRequest struct {
	AgentID string `json:"agentId" validate:"required"`
}

// CategoryRequest uses a pointer so an explicit null clears the category
type CategoryRequest struct {
	CategoryID *string `json:"category_id"`
	AssignedBy string  `json:"assignedBy" validate:"required"`
}

type BulkArchiveRequest struct {
	ConversationIDs []string `json:"conversationIds" validate:"required,min=1,dive,required"`
	ArchivedBy      string   `json:"archivedBy" validate:"required"`
}

type BulkUnarchiveRequest struct {
	ConversationIDs []string `json:"conversationIds" validate:"required,min=1,dive,required"`
	UnarchivedBy    string   `json:"unarchivedBy" validate:"required"`
}

type StatusChangeRequest struct {
	AgentID string `json:"agentId" validate:"required"`
}

type BulkResult struct {
	Updated int `json:"updated"`
}

type RespondRequest struct {
	ConversationID   string       `json:"conversationId" validate:"required"`
	Message          string       `json:"message" validate:"required"`
	AgentID          string       `json:"agentId" validate:"required"`
	UsedSuggestion   bool         `json:"usedSuggestion"`
	SuggestionAction ResponseType `json:"suggestionAction" validate:"omitempty,oneof=as-is edited from-scratch"`
	AutoAssign       bool         `json:"autoAssign"`
}

type RespondResult struct {
	Message      Message      `json:"message"`
	Conversation Conversation `json:"conversation"`
}

type PersonalStatusRequest struct {
	AgentID        string         `json:"agentId" validate:"required"`
	PersonalStatus PersonalStatus `json:"personalStatus" validate:"required,oneof=online offline"`
	Timestamp      *time.Time     `json:"timestamp,omitempty"`
}

type SystemModeRequest struct {
	Mode SystemMode `json:"mode" validate:"required,oneof=hitl autopilot off"`
}

type LoginRequest struct {
	AgentID  string `json:"agentId" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
	AgentID   string `json:"agentId"`
	Role      Role   `json:"role"`
}

// VisitorMessageRequest is posted by the chat widget. An empty
// ConversationID starts a new conversation.
type VisitorMessageRequest struct {
	ConversationID string `json:"conversationId"`
	VisitorID      string `json:"visitorId" validate:"required"`
	Content        string `json:"content" validate:"required"`
}

type VisitorMessageResult struct {
	Conversation Conversation `json:"conversation"`
	Message      Message      `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
