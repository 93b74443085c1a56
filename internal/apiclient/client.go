package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client talks to the loomdesk REST surface on behalf of one agent
type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a client for baseURL (e.g. http://localhost:8080). Requests are
// traced through otelhttp.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		token: token,
	}
}

// SetToken replaces the bearer token used for subsequent requests
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do performs one request. out may be nil. Every failure is an *Error.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, in, out interface{}) error {
	u := fmt.Sprintf("%s/api%s", c.BaseURL, path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindValidation, Op: op, Message: "failed to encode request", Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Message: "failed to create request", Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(respBody))
		var er models.ErrorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return &Error{Kind: KindForStatus(resp.StatusCode), Op: op, Status: resp.StatusCode, Message: msg}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &Error{Kind: KindServer, Op: op, Status: resp.StatusCode, Message: "malformed response body", Err: err}
		}
	}
	return nil
}

// ListOptions narrows a conversation list request. Empty fields mean "all".
type ListOptions struct {
	ArchiveFilter    models.ArchiveFilter
	AssignmentFilter models.AssignmentFilter
	AgentID          string
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.ArchiveFilter != "" {
		v.Set("archiveFilter", string(o.ArchiveFilter))
	}
	if o.AssignmentFilter != "" {
		v.Set("assignmentFilter", string(o.AssignmentFilter))
	}
	if o.AgentID != "" {
		v.Set("agentId", o.AgentID)
	}
	return v
}

// ListConversations fetches a conversation snapshot
func (c *Client) ListConversations(ctx context.Context, opts ListOptions) ([]models.Conversation, error) {
	var out models.ConversationList
	if err := c.do(ctx, "list conversations", http.MethodGet, "/conversations", opts.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ListMessages fetches the messages of one conversation
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out models.MessageList
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, "list messages", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ListAgents fetches the current presence roster
func (c *Client) ListAgents(ctx context.Context) ([]models.AgentPresence, error) {
	var out models.AgentList
	if err := c.do(ctx, "list agents", http.MethodGet, "/agents", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Assign transfers ownership of a conversation to agentID
func (c *Client) Assign(ctx context.Context, conversationID, agentID, assignedBy string) error {
	path := fmt.Sprintf("/conversations/%s/assign", url.PathEscape(conversationID))
	return c.do(ctx, "assign", http.MethodPost, path, nil, models.AssignRequest{AgentID: agentID, AssignedBy: assignedBy}, nil)
}

// Unassign clears ownership of a conversation
func (c *Client) Unassign(ctx context.Context, conversationID, agentID string) error {
	path := fmt.Sprintf("/conversations/%s/unassign", url.PathEscape(conversationID))
	return c.do(ctx, "unassign", http.MethodPost, path, nil, models.UnassignRequest{AgentID: agentID}, nil)
}

// SetCategory sets or, with an empty categoryID, clears the category
func (c *Client) SetCategory(ctx context.Context, conversationID, categoryID, assignedBy string) error {
	req := models.CategoryRequest{AssignedBy: assignedBy}
	if categoryID != "" {
		req.CategoryID = &categoryID
	}
	path := fmt.Sprintf("/conversations/%s/category", url.PathEscape(conversationID))
	return c.do(ctx, "assign category", http.MethodPatch, path, nil, req, nil)
}

// BulkArchive archives every listed conversation
func (c *Client) BulkArchive(ctx context.Context, ids []string, by string) error {
	return c.do(ctx, "archive", http.MethodPost, "/conversations/bulk-archive", nil,
		models.BulkArchiveRequest{ConversationIDs: ids, ArchivedBy: by}, nil)
}

// BulkUnarchive restores every listed conversation
func (c *Client) BulkUnarchive(ctx context.Context, ids []string, by string) error {
	return c.do(ctx, "unarchive", http.MethodPost, "/conversations/bulk-unarchive", nil,
		models.BulkUnarchiveRequest{ConversationIDs: ids, UnarchivedBy: by}, nil)
}

// Resolve marks a conversation resolved
func (c *Client) Resolve(ctx context.Context, conversationID, agentID string) error {
	path := fmt.Sprintf("/conversations/%s/resolve", url.PathEscape(conversationID))
	return c.do(ctx, "resolve", http.MethodPost, path, nil, models.StatusChangeRequest{AgentID: agentID}, nil)
}

// Reopen marks a resolved conversation active again
func (c *Client) Reopen(ctx context.Context, conversationID, agentID string) error {
	path := fmt.Sprintf("/conversations/%s/reopen", url.PathEscape(conversationID))
	return c.do(ctx, "reopen", http.MethodPost, path, nil, models.StatusChangeRequest{AgentID: agentID}, nil)
}

// Respond sends an agent reply. An empty message is rejected locally.
func (c *Client) Respond(ctx context.Context, req models.RespondRequest) (*models.RespondResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, Validation("send reply", "message body is empty")
	}
	var out models.RespondResult
	if err := c.do(ctx, "send reply", http.MethodPost, "/agent/respond", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPersonalStatus records the agent's availability
func (c *Client) SetPersonalStatus(ctx context.Context, agentID string, status models.PersonalStatus, at time.Time) error {
	req := models.PersonalStatusRequest{AgentID: agentID, PersonalStatus: status}
	if !at.IsZero() {
		req.Timestamp = &at
	}
	return c.do(ctx, "set personal status", http.MethodPost, "/agent/personal-status", nil, req, nil)
}

// GenerateSuggestion asks the pipeline for a fresh suggestion
func (c *Client) GenerateSuggestion(ctx context.Context, conversationID string) (*models.Suggestion, error) {
	var out models.Suggestion
	path := fmt.Sprintf("/conversations/%s/generate-suggestion", url.PathEscape(conversationID))
	if err := c.do(ctx, "generate suggestion", http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	return &out, nil
}

// PendingSuggestion returns the pending suggestion, or nil when the slot is empty
func (c *Client) PendingSuggestion(ctx context.Context, conversationID string) (*models.Suggestion, error) {
	var out models.Suggestion
	path := fmt.Sprintf("/conversations/%s/pending-suggestion", url.PathEscape(conversationID))
	if err := c.do(ctx, "poll suggestion", http.MethodGet, path, nil, nil, &out); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	return &out, nil
}

// SystemMode fetches the current system mode
func (c *Client) SystemMode(ctx context.Context) (models.SystemMode, error) {
	var out models.SystemModeRequest
	if err := c.do(ctx, "get system mode", http.MethodGet, "/system/mode", nil, nil, &out); err != nil {
		return "", err
	}
	return out.Mode, nil
}

// SetSystemMode changes the process-wide mode (admin only)
func (c *Client) SetSystemMode(ctx context.Context, mode models.SystemMode) error {
	return c.do(ctx, "set system mode", http.MethodPost, "/system/mode", nil, models.SystemModeRequest{Mode: mode}, nil)
}

// RecentLogs fetches captured server log entries, newest first (admin only)
func (c *Client) RecentLogs(ctx context.Context, limit int, level, component string) ([]logging.LogEntry, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if level != "" {
		v.Set("level", level)
	}
	if component != "" {
		v.Set("component", component)
	}
	var out []logging.LogEntry
	if err := c.do(ctx, "read logs", http.MethodGet, "/system/logs", v, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Login exchanges credentials for a bearer token and keeps it on the client
func (c *Client) Login(ctx context.Context, agentID, password string) (*models.LoginResponse, error) {
	var out models.LoginResponse
	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", nil, models.LoginRequest{AgentID: agentID, Password: password}, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out, nil
}

// RealtimeURL derives the websocket URL for the realtime channel
func (c *Client) RealtimeURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
