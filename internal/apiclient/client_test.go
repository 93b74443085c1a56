package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok", 5*time.Second)
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusForbidden, KindForbidden},
		{http.StatusUnauthorized, KindForbidden},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
		{http.StatusBadRequest, KindValidation},
		{http.StatusConflict, KindValidation},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForStatus(tt.status), "status %d", tt.status)
	}
}

func TestClient_ListConversations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "archived", r.URL.Query().Get("archiveFilter"))
		_ = json.NewEncoder(w).Encode(models.ConversationList{Conversations: []models.Conversation{{ID: "c1", AssignedAgent: "a@x"}}})
	})

	convs, err := c.ListConversations(context.Background(), ListOptions{ArchiveFilter: models.ArchiveArchived})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "a@x", convs[0].AssignedAgent)
}

func TestClient_AssignForbidden(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversations/c1/assign", r.URL.Path)
		var req models.AssignRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "b@x", req.AgentID)
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "agents may only assign to themselves"})
	})

	err := c.Assign(context.Background(), "c1", "b@x", "a@x")
	require.Error(t, err)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, KindForbidden, apiErr.Kind)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "agents may only assign to themselves", apiErr.Message)
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, "", time.Second)
	_, err := c.ListConversations(context.Background(), ListOptions{})
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestClient_RespondRejectsEmptyMessage(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.Respond(context.Background(), models.RespondRequest{ConversationID: "c1", AgentID: "a", Message: "  "})
	assert.Equal(t, KindValidation, KindOf(err))
	assert.False(t, called)
}

func TestClient_PendingSuggestion(t *testing.T) {
	present := true
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !present {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "no pending suggestion"})
			return
		}
		_, _ = w.Write([]byte(`{"suggestion":"Try restarting","confidence":0.8}`))
	})

	s, err := c.PendingSuggestion(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "Try restarting", s.Text)
	assert.Equal(t, "c1", s.ConversationID)

	present = false
	s, err = c.PendingSuggestion(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestClient_SetCategoryNull(t *testing.T) {
	var body map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	})

	require.NoError(t, c.SetCategory(context.Background(), "c1", "", "a"))
	v, ok := body["category_id"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestClient_LoginStoresToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.LoginResponse{Token: "fresh", AgentID: "a", Role: models.RoleAgent})
	})
	c.SetToken("")

	resp, err := c.Login(context.Background(), "a", "pw")
	require.NoError(t, err)
	assert.Equal(t, "fresh", resp.Token)
	assert.Equal(t, "fresh", c.Token())
}

func TestClient_RealtimeURL(t *testing.T) {
	c := New("https://desk.example.com/", "", 0)
	u, err := c.RealtimeURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://desk.example.com/ws", u)
}

func TestClient_RecentLogs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/system/logs", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "hub", r.URL.Query().Get("component"))
		assert.Empty(t, r.URL.Query().Get("level"))
		_ = json.NewEncoder(w).Encode([]logging.LogEntry{{Level: "warning", Component: "hub", Message: "slow client dropped"}})
	})

	entries, err := c.RecentLogs(context.Background(), 20, "", "hub")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "slow client dropped", entries[0].Message)
}
