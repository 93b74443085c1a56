package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jordanhubbard/loomdesk/internal/apiclient"
	"github.com/jordanhubbard/loomdesk/internal/auth"
	"github.com/jordanhubbard/loomdesk/internal/desk"
	"github.com/jordanhubbard/loomdesk/internal/hub"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/presence"
	"github.com/jordanhubbard/loomdesk/internal/slots"
	"github.com/jordanhubbard/loomdesk/internal/store"
	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const password = "correct horse"

type testServer struct {
	*httptest.Server
	desk *desk.Service
	hub  *hub.Hub
}

func newTestServer(t *testing.T, checks map[string]Check) *testServer {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	security := config.SecurityConfig{
		EnableAuth: true,
		JWTSecret:  "test",
		TokenTTL:   time.Hour,
		Agents: []config.AgentAccount{
			{ID: "alice", Role: models.RoleAgent, PasswordHash: hash},
			{ID: "bob", Role: models.RoleAgent, PasswordHash: hash},
			{ID: "root", Role: models.RoleAdmin, PasswordHash: hash},
		},
	}

	logs := logging.NewManager(100)
	logger := logging.Discard()
	logger.AddHook(logs)

	svc, err := desk.New(desk.Options{
		Store:    store.NewMemory(),
		Slots:    slots.NewMemory(0),
		Presence: presence.NewMemoryStore(0),
		Mode:     models.SystemModeHITL,
		Logger:   logger,
	})
	require.NoError(t, err)
	h := hub.New(hub.Options{Desk: svc, ReplicaID: "test"})
	svc.SetBroadcaster(h)

	s := NewServer(Options{
		Desk:     svc,
		Hub:      h,
		Auth:     auth.NewManager(security, nil),
		Security: security,
		Checks:   checks,
		Logs:     logs,
		Logger:   logger,
	})
	srv := httptest.NewServer(s.SetupRoutes())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, desk: svc, hub: h}
}

func (ts *testServer) login(t *testing.T, agentID string) *apiclient.Client {
	t.Helper()
	c := apiclient.New(ts.URL, "", 5*time.Second)
	_, err := c.Login(context.Background(), agentID, password)
	require.NoError(t, err)
	return c
}

func (ts *testServer) visitor(t *testing.T, conversationID, content string) models.VisitorMessageResult {
	t.Helper()
	body, err := json.Marshal(models.VisitorMessageRequest{ConversationID: conversationID, VisitorID: "v-" + conversationID, Content: content})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/widget/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.VisitorMessageResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthAndMetricsNeedNoToken(t *testing.T) {
	ts := newTestServer(t, map[string]Check{"store": func(context.Context) error { return nil }})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "hitl", health.Mode)
	assert.Equal(t, "healthy", health.Dependencies["store"].Status)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestHealthDegraded(t *testing.T) {
	ts := newTestServer(t, map[string]Check{"redis": func(context.Context) error { return errors.New("connection refused") }})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	anon := apiclient.New(ts.URL, "", 5*time.Second)
	_, err := anon.ListConversations(ctx, apiclient.ListOptions{})
	assert.Equal(t, apiclient.KindForbidden, apiclient.KindOf(err))

	_, err = anon.Login(ctx, "alice", "wrong")
	assert.Equal(t, apiclient.KindForbidden, apiclient.KindOf(err))

	alice := ts.login(t, "alice")
	_, err = alice.ListConversations(ctx, apiclient.ListOptions{})
	assert.NoError(t, err)
}

func TestConversationLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	alice := ts.login(t, "alice")

	started := ts.visitor(t, "", "my parcel is late")
	id := started.Conversation.ID

	convs, err := alice.ListConversations(ctx, apiclient.ListOptions{AgentID: "alice"})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.True(t, convs[0].NeedsResponse())

	require.NoError(t, alice.Assign(ctx, id, "alice", "alice"))
	err = alice.Assign(ctx, id, "bob", "alice")
	assert.Equal(t, apiclient.KindForbidden, apiclient.KindOf(err))

	require.NoError(t, alice.SetCategory(ctx, id, "shipping", "alice"))
	require.NoError(t, alice.SetCategory(ctx, id, "", "alice"))

	res, err := alice.Respond(ctx, models.RespondRequest{ConversationID: id, AgentID: "alice", Message: "Looking into it"})
	require.NoError(t, err)
	assert.False(t, res.Conversation.NeedsResponse())
	assert.Equal(t, models.ResponseFromScratch, res.Message.Metadata.ResponseAttribution.ResponseType)

	msgs, err := alice.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.SenderVisitor, msgs[0].Sender)
	assert.Equal(t, models.SenderAgent, msgs[1].Sender)

	sugg, err := alice.PendingSuggestion(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sugg, "404 reads as an empty slot")

	_, err = alice.GenerateSuggestion(ctx, id)
	assert.Equal(t, apiclient.KindServer, apiclient.KindOf(err), "no provider configured")

	require.NoError(t, alice.Resolve(ctx, id, "alice"))
	require.NoError(t, alice.Reopen(ctx, id, "alice"))
	require.NoError(t, alice.Unassign(ctx, id, "alice"))
	require.NoError(t, alice.Unassign(ctx, id, "alice"))

	require.NoError(t, alice.BulkArchive(ctx, []string{id}, "alice"))
	archived, err := alice.ListConversations(ctx, apiclient.ListOptions{ArchiveFilter: models.ArchiveArchived})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.True(t, archived[0].Archived)
	require.NoError(t, alice.BulkUnarchive(ctx, []string{id}, "alice"))
}

func TestErrorKinds(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	alice := ts.login(t, "alice")

	err := alice.Assign(ctx, "missing", "alice", "alice")
	assert.Equal(t, apiclient.KindNotFound, apiclient.KindOf(err))

	err = alice.BulkArchive(ctx, []string{}, "alice")
	assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))

	ts.visitor(t, "c1", "hi")
	err = alice.SetPersonalStatus(ctx, "bob", models.PersonalStatusOnline, time.Time{})
	assert.Equal(t, apiclient.KindForbidden, apiclient.KindOf(err))
}

func TestSystemModeAndPresence(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	alice := ts.login(t, "alice")
	root := ts.login(t, "root")

	mode, err := alice.SystemMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SystemModeHITL, mode)

	err = alice.SetSystemMode(ctx, models.SystemModeAutopilot)
	assert.Equal(t, apiclient.KindForbidden, apiclient.KindOf(err))

	require.NoError(t, root.SetSystemMode(ctx, models.SystemModeAutopilot))
	mode, err = alice.SystemMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SystemModeAutopilot, mode)

	require.NoError(t, alice.SetPersonalStatus(ctx, "alice", models.PersonalStatusOnline, time.Now()))
	agents, err := alice.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, models.PersonalStatusOnline, agents[0].PersonalStatus)
}

func TestWebSocketDeliversEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.login(t, "alice")

	wsURL, err := alice.RealtimeURL()
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err, "handshake without a token is refused")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+alice.Token(), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	ts.visitor(t, "c1", "anyone there?")

	seen := map[string]bool{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for !seen[messages.EventNewMessage] {
		var env messages.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		seen[env.Type] = true
	}
	assert.True(t, seen[messages.EventNewConversation])
}

func TestVisitorIngressValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, body := range []string{`{"visitorId":"v1"}`, `{"content":"hi"}`, `not json`} {
		resp, err := http.Post(ts.URL+"/widget/messages", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", desk.ErrNotFound), http.StatusNotFound},
		{desk.ErrForbidden, http.StatusForbidden},
		{desk.ErrInvalid, http.StatusBadRequest},
		{desk.ErrUnavailable, http.StatusServiceUnavailable},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestSystemLogsAreAdminOnly(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.login(t, "alice")
	root := ts.login(t, "root")
	require.NoError(t, root.SetSystemMode(context.Background(), models.SystemModeAutopilot))

	get := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/system/logs?component=desk", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get(alice.Token())
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = get(root.Token())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []logging.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, "desk", e.Component)
	}
}
