package assignment

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/apiclient"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/notify"
	"github.com/jordanhubbard/loomdesk/internal/queue"
	"github.com/jordanhubbard/loomdesk/internal/registry"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a tiny in-memory collaborator implementing API and registry.Source
type fakeServer struct {
	mu     sync.Mutex
	convs  map[string]*models.Conversation
	lists  int
	denyTo string // agent id the caller may not assign to
	fail   error  // returned by every mutation when set
	gate   chan struct{}
	sent   []models.RespondRequest
}

func newFakeServer(convs ...models.Conversation) *fakeServer {
	s := &fakeServer{convs: make(map[string]*models.Conversation)}
	for i := range convs {
		c := convs[i]
		s.convs[c.ID] = &c
	}
	return s
}

func (s *fakeServer) ListConversations(context.Context, apiclient.ListOptions) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	out := make([]models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeServer) mutate(op, id string, fn func(c *models.Conversation) error) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	c, ok := s.convs[id]
	if !ok {
		return &apiclient.Error{Kind: apiclient.KindNotFound, Op: op, Status: http.StatusNotFound, Message: "conversation not found"}
	}
	return fn(c)
}

func (s *fakeServer) Assign(_ context.Context, id, agentID, _ string) error {
	return s.mutate("assign", id, func(c *models.Conversation) error {
		if agentID == s.denyTo {
			return &apiclient.Error{Kind: apiclient.KindForbidden, Op: "assign", Status: http.StatusForbidden, Message: "forbidden"}
		}
		c.AssignedAgent = agentID
		return nil
	})
}

func (s *fakeServer) Unassign(_ context.Context, id, _ string) error {
	return s.mutate("unassign", id, func(c *models.Conversation) error {
		c.AssignedAgent = ""
		return nil
	})
}

func (s *fakeServer) SetCategory(_ context.Context, id, categoryID, _ string) error {
	return s.mutate("category", id, func(c *models.Conversation) error {
		c.CategoryID = categoryID
		return nil
	})
}

func (s *fakeServer) bulk(op string, ids []string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, id := range ids {
		if _, ok := s.convs[id]; !ok {
			return &apiclient.Error{Kind: apiclient.KindNotFound, Op: op, Status: http.StatusNotFound}
		}
	}
	for _, id := range ids {
		s.convs[id].Archived = archived
	}
	return nil
}

func (s *fakeServer) BulkArchive(_ context.Context, ids []string, _ string) error {
	return s.bulk("archive", ids, true)
}

func (s *fakeServer) BulkUnarchive(_ context.Context, ids []string, _ string) error {
	return s.bulk("unarchive", ids, false)
}

func (s *fakeServer) Resolve(_ context.Context, id, _ string) error {
	return s.mutate("resolve", id, func(c *models.Conversation) error {
		c.Status = models.ConversationStatusResolved
		return nil
	})
}

func (s *fakeServer) Reopen(_ context.Context, id, _ string) error {
	return s.mutate("reopen", id, func(c *models.Conversation) error {
		c.Status = models.ConversationStatusActive
		return nil
	})
}

func (s *fakeServer) Respond(_ context.Context, req models.RespondRequest) (*models.RespondResult, error) {
	var result *models.RespondResult
	err := s.mutate("send reply", req.ConversationID, func(c *models.Conversation) error {
		s.sent = append(s.sent, req)
		if req.AutoAssign {
			c.AssignedAgent = req.AgentID
		}
		msg := models.Message{ID: "m", ConversationID: c.ID, Sender: models.SenderAgent, Content: req.Message}
		c.LastMessage = msg.Preview()
		c.MessageCount++
		result = &models.RespondResult{Message: msg, Conversation: *c}
		return nil
	})
	return result, err
}

func (s *fakeServer) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

type fakeChat struct {
	mu        sync.Mutex
	open      string
	refreshes int
}

func (f *fakeChat) OpenChatID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChat) CloseChat() {
	f.mu.Lock()
	f.open = ""
	f.mu.Unlock()
}

func (f *fakeChat) RefreshChat(context.Context) error {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return nil
}

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	srv     *fakeServer
	reg     *registry.Registry
	chat    *fakeChat
	notices *notify.Center
	ctrl    *Controller
}

func newFixture(t *testing.T, agentID string, convs ...models.Conversation) *fixture {
	t.Helper()
	srv := newFakeServer(convs...)
	reg := registry.New(srv, logging.Discard())
	require.NoError(t, reg.Load(context.Background()))
	f := &fixture{srv: srv, reg: reg, chat: &fakeChat{}, notices: notify.NewCenter(0)}
	f.ctrl = New(Deps{
		AgentID:  agentID,
		API:      srv,
		Registry: reg,
		Chat:     f.chat,
		Notifier: f.notices,
		Logger:   logging.Discard(),
	})
	return f
}

func (f *fixture) lastNotice(t *testing.T) notify.Notification {
	t.Helper()
	active := f.notices.Active()
	require.NotEmpty(t, active)
	return active[len(active)-1]
}

func waiting(id string) models.Conversation {
	return models.Conversation{
		ID:          id,
		Status:      models.ConversationStatusActive,
		LastMessage: &models.MessagePreview{Sender: models.SenderVisitor, Metadata: models.MessageMetadata{PendingAgent: true}},
	}
}

func TestAssign_SelfReloadsAndQueuesFirst(t *testing.T) {
	f := newFixture(t, "a@x", waiting("X"), models.Conversation{ID: "Y"})

	require.NoError(t, f.ctrl.Assign(context.Background(), "X", "", true))

	x, ok := f.reg.Get("X")
	require.True(t, ok)
	assert.Equal(t, "a@x", x.AssignedAgent)
	assert.Equal(t, queue.BucketMineNeedsResponse, queue.BucketOf(x, "a@x"))
	assert.Equal(t, 2, f.srv.listCount(), "a forced reload follows the mutation")
	assert.Equal(t, notify.LevelSuccess, f.lastNotice(t).Level)
}

func TestAssign_ForbiddenLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, "a@x", models.Conversation{ID: "X", AssignedAgent: "c@x"})
	f.srv.denyTo = "b@x"

	err := f.ctrl.Assign(context.Background(), "X", "b@x", false)
	require.Error(t, err)
	assert.Equal(t, apiclient.KindForbidden, apiclient.KindOf(err))

	n := f.lastNotice(t)
	assert.Equal(t, notify.LevelError, n.Level)
	assert.Contains(t, n.Message, "not authorized to assign")

	f.ctrl.Wait()
	x, _ := f.reg.Get("X")
	assert.Equal(t, "c@x", x.AssignedAgent)
	assert.Equal(t, 2, f.srv.listCount(), "failure schedules one background refresh")
}

func TestAssign_DistinctMessagesPerKind(t *testing.T) {
	tests := []struct {
		kind apiclient.ErrorKind
		want string
	}{
		{apiclient.KindForbidden, "not authorized"},
		{apiclient.KindNotFound, "no longer exists"},
		{apiclient.KindServer, "server failed"},
		{apiclient.KindNetwork, "Could not reach the server"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t, "a@x", models.Conversation{ID: "X"})
			f.srv.fail = &apiclient.Error{Kind: tt.kind, Op: "assign"}

			err := f.ctrl.Assign(context.Background(), "X", "", true)
			assert.Equal(t, tt.kind, apiclient.KindOf(err))
			assert.Contains(t, f.lastNotice(t).Message, tt.want)
			f.ctrl.Wait()
		})
	}
}

func TestUnassign_ClosesOpenChatAndIsIdempotent(t *testing.T) {
	f := newFixture(t, "a@x", models.Conversation{ID: "X", AssignedAgent: "a@x"}, models.Conversation{ID: "Y"})
	f.chat.open = "X"

	require.NoError(t, f.ctrl.Unassign(context.Background(), "X"))
	assert.Equal(t, "", f.chat.OpenChatID())
	first := f.reg.All()

	require.NoError(t, f.ctrl.Unassign(context.Background(), "X"))
	assert.Equal(t, first, f.reg.All(), "second unassign observes the same state")
	x, _ := f.reg.Get("X")
	assert.False(t, x.IsAssigned())
}

func TestUnassign_OtherChatStaysOpen(t *testing.T) {
	f := newFixture(t, "a@x", models.Conversation{ID: "X", AssignedAgent: "a@x"}, models.Conversation{ID: "Y"})
	f.chat.open = "Y"
	require.NoError(t, f.ctrl.Unassign(context.Background(), "X"))
	assert.Equal(t, "Y", f.chat.OpenChatID())
}

func TestAssignCategory_PatchesWithoutReload(t *testing.T) {
	f := newFixture(t, "a@x", models.Conversation{ID: "X", CategoryID: "old"})

	require.NoError(t, f.ctrl.AssignCategory(context.Background(), "X", "billing"))
	x, _ := f.reg.Get("X")
	assert.Equal(t, "billing", x.CategoryID)
	assert.Equal(t, 1, f.srv.listCount())

	require.NoError(t, f.ctrl.AssignCategory(context.Background(), "X", ""))
	x, _ = f.reg.Get("X")
	assert.Equal(t, "", x.CategoryID)
}

func TestInFlightGuardRejectsSecondMutation(t *testing.T) {
	f := newFixture(t, "a@x", models.Conversation{ID: "X"}, models.Conversation{ID: "Y"})
	f.srv.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Assign(context.Background(), "X", "", true) }()
	require.Eventually(t, func() bool { return f.ctrl.Busy("X") }, timeout, tick)

	err := f.ctrl.Unassign(context.Background(), "X")
	assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
	assert.True(t, strings.Contains(err.Error(), "already being updated"))

	err = f.ctrl.Archive(context.Background(), []string{"Y", "X"})
	assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
	assert.False(t, f.ctrl.Busy("Y"), "a rejected batch holds nothing")

	close(f.srv.gate)
	require.NoError(t, <-done)
	assert.False(t, f.ctrl.Busy("X"))
	f.ctrl.Wait()
	assert.Equal(t, 2, f.srv.listCount(), "local rejections schedule no refresh")
}

func TestArchive_BatchReloadsOnce(t *testing.T) {
	f := newFixture(t, "a@x", models.Conversation{ID: "X"}, models.Conversation{ID: "Y"}, models.Conversation{ID: "Z"})

	require.NoError(t, f.ctrl.Archive(context.Background(), []string{"X", "Y"}))
	assert.Equal(t, 2, f.srv.listCount())
	archived := f.reg.View(models.ClientFilterState{ArchiveFilter: models.ArchiveArchived}, "a@x")
	assert.Len(t, archived, 2)

	err := f.ctrl.Unarchive(context.Background(), []string{"X", "missing"})
	assert.Equal(t, apiclient.KindNotFound, apiclient.KindOf(err))
	assert.Contains(t, f.lastNotice(t).Message, "unarchive the selected conversations")
	f.ctrl.Wait()
	x, _ := f.reg.Get("X")
	assert.True(t, x.Archived, "failed batch changes nothing")

	err = f.ctrl.Archive(context.Background(), nil)
	assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
}

func TestResolveReopen(t *testing.T) {
	f := newFixture(t, "a@x", models.Conversation{ID: "X", Status: models.ConversationStatusActive})

	require.NoError(t, f.ctrl.Resolve(context.Background(), "X"))
	x, _ := f.reg.Get("X")
	assert.Equal(t, models.ConversationStatusResolved, x.Status)

	require.NoError(t, f.ctrl.Reopen(context.Background(), "X"))
	x, _ = f.reg.Get("X")
	assert.Equal(t, models.ConversationStatusActive, x.Status)
}

func TestFailureRefreshesOpenChat(t *testing.T) {
	f := newFixture(t, "a@x", models.Conversation{ID: "X"})
	f.chat.open = "X"
	f.srv.fail = &apiclient.Error{Kind: apiclient.KindServer, Op: "resolve", Status: 500}

	assert.Error(t, f.ctrl.Resolve(context.Background(), "X"))
	f.ctrl.Wait()
	assert.Equal(t, 1, f.chat.refreshes)
}

func TestReply_AttributesSuggestionUse(t *testing.T) {
	f := newFixture(t, "a@x", waiting("X"))
	f.chat.open = "X"
	shown := &models.Suggestion{ConversationID: "X", Text: "Your refund is on its way."}

	_, err := f.ctrl.Reply(context.Background(), "X", "Your refund is on its way.", shown, true)
	require.NoError(t, err)
	_, err = f.ctrl.Reply(context.Background(), "X", "Your refund is on its way!", shown, false)
	require.NoError(t, err)
	_, err = f.ctrl.Reply(context.Background(), "X", "Hi there", nil, false)
	require.NoError(t, err)

	require.Len(t, f.srv.sent, 3)
	assert.Equal(t, models.ResponseAsIs, f.srv.sent[0].SuggestionAction)
	assert.True(t, f.srv.sent[0].UsedSuggestion)
	assert.Equal(t, models.ResponseEdited, f.srv.sent[1].SuggestionAction)
	assert.Equal(t, models.ResponseFromScratch, f.srv.sent[2].SuggestionAction)
	assert.False(t, f.srv.sent[2].UsedSuggestion)

	x, _ := f.reg.Get("X")
	assert.Equal(t, "a@x", x.AssignedAgent, "auto-assign applied with the first reply")
	assert.False(t, x.NeedsResponse())
	assert.Equal(t, 3, f.chat.refreshes)
}

func TestReply_EmptyMessageRejectedLocally(t *testing.T) {
	f := newFixture(t, "a@x", waiting("X"))
	_, err := f.ctrl.Reply(context.Background(), "X", "   ", nil, false)
	assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
	assert.Empty(t, f.srv.sent)
	assert.Contains(t, f.lastNotice(t).Message, "message body is empty")
}
