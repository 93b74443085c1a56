package suggestion

import (
	"context"
	"sync"
	"testing"

	"github.com/jordanhubbard/loomdesk/internal/apiclient"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	slots   map[string]*models.Suggestion
	polls   int
	onPoll  func()
	gate    chan struct{}
	started chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{slots: make(map[string]*models.Suggestion)}
}

func (f *fakeSource) set(id, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if text == "" {
		delete(f.slots, id)
		return
	}
	f.slots[id] = &models.Suggestion{ConversationID: id, Text: text, Confidence: 0.9}
}

func (f *fakeSource) PendingSuggestion(_ context.Context, id string) (*models.Suggestion, error) {
	f.mu.Lock()
	f.polls++
	onPoll, gate, started := f.onPoll, f.gate, f.started
	s := f.slots[id]
	f.mu.Unlock()
	if onPoll != nil {
		onPoll()
	}
	if gate != nil {
		close(started)
		<-gate
	}
	return s, nil
}

func (f *fakeSource) GenerateSuggestion(_ context.Context, id string) (*models.Suggestion, error) {
	s := &models.Suggestion{ConversationID: id, Text: "generated"}
	f.mu.Lock()
	f.slots[id] = s
	f.mu.Unlock()
	return s, nil
}

func TestClassify(t *testing.T) {
	s := &models.Suggestion{Text: "Have you tried turning it off and on?"}
	tests := []struct {
		name string
		sent string
		s    *models.Suggestion
		want models.ResponseType
	}{
		{"identical", "Have you tried turning it off and on?", s, models.ResponseAsIs},
		{"edited", "Have you tried turning it off?", s, models.ResponseEdited},
		{"trailing space counts as edit", "Have you tried turning it off and on? ", s, models.ResponseEdited},
		{"no suggestion", "Hello", nil, models.ResponseFromScratch},
		{"empty suggestion", "Hello", &models.Suggestion{}, models.ResponseFromScratch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.sent, tt.s))
		})
	}
}

func TestPanel_OpenPollsInHITL(t *testing.T) {
	src := newFakeSource()
	src.set("c1", "hello there")
	p := NewPanel(src, models.SystemModeHITL, logging.Discard())

	require.NoError(t, p.Open(context.Background(), "c1"))
	require.NotNil(t, p.Current())
	assert.Equal(t, "hello there", p.Current().Text)
	assert.Equal(t, StatePending, p.State())
}

func TestPanel_NoPollOutsideHITL(t *testing.T) {
	src := newFakeSource()
	src.set("c1", "hello there")
	p := NewPanel(src, models.SystemModeAutopilot, logging.Discard())

	require.NoError(t, p.Open(context.Background(), "c1"))
	assert.Nil(t, p.Current())
	assert.Equal(t, 0, src.polls)

	_, err := p.Generate(context.Background())
	assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
}

func TestPanel_ConsumeClassifiesAndClears(t *testing.T) {
	src := newFakeSource()
	src.set("c1", "Sure, refund issued.")
	p := NewPanel(src, models.SystemModeHITL, logging.Discard())
	require.NoError(t, p.Open(context.Background(), "c1"))

	assert.Equal(t, models.ResponseAsIs, p.Consume("Sure, refund issued."))
	assert.Nil(t, p.Current())
	assert.Equal(t, models.ResponseFromScratch, p.Consume("anything"))

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, models.ResponseEdited, p.Consume("Sure, refund issued!"))
}

func TestPanel_SupersedeClearsBeforePolling(t *testing.T) {
	src := newFakeSource()
	src.set("c1", "answer to old message")
	p := NewPanel(src, models.SystemModeHITL, logging.Discard())
	require.NoError(t, p.Open(context.Background(), "c1"))
	require.NotNil(t, p.Current())

	src.set("c1", "answer to new message")
	var shownDuringPoll *models.Suggestion
	src.onPoll = func() { shownDuringPoll = p.Current() }

	require.NoError(t, p.Supersede(context.Background(), "c1"))
	assert.Nil(t, shownDuringPoll, "old suggestion must be gone before the replacement poll")
	require.NotNil(t, p.Current())
	assert.Equal(t, "answer to new message", p.Current().Text)
}

func TestPanel_SupersedeOtherConversationIgnored(t *testing.T) {
	src := newFakeSource()
	src.set("c1", "keep me")
	p := NewPanel(src, models.SystemModeHITL, logging.Discard())
	require.NoError(t, p.Open(context.Background(), "c1"))

	require.NoError(t, p.Supersede(context.Background(), "c2"))
	require.NotNil(t, p.Current())
	assert.Equal(t, "keep me", p.Current().Text)
}

func TestPanel_ModeChangeHidesAndDropsInFlightPoll(t *testing.T) {
	src := newFakeSource()
	src.set("c1", "pending text")
	p := NewPanel(src, models.SystemModeHITL, logging.Discard())
	require.NoError(t, p.Open(context.Background(), "c1"))
	require.NotNil(t, p.Current())

	gate, started := make(chan struct{}), make(chan struct{})
	src.mu.Lock()
	src.gate, src.started = gate, started
	src.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- p.Poll(context.Background()) }()
	<-started

	p.SetMode(models.SystemModeAutopilot)
	assert.Nil(t, p.Current(), "leaving hitl hides the suggestion immediately")

	close(gate)
	require.NoError(t, <-done)
	src.mu.Lock()
	src.gate, src.started = nil, nil
	src.mu.Unlock()
	p.SetMode(models.SystemModeHITL)
	assert.Nil(t, p.Current(), "a poll issued before the mode change must not resurface")
}

func TestPanel_StaleResponseAfterSwitch(t *testing.T) {
	src := newFakeSource()
	src.set("a", "for a")
	src.set("b", "for b")
	p := NewPanel(src, models.SystemModeHITL, logging.Discard())
	require.NoError(t, p.Open(context.Background(), "a"))

	gate := make(chan struct{})
	src.mu.Lock()
	src.gate, src.started = gate, make(chan struct{})
	started := src.started
	src.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.Poll(context.Background()) }()
	<-started

	src.mu.Lock()
	src.gate, src.started = nil, nil
	src.mu.Unlock()
	require.NoError(t, p.Open(context.Background(), "b"))
	assert.Equal(t, "for b", p.Current().Text)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, "for b", p.Current().Text, "a slow response for a must not land on b")
}
