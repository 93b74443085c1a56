// Package suggestion tracks the AI suggestion shown for the open conversation.
package suggestion

import (
	"context"
	"sync"

	"github.com/jordanhubbard/loomdesk/internal/apiclient"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/sirupsen/logrus"
)

// State of the displayed slot. Consumed and Superseded are momentary and
// collapse straight back to Absent.
type State string

const (
	StateAbsent  State = "absent"
	StatePending State = "pending"
)

// Source is the subset of the REST client the panel needs
type Source interface {
	PendingSuggestion(ctx context.Context, conversationID string) (*models.Suggestion, error)
	GenerateSuggestion(ctx context.Context, conversationID string) (*models.Suggestion, error)
}

// Classify derives the response type of a reply from the suggestion that was
// on screen. Comparison is exact; whitespace differences count as edits.
func Classify(sent string, s *models.Suggestion) models.ResponseType {
	switch {
	case s == nil || s.Text == "":
		return models.ResponseFromScratch
	case sent == s.Text:
		return models.ResponseAsIs
	default:
		return models.ResponseEdited
	}
}

// Panel is bound to at most one open conversation. Every rebind, mode change,
// consume or supersede bumps the epoch; a poll or generate response is only
// applied if the epoch and conversation still match when it returns.
type Panel struct {
	src Source
	log *logrus.Entry

	mu             sync.Mutex
	mode           models.SystemMode
	conversationID string
	epoch          uint64
	current        *models.Suggestion
	watchers       []func(*models.Suggestion)
}

// NewPanel creates an unbound panel in the given mode
func NewPanel(src Source, mode models.SystemMode, logger logrus.FieldLogger) *Panel {
	return &Panel{
		src:  src,
		mode: mode,
		log:  logging.Component(logger, "suggestion"),
	}
}

// OnChange registers fn to run whenever the displayed suggestion changes
func (p *Panel) OnChange(fn func(*models.Suggestion)) {
	p.mu.Lock()
	p.watchers = append(p.watchers, fn)
	p.mu.Unlock()
}

// Open binds the panel to conversationID and, in hitl mode, polls for a
// pending suggestion.
func (p *Panel) Open(ctx context.Context, conversationID string) error {
	p.mu.Lock()
	p.conversationID = conversationID
	p.resetLocked()
	p.mu.Unlock()
	p.notify(nil)

	return p.Poll(ctx)
}

// Close unbinds the panel
func (p *Panel) Close() {
	p.mu.Lock()
	p.conversationID = ""
	p.resetLocked()
	p.mu.Unlock()
	p.notify(nil)
}

// Poll asks the server for the pending suggestion of the bound conversation.
// It is a no-op outside hitl mode. Errors leave the displayed state alone.
func (p *Panel) Poll(ctx context.Context) error {
	p.mu.Lock()
	id, epoch, mode := p.conversationID, p.epoch, p.mode
	p.mu.Unlock()
	if id == "" || mode != models.SystemModeHITL {
		return nil
	}

	s, err := p.src.PendingSuggestion(ctx, id)
	if err != nil {
		p.log.WithError(err).WithField("conversation", id).Warn("suggestion poll failed")
		return err
	}
	p.apply(id, epoch, s)
	return nil
}

// Generate requests a fresh suggestion for the bound conversation
func (p *Panel) Generate(ctx context.Context) (*models.Suggestion, error) {
	p.mu.Lock()
	id, epoch, mode := p.conversationID, p.epoch, p.mode
	p.mu.Unlock()
	if id == "" {
		return nil, apiclient.Validation("generate suggestion", "no conversation is open")
	}
	if mode != models.SystemModeHITL {
		return nil, apiclient.Validation("generate suggestion", "suggestions are only available in hitl mode")
	}

	s, err := p.src.GenerateSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.apply(id, epoch, s) {
		return nil, nil
	}
	return s, nil
}

// Invalidate drops the displayed suggestion because a newer visitor message
// arrived for conversationID. It reports false for any other conversation.
func (p *Panel) Invalidate(conversationID string) bool {
	p.mu.Lock()
	if conversationID != p.conversationID || p.conversationID == "" {
		p.mu.Unlock()
		return false
	}
	p.resetLocked()
	p.mu.Unlock()
	p.notify(nil)
	return true
}

// Supersede invalidates and then polls for the replacement
func (p *Panel) Supersede(ctx context.Context, conversationID string) error {
	if !p.Invalidate(conversationID) {
		return nil
	}
	return p.Poll(ctx)
}

// Consume clears the slot for a reply with text sent and returns how the
// reply relates to what was displayed.
func (p *Panel) Consume(sent string) models.ResponseType {
	p.mu.Lock()
	var shown *models.Suggestion
	if p.mode == models.SystemModeHITL {
		shown = p.current
	}
	rt := Classify(sent, shown)
	p.resetLocked()
	p.mu.Unlock()
	p.notify(nil)
	return rt
}

// SetMode records the system mode. Leaving hitl hides the suggestion at once.
func (p *Panel) SetMode(mode models.SystemMode) {
	p.mu.Lock()
	p.mode = mode
	hide := mode != models.SystemModeHITL
	if hide {
		p.resetLocked()
	}
	p.mu.Unlock()
	if hide {
		p.notify(nil)
	}
}

// Current returns the displayed suggestion, or nil
func (p *Panel) Current() *models.Suggestion {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != models.SystemModeHITL {
		return nil
	}
	return p.current
}

// State reports whether a suggestion is displayed
func (p *Panel) State() State {
	if p.Current() != nil {
		return StatePending
	}
	return StateAbsent
}

// ConversationID returns the bound conversation
func (p *Panel) ConversationID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conversationID
}

func (p *Panel) resetLocked() {
	p.epoch++
	p.current = nil
}

// apply installs s if nothing changed since the request was issued
func (p *Panel) apply(id string, epoch uint64, s *models.Suggestion) bool {
	p.mu.Lock()
	if p.epoch != epoch || p.conversationID != id || p.mode != models.SystemModeHITL {
		p.mu.Unlock()
		p.log.WithField("conversation", id).Debug("discarding stale suggestion response")
		return false
	}
	if s != nil && s.Text == "" {
		s = nil
	}
	p.current = s
	p.mu.Unlock()
	p.notify(s)
	return true
}

func (p *Panel) notify(s *models.Suggestion) {
	p.mu.Lock()
	watchers := append([]func(*models.Suggestion){}, p.watchers...)
	p.mu.Unlock()
	for _, w := range watchers {
		w(s)
	}
}
