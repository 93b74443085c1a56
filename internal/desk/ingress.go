package desk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/loomdesk/internal/store"
	"github.com/jordanhubbard/loomdesk/internal/telemetry"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"go.opentelemetry.io/otel/attribute"
)

const generateTimeout = 2 * time.Minute

// VisitorMessage takes a message from the chat widget. The first message of
// a conversation creates it. The message marks the conversation as waiting
// for an agent and supersedes any pending suggestion; what happens next
// depends on the system mode.
func (s *Service) VisitorMessage(ctx context.Context, req models.VisitorMessageRequest) (*models.VisitorMessageResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "desk.VisitorMessage")
	defer span.End()

	if strings.TrimSpace(req.VisitorID) == "" || strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: visitorId and content are required", ErrInvalid)
	}

	now := s.now().UTC()
	created, err := s.ensureConversation(ctx, &req, now)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", req.ConversationID))

	msg := models.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Sender:         models.SenderVisitor,
		Content:        req.Content,
		Timestamp:      now,
	}
	msg.Metadata.PendingAgent = true

	conv, err := s.store.AppendMessage(ctx, msg, func(c *models.Conversation) error {
		if c.VisitorID != req.VisitorID {
			return fmt.Errorf("%w: conversation %s belongs to another visitor", ErrForbidden, c.ID)
		}
		c.Status = models.ConversationStatusActive
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	s.metrics.RecordMessage(string(models.SenderVisitor))

	s.supersede(ctx, conv.ID, msg.ID)

	if created {
		s.metrics.RecordConversationStarted()
		s.publish(ctx, messages.EventNewConversation, messages.NewConversation{Conversation: conv})
	}
	s.publish(ctx, messages.EventNewMessage, messages.NewMessage{ConversationID: conv.ID, Message: msg})

	switch mode := s.Mode(); {
	case s.gen == nil || mode == models.SystemModeOff:
	case mode == models.SystemModeHITL:
		s.background(ctx, func(ctx context.Context) { s.suggest(ctx, conv.ID, msg.ID) })
	case mode == models.SystemModeAutopilot:
		s.background(ctx, func(ctx context.Context) { s.autoReply(ctx, conv.ID, msg.ID) })
	}

	return &models.VisitorMessageResult{Conversation: conv, Message: msg}, nil
}

func (s *Service) ensureConversation(ctx context.Context, req *models.VisitorMessageRequest, now time.Time) (bool, error) {
	if req.ConversationID != "" {
		_, err := s.store.GetConversation(ctx, req.ConversationID)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	} else {
		req.ConversationID = uuid.New().String()
	}

	err := s.store.CreateConversation(ctx, models.Conversation{
		ID:        req.ConversationID,
		VisitorID: req.VisitorID,
		StartedAt: now,
		Status:    models.ConversationStatusActive,
	})
	if errors.Is(err, store.ErrExists) {
		// lost a race with the same widget's previous request
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.log.WithField("conversation", req.ConversationID).WithField("visitor", req.VisitorID).Info("conversation started")
	return true, nil
}

// supersede empties the slot and makes messageID the only visitor message a
// generation may still answer
func (s *Service) supersede(ctx context.Context, conversationID, messageID string) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.latest[conversationID] = messageID
	if _, err := s.slots.Clear(ctx, conversationID); err != nil {
		s.log.WithError(err).WithField("conversation", conversationID).Warn("failed to clear suggestion slot")
	}
}

// forget drops the generation bookkeeping of conversations nobody is
// expected to answer any more
func (s *Service) forget(ids ...string) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	for _, id := range ids {
		delete(s.latest, id)
	}
}

// current reports whether messageID is still the visitor message awaiting an answer
func (s *Service) current(conversationID, messageID string) bool {
	return s.latest[conversationID] == messageID
}

func (s *Service) background(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, generateTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// generate runs the pipeline. basis is the id of the conversation's last
// message when generation started, "" for an empty conversation.
func (s *Service) generate(ctx context.Context, conversationID, trigger string) (sugg *models.Suggestion, basis string, err error) {
	ctx, span := telemetry.Tracer.Start(ctx, "desk.generate")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID), attribute.String("trigger", trigger))

	if s.gen == nil {
		return nil, "", fmt.Errorf("%w: no suggestion provider configured", ErrUnavailable)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, "", storeErr(err)
	}
	if conv.LastMessage != nil {
		basis = conv.LastMessage.ID
	}
	history, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, "", storeErr(err)
	}

	start := time.Now()
	res, err := s.gen.Generate(ctx, conv, history)
	s.metrics.RecordSuggestion(trigger, err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &models.Suggestion{
		ConversationID: conversationID,
		Text:           res.Text,
		Confidence:     res.Confidence,
		Metadata:       res.Metadata,
		CreatedAt:      s.now().UTC(),
	}, basis, nil
}

// answering reports whether the stored conversation still ends with
// messageID and, when waiting is set, whether that message still waits for
// an agent. The store is shared by every replica; latest is not.
func (s *Service) answering(ctx context.Context, conversationID, messageID string, waiting bool) (bool, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, storeErr(err)
	}
	last := conv.LastMessage
	if last == nil {
		return messageID == "" && !waiting, nil
	}
	return last.ID == messageID && (!waiting || last.Metadata.PendingAgent), nil
}

// place writes sugg into the slot unless the conversation moved past basis.
// The check repeats after the write: a reply or visitor message appended
// before its slot clear is then seen, and sugg is taken back out.
func (s *Service) place(ctx context.Context, sugg models.Suggestion, basis string, waiting bool) (bool, error) {
	ok, err := s.answering(ctx, sugg.ConversationID, basis, waiting)
	if err != nil || !ok {
		return false, err
	}
	if err := s.slots.Put(ctx, sugg); err != nil {
		return false, fmt.Errorf("failed to store suggestion: %w", err)
	}
	ok, err = s.answering(ctx, sugg.ConversationID, basis, waiting)
	if err == nil && ok {
		return true, nil
	}
	held, gerr := s.slots.Get(ctx, sugg.ConversationID)
	if gerr == nil && held != nil && held.Text == sugg.Text && held.CreatedAt.Equal(sugg.CreatedAt) {
		if _, cerr := s.slots.Clear(ctx, sugg.ConversationID); cerr != nil {
			s.log.WithError(cerr).WithField("conversation", sugg.ConversationID).Warn("failed to withdraw suggestion")
		}
	}
	return false, err
}

// suggest fills the slot for messageID unless a newer visitor message or an
// agent reply got there first
func (s *Service) suggest(ctx context.Context, conversationID, messageID string) {
	log := s.log.WithField("conversation", conversationID)
	sugg, _, err := s.generate(ctx, conversationID, "visitor")
	if err != nil {
		log.WithError(err).Warn("suggestion generation failed")
		return
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()
	if !s.current(conversationID, messageID) || s.Mode() != models.SystemModeHITL {
		log.Debug("dropping suggestion for a superseded message")
		return
	}
	placed, err := s.place(ctx, *sugg, messageID, true)
	switch {
	case err != nil:
		log.WithError(err).Warn("failed to store suggestion")
	case !placed:
		log.Debug("dropping suggestion for an answered message")
	}
}

// autoReply sends the generated answer straight to the visitor
func (s *Service) autoReply(ctx context.Context, conversationID, messageID string) {
	log := s.log.WithField("conversation", conversationID)
	sugg, _, err := s.generate(ctx, conversationID, "autopilot")
	if err != nil {
		log.WithError(err).Warn("autopilot generation failed")
		return
	}

	s.genMu.Lock()
	if !s.current(conversationID, messageID) || s.Mode() != models.SystemModeAutopilot {
		s.genMu.Unlock()
		log.Debug("dropping autopilot reply for a superseded message")
		return
	}
	delete(s.latest, conversationID)
	s.genMu.Unlock()

	msg := models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         models.SenderAI,
		Content:        sugg.Text,
		Timestamp:      s.now().UTC(),
	}
	msg.Metadata.ResponseAttribution = &models.ResponseAttribution{
		RespondedBy:  string(models.SenderAI),
		ResponseType: models.ResponseAsIs,
	}
	_, err = s.store.AppendMessage(ctx, msg, func(c *models.Conversation) error {
		if c.LastMessage == nil || c.LastMessage.ID != messageID || !c.LastMessage.Metadata.PendingAgent {
			return errAnswered
		}
		return nil
	})
	if errors.Is(err, errAnswered) {
		log.Debug("dropping autopilot reply for an answered message")
		return
	}
	if err != nil {
		log.WithError(err).Error("failed to append autopilot reply")
		return
	}
	s.metrics.RecordMessage(string(models.SenderAI))
	s.publish(ctx, messages.EventNewMessage, messages.NewMessage{ConversationID: conversationID, Message: msg})
}

// errAnswered aborts an autopilot append whose visitor message was answered elsewhere
var errAnswered = errors.New("message already answered")

// GenerateSuggestion runs the pipeline on demand and stores the result in the
// slot. A conversation that gained a message while the pipeline ran keeps its
// slot untouched and the call fails with ErrInvalid.
func (s *Service) GenerateSuggestion(ctx context.Context, _ Caller, conversationID string) (*models.Suggestion, error) {
	sugg, basis, err := s.generate(ctx, conversationID, "manual")
	if err != nil {
		return nil, err
	}

	s.genMu.Lock()
	placed, err := s.place(ctx, *sugg, basis, false)
	s.genMu.Unlock()
	if err != nil {
		return nil, err
	}
	if !placed {
		return nil, fmt.Errorf("%w: conversation %s changed while the suggestion was generated", ErrInvalid, conversationID)
	}
	return sugg, nil
}

// PendingSuggestion returns the slot content or ErrNotFound when it is empty
func (s *Service) PendingSuggestion(ctx context.Context, conversationID string) (*models.Suggestion, error) {
	sugg, err := s.slots.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read suggestion slot: %w", err)
	}
	if sugg == nil {
		return nil, fmt.Errorf("%w: no pending suggestion for %s", ErrNotFound, conversationID)
	}
	return sugg, nil
}

// CustomerTyping relays the widget's typing indicator to dashboards
func (s *Service) CustomerTyping(ctx context.Context, conversationID string, typing bool) {
	s.publish(ctx, messages.EventCustomerTyping, messages.TypingStatus{ConversationID: conversationID, IsTyping: typing})
}

// AgentTyping relays an agent's typing indicator
func (s *Service) AgentTyping(ctx context.Context, agentID, conversationID string, typing bool) {
	s.publish(ctx, messages.EventAgentTyping, messages.TypingStatus{ConversationID: conversationID, IsTyping: typing, AgentID: agentID})
}
