package desk

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jordanhubbard/loomdesk/internal/telemetry"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"go.opentelemetry.io/otel/attribute"
)

// Respond appends an agent reply. The reply clears the customer-waiting flag
// and consumes the conversation's suggestion slot. With AutoAssign the
// conversation moves to the sender in the same write.
func (s *Service) Respond(ctx context.Context, caller Caller, req models.RespondRequest) (*models.RespondResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "desk.Respond")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", req.ConversationID))

	if err := caller.actingFor(req.AgentID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty", ErrInvalid)
	}

	responseType := models.ResponseFromScratch
	if req.UsedSuggestion {
		responseType = req.SuggestionAction
		if responseType == "" {
			responseType = models.ResponseAsIs
		}
	}

	msg := models.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Sender:         models.SenderAgent,
		Content:        req.Message,
		Timestamp:      s.now().UTC(),
	}
	msg.Metadata.ResponseAttribution = &models.ResponseAttribution{
		RespondedBy:  req.AgentID,
		ResponseType: responseType,
	}

	conv, err := s.store.AppendMessage(ctx, msg, func(c *models.Conversation) error {
		if req.AutoAssign {
			c.AssignedAgent = req.AgentID
		}
		return nil
	})
	s.metrics.RecordMutation("respond", err)
	if err != nil {
		span.RecordError(err)
		return nil, storeErr(err)
	}
	s.metrics.RecordMessage(string(models.SenderAgent))
	s.metrics.RecordResponse(string(responseType))

	s.consume(ctx, req.ConversationID)
	s.publish(ctx, messages.EventNewMessage, messages.NewMessage{ConversationID: conv.ID, Message: msg})

	return &models.RespondResult{Message: msg, Conversation: conv}, nil
}

// consume empties the slot and cancels any generation still in flight
func (s *Service) consume(ctx context.Context, conversationID string) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	delete(s.latest, conversationID)
	if _, err := s.slots.Clear(ctx, conversationID); err != nil {
		s.log.WithError(err).WithField("conversation", conversationID).Warn("failed to clear suggestion slot")
	}
}
