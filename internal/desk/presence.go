package desk

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/presence"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// ReasonCameOnline is the reason carried by redistribution batches
const ReasonCameOnline = "agent came online"

// SetPersonalStatus records an explicit availability change. An agent going
// from offline to online may receive the conversations of offline agents.
func (s *Service) SetPersonalStatus(ctx context.Context, caller Caller, agentID string, status models.PersonalStatus, at time.Time) error {
	if err := caller.actingFor(agentID); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown personal status %q", ErrInvalid, status)
	}
	if at.IsZero() {
		at = s.now()
	}

	prev, err := s.presence.SetStatus(ctx, agentID, status, at.UTC())
	s.metrics.RecordMutation("personal_status", err)
	if err != nil {
		return fmt.Errorf("failed to record personal status: %w", err)
	}
	s.log.WithField("agent", agentID).WithField("status", status).Info("personal status changed")

	if roster, err := s.Roster(ctx); err == nil {
		s.broadcastRoster(ctx, roster)
	}

	if s.redistribute && prev == models.PersonalStatusOffline && status == models.PersonalStatusOnline {
		if err := s.redistributeTo(ctx, agentID); err != nil {
			s.log.WithError(err).WithField("agent", agentID).Warn("redistribution failed")
		}
	}
	return nil
}

// Heartbeat refreshes an agent's last-seen time
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agentId is required", ErrInvalid)
	}
	return s.presence.Touch(ctx, agentID, s.now().UTC())
}

// Roster returns every known agent with staleness applied
func (s *Service) Roster(ctx context.Context) ([]models.AgentPresence, error) {
	roster, err := s.presence.Roster(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	return roster, nil
}

func (s *Service) broadcastRoster(ctx context.Context, roster []models.AgentPresence) {
	s.metrics.SetAgentsOnline(len(presence.Online(roster)))
	s.publish(ctx, messages.EventAgentsUpdate, messages.AgentsUpdate{Agents: roster})
}

// redistributeTo hands every open conversation owned by an offline agent to agentID
func (s *Service) redistributeTo(ctx context.Context, agentID string) error {
	roster, err := s.Roster(ctx)
	if err != nil {
		return err
	}
	online := make(map[string]bool)
	for _, id := range presence.Online(roster) {
		online[id] = true
	}
	online[agentID] = true

	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	var ids []string
	for _, c := range convs {
		if orphaned(c, online) {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	var moved []models.Reassignment
	updated, err := s.store.UpdateConversations(ctx, ids, func(c *models.Conversation) error {
		// ownership may have changed since the listing
		if !orphaned(*c, online) {
			return nil
		}
		moved = append(moved, models.Reassignment{FromAgent: c.AssignedAgent, ToAgent: agentID, ConversationID: c.ID})
		c.AssignedAgent = agentID
		return nil
	})
	s.metrics.RecordMutation("redistribute", err)
	if err != nil {
		return fmt.Errorf("failed to reassign conversations: %w", err)
	}
	if len(moved) == 0 {
		return nil
	}

	s.metrics.RecordReassignments(len(moved))
	s.log.WithField("agent", agentID).WithField("count", len(moved)).Info("redistributed conversations")
	s.conversationsUpdated(ctx, updated)
	s.publish(ctx, messages.EventTicketsReassigned, messages.TicketsReassigned{Reassignments: moved, Reason: ReasonCameOnline})
	return nil
}

func orphaned(c models.Conversation, online map[string]bool) bool {
	return c.IsAssigned() && !online[c.AssignedAgent] &&
		!c.Archived && c.Status == models.ConversationStatusActive
}
