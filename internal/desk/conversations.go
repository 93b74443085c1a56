package desk

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/loomdesk/internal/queue"
	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// ListQuery narrows List. Zero values mean "no filter".
type ListQuery struct {
	ArchiveFilter    models.ArchiveFilter
	AssignmentFilter models.AssignmentFilter
	AgentID          string
}

// List returns conversations in queue order for q.AgentID
func (s *Service) List(ctx context.Context, q ListQuery) ([]models.Conversation, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if q.ArchiveFilter != "" || q.AssignmentFilter != "" {
		f := models.ClientFilterState{ArchiveFilter: q.ArchiveFilter, AssignmentFilter: q.AssignmentFilter}
		if f.ArchiveFilter == "" {
			f.ArchiveFilter = models.ArchiveActive
		}
		if f.AssignmentFilter == "" {
			f.AssignmentFilter = models.AssignmentAll
		}
		convs = queue.Filter(convs, f, q.AgentID)
	}
	return queue.Sort(convs, q.AgentID), nil
}

func (s *Service) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	return c, storeErr(err)
}

func (s *Service) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID)
	return msgs, storeErr(err)
}

// Assign gives conversationID to agentID. Agents may only take conversations
// for themselves; the last write wins.
func (s *Service) Assign(ctx context.Context, caller Caller, conversationID, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agentId is required", ErrInvalid)
	}
	if err := caller.actingFor(agentID); err != nil {
		return err
	}
	err := s.update(ctx, "assign", []string{conversationID}, func(c *models.Conversation) error {
		c.AssignedAgent = agentID
		return nil
	})
	if err == nil {
		s.log.WithField("conversation", conversationID).WithField("agent", agentID).Info("conversation assigned")
	}
	return err
}

// Unassign releases conversationID. Releasing an unassigned conversation
// succeeds; releasing someone else's needs the admin role.
func (s *Service) Unassign(ctx context.Context, caller Caller, conversationID, agentID string) error {
	if err := caller.actingFor(agentID); err != nil {
		return err
	}
	return s.update(ctx, "unassign", []string{conversationID}, func(c *models.Conversation) error {
		if c.AssignedAgent == "" {
			return nil
		}
		if c.AssignedAgent != agentID && !caller.IsAdmin() {
			return fmt.Errorf("%w: %s is assigned to %s", ErrForbidden, c.ID, c.AssignedAgent)
		}
		c.AssignedAgent = ""
		return nil
	})
}

// SetCategory sets the category; nil or empty clears it
func (s *Service) SetCategory(ctx context.Context, _ Caller, conversationID string, categoryID *string) error {
	category := ""
	if categoryID != nil {
		category = *categoryID
	}
	return s.update(ctx, "category", []string{conversationID}, func(c *models.Conversation) error {
		c.CategoryID = category
		return nil
	})
}

// Archive archives every id or, if any id is unknown, none of them
func (s *Service) Archive(ctx context.Context, _ Caller, ids []string) (int, error) {
	return s.setArchived(ctx, "archive", ids, true)
}

func (s *Service) Unarchive(ctx context.Context, _ Caller, ids []string) (int, error) {
	return s.setArchived(ctx, "unarchive", ids, false)
}

func (s *Service) setArchived(ctx context.Context, op string, ids []string, archived bool) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: conversationIds is empty", ErrInvalid)
	}
	updated, err := s.store.UpdateConversations(ctx, ids, func(c *models.Conversation) error {
		c.Archived = archived
		return nil
	})
	s.metrics.RecordMutation(op, err)
	if err != nil {
		return 0, storeErr(err)
	}
	if archived {
		s.forget(ids...)
	}
	s.conversationsUpdated(ctx, updated)
	return len(updated), nil
}

func (s *Service) Resolve(ctx context.Context, _ Caller, conversationID string) error {
	err := s.update(ctx, "resolve", []string{conversationID}, func(c *models.Conversation) error {
		c.Status = models.ConversationStatusResolved
		return nil
	})
	if err == nil {
		s.forget(conversationID)
	}
	return err
}

func (s *Service) Reopen(ctx context.Context, _ Caller, conversationID string) error {
	return s.update(ctx, "reopen", []string{conversationID}, func(c *models.Conversation) error {
		c.Status = models.ConversationStatusActive
		return nil
	})
}

func (s *Service) update(ctx context.Context, op string, ids []string, fn func(c *models.Conversation) error) error {
	updated, err := s.store.UpdateConversations(ctx, ids, fn)
	s.metrics.RecordMutation(op, err)
	if err != nil {
		return storeErr(err)
	}
	s.conversationsUpdated(ctx, updated)
	return nil
}
