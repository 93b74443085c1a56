package dashboard

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/loomdesk/internal/notify"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// HandleEvent is a realtime.Handler
func (d *Dashboard) HandleEvent(ctx context.Context, env *messages.Envelope) {
	if err := d.ApplyEvent(ctx, env); err != nil {
		d.log.WithError(err).WithField("event", env.Type).Warn("failed to apply realtime event")
	}
}

// ApplyEvent folds one pushed event into local state. Nothing is diffed: every
// event that touches conversations ends in a full reload.
func (d *Dashboard) ApplyEvent(ctx context.Context, env *messages.Envelope) error {
	switch env.Type {
	case messages.EventNewMessage:
		var ev messages.NewMessage
		if err := env.Decode(&ev); err != nil {
			return err
		}
		d.onNewMessage(ctx, ev)

	case messages.EventAgentsUpdate:
		var ev messages.AgentsUpdate
		if err := env.Decode(&ev); err != nil {
			return err
		}
		d.setRoster(ev.Agents)

	case messages.EventTicketsReassigned:
		var ev messages.TicketsReassigned
		if err := env.Decode(&ev); err != nil {
			return err
		}
		if ev.Involves(d.agentID) {
			d.Notifications.Notify(notify.LevelInfo, reassignmentSummary(ev, d.agentID))
		}
		_ = d.Registry.Load(ctx)

	case messages.EventSystemModeUpdate:
		var ev messages.SystemModeUpdate
		if err := env.Decode(&ev); err != nil {
			return err
		}
		if !ev.Mode.Valid() {
			return fmt.Errorf("unknown system mode %q", ev.Mode)
		}
		prev := d.Mode()
		d.setMode(ev.Mode)
		if ev.Mode == models.SystemModeHITL && prev != models.SystemModeHITL {
			_ = d.Suggestions.Poll(ctx)
		}

	case messages.EventCustomerTyping:
		var ev messages.TypingStatus
		if err := env.Decode(&ev); err != nil {
			return err
		}
		d.mu.Lock()
		apply := ev.ConversationID != "" && ev.ConversationID == d.chat.id
		if apply {
			d.chat.typing = ev.IsTyping
		}
		d.mu.Unlock()
		if apply {
			d.changed()
		}

	case messages.EventNewConversation, messages.EventConversationsUpdated:
		_ = d.Registry.Load(ctx)

	default:
		d.log.WithField("event", env.Type).Debug("ignoring unknown realtime event")
	}
	return nil
}

func (d *Dashboard) onNewMessage(ctx context.Context, ev messages.NewMessage) {
	id := ev.ConversationID
	if id == "" {
		id = ev.Message.ConversationID
	}
	open := id != "" && id == d.OpenChatID()
	fromVisitor := ev.Message.Sender == models.SenderVisitor

	// The old suggestion answers an older message; drop it before anything
	// else can render.
	superseded := false
	if open && fromVisitor && d.Mode() == models.SystemModeHITL {
		superseded = d.Suggestions.Invalidate(id)
	}

	if open && fromVisitor {
		d.mu.Lock()
		if d.chat.id == id {
			d.chat.typing = false
		}
		d.mu.Unlock()
	}

	_ = d.Registry.Load(ctx)

	if !open {
		return
	}
	if err := d.RefreshChat(ctx); err != nil {
		d.log.WithError(err).WithField("conversation", id).Debug("chat refresh after new message failed")
	}
	if superseded {
		_ = d.Suggestions.Poll(ctx)
	}
}

// SetTyping tells the visitor whether the agent is typing in the open conversation
func (d *Dashboard) SetTyping(typing bool) error {
	id := d.OpenChatID()
	if id == "" || d.channel == nil {
		return nil
	}
	return d.channel.Send(messages.EventAgentTyping, messages.TypingStatus{
		ConversationID: id,
		IsTyping:       typing,
		AgentID:        d.agentID,
	})
}

func reassignmentSummary(ev messages.TicketsReassigned, agentID string) string {
	var got, lost int
	for _, r := range ev.Reassignments {
		if r.ToAgent == agentID {
			got++
		}
		if r.FromAgent == agentID {
			lost++
		}
	}

	var msg string
	switch {
	case got > 0 && lost > 0:
		msg = fmt.Sprintf("%d conversation(s) were reassigned to you and %d away from you.", got, lost)
	case got > 0:
		msg = fmt.Sprintf("%d conversation(s) were reassigned to you.", got)
	default:
		msg = fmt.Sprintf("%d of your conversation(s) were reassigned.", lost)
	}
	if ev.Reason != "" {
		msg += " Reason: " + ev.Reason + "."
	}
	return msg
}
