package dashboard

import (
	"context"

	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// chatState is the open conversation pane. epoch changes on every open and
// close; issued/applied order the message loads within one epoch.
type chatState struct {
	id       string
	epoch    uint64
	issued   uint64
	applied  uint64
	messages []models.Message
	typing   bool
}

// OpenChat opens conversationID: its messages are loaded and the suggestion
// panel rebinds to it. The choice is remembered across restarts.
func (d *Dashboard) OpenChat(ctx context.Context, conversationID string) error {
	d.mu.Lock()
	d.chat = chatState{id: conversationID, epoch: d.chat.epoch + 1}
	d.filter.CurrentChatID = conversationID
	d.mu.Unlock()
	d.persist()
	d.changed()

	if err := d.RefreshChat(ctx); err != nil {
		return err
	}
	if d.OpenChatID() != conversationID {
		return nil
	}
	if err := d.Suggestions.Open(ctx, conversationID); err != nil {
		d.log.WithError(err).WithField("conversation", conversationID).Debug("initial suggestion poll failed")
	}
	return nil
}

// CloseChat closes the open conversation, if any
func (d *Dashboard) CloseChat() {
	d.mu.Lock()
	if d.chat.id == "" && d.filter.CurrentChatID == "" {
		d.mu.Unlock()
		return
	}
	d.chat = chatState{epoch: d.chat.epoch + 1}
	d.filter.CurrentChatID = ""
	d.mu.Unlock()

	d.Suggestions.Close()
	d.persist()
	d.changed()
}

// OpenChatID returns the open conversation, or ""
func (d *Dashboard) OpenChatID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.chat.id
}

// RefreshChat reloads the open conversation's messages. A response that
// returns after the agent switched conversations, or after a newer load
// already landed, is dropped.
func (d *Dashboard) RefreshChat(ctx context.Context) error {
	d.mu.Lock()
	id, epoch := d.chat.id, d.chat.epoch
	d.chat.issued++
	seq := d.chat.issued
	d.mu.Unlock()
	if id == "" {
		return nil
	}

	msgs, err := d.api.ListMessages(ctx, id)
	if err != nil {
		d.log.WithError(err).WithField("conversation", id).Warn("failed to load messages")
		return err
	}

	d.mu.Lock()
	if d.chat.id != id || d.chat.epoch != epoch || seq < d.chat.applied {
		d.mu.Unlock()
		d.log.WithField("conversation", id).Debug("discarding stale message load")
		return nil
	}
	d.chat.applied = seq
	d.chat.messages = visible(msgs)
	d.mu.Unlock()
	d.changed()
	return nil
}

// Messages returns the open conversation's messages in order
func (d *Dashboard) Messages() []models.Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.Message{}, d.chat.messages...)
}

// CustomerTyping reports whether the visitor of the open conversation is typing
func (d *Dashboard) CustomerTyping() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.chat.typing
}

// visible drops debug-only messages
func visible(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Metadata.DebugOnly {
			continue
		}
		out = append(out, m)
	}
	return out
}
