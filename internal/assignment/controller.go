// Package assignment issues ownership and lifecycle mutations for the
// dashboard. Every mutation is a REST call followed by a forced registry
// reload; the server's answer, never a local guess, is what gets displayed.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/apiclient"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/notify"
	"github.com/jordanhubbard/loomdesk/internal/suggestion"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/sirupsen/logrus"
)

// refreshTimeout bounds the best-effort refresh scheduled after a failure
const refreshTimeout = 30 * time.Second

// API is the REST surface the controller mutates through
type API interface {
	Assign(ctx context.Context, conversationID, agentID, assignedBy string) error
	Unassign(ctx context.Context, conversationID, agentID string) error
	SetCategory(ctx context.Context, conversationID, categoryID, assignedBy string) error
	BulkArchive(ctx context.Context, ids []string, by string) error
	BulkUnarchive(ctx context.Context, ids []string, by string) error
	Resolve(ctx context.Context, conversationID, agentID string) error
	Reopen(ctx context.Context, conversationID, agentID string) error
	Respond(ctx context.Context, req models.RespondRequest) (*models.RespondResult, error)
}

// Registry is the conversation cache the controller reloads and patches
type Registry interface {
	Load(ctx context.Context) error
	Patch(id string, fn func(c *models.Conversation)) bool
}

// Chat is the dashboard's open conversation pane
type Chat interface {
	OpenChatID() string
	CloseChat()
	RefreshChat(ctx context.Context) error
}

// Deps are the collaborators handed to the controller at construction
type Deps struct {
	AgentID  string
	API      API
	Registry Registry
	Chat     Chat
	Notifier notify.Notifier
	Logger   logrus.FieldLogger
}

// Controller serializes mutations per conversation. A second mutation on a row
// whose first has not finished reloading is rejected, not queued.
type Controller struct {
	agentID  string
	api      API
	registry Registry
	chat     Chat
	notifier notify.Notifier
	log      *logrus.Entry

	mu       sync.Mutex
	inFlight map[string]struct{}
	bg       sync.WaitGroup
}

// New creates a controller acting as deps.AgentID
func New(deps Deps) *Controller {
	return &Controller{
		agentID:  deps.AgentID,
		api:      deps.API,
		registry: deps.Registry,
		chat:     deps.Chat,
		notifier: deps.Notifier,
		log:      logging.Component(deps.Logger, "assignment"),
		inFlight: make(map[string]struct{}),
	}
}

// Assign transfers conversationID to target, or to the acting agent when isSelf
func (c *Controller) Assign(ctx context.Context, conversationID, target string, isSelf bool) error {
	if isSelf {
		target = c.agentID
	}
	if target == "" {
		return c.fail(ctx, actAssign, apiclient.Validation("assign", "no agent selected"))
	}
	return c.mutate(ctx, actAssign, []string{conversationID}, func() error {
		return c.api.Assign(ctx, conversationID, target, c.agentID)
	}, func() {
		if target == c.agentID {
			c.notice(notify.LevelSuccess, "Conversation assigned to you.")
		} else {
			c.notice(notify.LevelSuccess, fmt.Sprintf("Conversation assigned to %s.", target))
		}
	})
}

// Unassign clears ownership. If the conversation is open here, the chat pane
// closes as soon as the server accepts.
func (c *Controller) Unassign(ctx context.Context, conversationID string) error {
	return c.mutate(ctx, actUnassign, []string{conversationID}, func() error {
		return c.api.Unassign(ctx, conversationID, c.agentID)
	}, func() {
		if c.chat != nil && c.chat.OpenChatID() == conversationID {
			c.chat.CloseChat()
		}
		c.notice(notify.LevelSuccess, "Conversation unassigned.")
	})
}

// AssignCategory sets or clears (empty categoryID) the category. The cached
// row is patched in place and no reload is forced.
func (c *Controller) AssignCategory(ctx context.Context, conversationID, categoryID string) error {
	if err := c.acquire(actCategorize, conversationID); err != nil {
		return c.fail(ctx, actCategorize, err)
	}
	defer c.release(conversationID)

	if err := c.api.SetCategory(ctx, conversationID, categoryID, c.agentID); err != nil {
		return c.fail(ctx, actCategorize, err)
	}
	c.registry.Patch(conversationID, func(conv *models.Conversation) {
		conv.CategoryID = categoryID
	})
	return nil
}

// Archive archives ids as one batch
func (c *Controller) Archive(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return c.fail(ctx, actArchive, apiclient.Validation("archive", "no conversations selected"))
	}
	return c.mutate(ctx, actArchive, ids, func() error {
		return c.api.BulkArchive(ctx, ids, c.agentID)
	}, func() {
		c.notice(notify.LevelSuccess, fmt.Sprintf("%d conversation(s) archived.", len(ids)))
	})
}

// Unarchive restores ids as one batch
func (c *Controller) Unarchive(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return c.fail(ctx, actUnarchive, apiclient.Validation("unarchive", "no conversations selected"))
	}
	return c.mutate(ctx, actUnarchive, ids, func() error {
		return c.api.BulkUnarchive(ctx, ids, c.agentID)
	}, func() {
		c.notice(notify.LevelSuccess, fmt.Sprintf("%d conversation(s) unarchived.", len(ids)))
	})
}

// Resolve marks the conversation resolved
func (c *Controller) Resolve(ctx context.Context, conversationID string) error {
	return c.mutate(ctx, actResolve, []string{conversationID}, func() error {
		return c.api.Resolve(ctx, conversationID, c.agentID)
	}, nil)
}

// Reopen marks a resolved conversation active again
func (c *Controller) Reopen(ctx context.Context, conversationID string) error {
	return c.mutate(ctx, actReopen, []string{conversationID}, func() error {
		return c.api.Reopen(ctx, conversationID, c.agentID)
	}, nil)
}

// Reply sends text to conversationID. shown is the suggestion on screen when
// the agent hit send (nil if none) and only feeds the attribution; it never
// blocks the send. With autoAssign the server assigns the conversation to the
// sender together with the reply.
func (c *Controller) Reply(ctx context.Context, conversationID, text string, shown *models.Suggestion, autoAssign bool) (*models.RespondResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, c.fail(ctx, actReply, apiclient.Validation("send reply", "message body is empty"))
	}

	rt := suggestion.Classify(text, shown)
	req := models.RespondRequest{
		ConversationID:   conversationID,
		Message:          text,
		AgentID:          c.agentID,
		UsedSuggestion:   rt != models.ResponseFromScratch,
		SuggestionAction: rt,
		AutoAssign:       autoAssign,
	}

	var result *models.RespondResult
	err := c.mutate(ctx, actReply, []string{conversationID}, func() error {
		var err error
		result, err = c.api.Respond(ctx, req)
		return err
	}, func() {
		if c.chat != nil && c.chat.OpenChatID() == conversationID {
			if err := c.chat.RefreshChat(ctx); err != nil {
				c.log.WithError(err).Debug("chat refresh after reply failed")
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Wait blocks until every scheduled background refresh has finished
func (c *Controller) Wait() {
	c.bg.Wait()
}

// Busy reports whether a mutation on conversationID is in flight
func (c *Controller) Busy(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[conversationID]
	return ok
}

// mutate runs call with the rows held, then onSuccess and a forced reload.
// The rows stay held until the reload completes.
func (c *Controller) mutate(ctx context.Context, a action, ids []string, call func() error, onSuccess func()) error {
	if err := c.acquire(a, ids...); err != nil {
		return c.fail(ctx, a, err)
	}
	defer c.release(ids...)

	if err := call(); err != nil {
		return c.fail(ctx, a, err)
	}
	if onSuccess != nil {
		onSuccess()
	}
	if err := c.registry.Load(ctx); err != nil {
		// The mutation itself was accepted; the next event or explicit
		// reload will converge.
		c.log.WithError(err).WithField("op", a.verb).Warn("reload after mutation failed")
	}
	return nil
}

func (c *Controller) acquire(a action, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, busy := c.inFlight[id]; busy {
			return apiclient.Validation(a.verb, fmt.Sprintf("conversation %s is already being updated", id))
		}
	}
	for _, id := range ids {
		c.inFlight[id] = struct{}{}
	}
	return nil
}

func (c *Controller) release(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.inFlight, id)
	}
}

// fail notifies the agent, schedules a background refresh when the request
// reached (or tried to reach) the server, and returns err unchanged.
func (c *Controller) fail(ctx context.Context, a action, err error) error {
	entry := c.log.WithError(err).WithField("op", a.verb)
	if kind := apiclient.KindOf(err); kind != "" {
		entry = entry.WithField("kind", kind)
	}
	entry.Warn("mutation failed")

	c.notice(notify.LevelError, failureMessage(a, err))

	var apiErr *apiclient.Error
	local := errors.As(err, &apiErr) && apiErr.Kind == apiclient.KindValidation && apiErr.Status == 0
	if !local {
		c.scheduleRefresh(ctx)
	}
	return err
}

func (c *Controller) scheduleRefresh(ctx context.Context) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		if err := c.registry.Load(rctx); err != nil {
			c.log.WithError(err).Debug("background refresh failed")
		}
		if c.chat != nil && c.chat.OpenChatID() != "" {
			if err := c.chat.RefreshChat(rctx); err != nil {
				c.log.WithError(err).Debug("background chat refresh failed")
			}
		}
	}()
}

func (c *Controller) notice(level notify.Level, msg string) {
	if c.notifier != nil {
		c.notifier.Notify(level, msg)
	}
}
