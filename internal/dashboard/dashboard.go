// Package dashboard is the long-lived application context of one agent
// dashboard. It owns the collaborators (registry, suggestion panel,
// assignment controller, heartbeater, poll supervisor) and hands itself to
// them where they need the open-chat view.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/apiclient"
	"github.com/jordanhubbard/loomdesk/internal/assignment"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/notify"
	"github.com/jordanhubbard/loomdesk/internal/prefs"
	"github.com/jordanhubbard/loomdesk/internal/presence"
	"github.com/jordanhubbard/loomdesk/internal/realtime"
	"github.com/jordanhubbard/loomdesk/internal/registry"
	"github.com/jordanhubbard/loomdesk/internal/suggestion"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/sirupsen/logrus"
)

// API is every REST call a dashboard makes
type API interface {
	registry.Source
	assignment.API
	suggestion.Source
	presence.StatusRegistrar
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	ListAgents(ctx context.Context) ([]models.AgentPresence, error)
	SystemMode(ctx context.Context) (models.SystemMode, error)
}

// Channel is the realtime connection
type Channel interface {
	Send(eventType string, payload interface{}) error
	AddListener(l realtime.Listener)
	Run(ctx context.Context) error
}

// Options configures a Dashboard
type Options struct {
	AgentID           string
	API               API
	Channel           Channel
	Prefs             *prefs.Store // nil disables persistence
	Notifications     *notify.Center
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Logger            logrus.FieldLogger
}

// Dashboard is one agent's view of the desk
type Dashboard struct {
	agentID string
	api     API
	channel Channel
	prefs   *prefs.Store
	log     *logrus.Entry

	Registry      *registry.Registry
	Suggestions   *suggestion.Panel
	Assignments   *assignment.Controller
	Presence      *presence.Heartbeater
	Supervisor    *realtime.Supervisor
	Notifications *notify.Center

	mu        sync.RWMutex
	mode      models.SystemMode
	filter    models.ClientFilterState
	selected  map[string]struct{}
	roster    []models.AgentPresence
	chat      chatState
	listeners []func()
}

// New wires a dashboard. Nothing touches the network until Start.
func New(opts Options) *Dashboard {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Notifications == nil {
		opts.Notifications = notify.NewCenter(0)
	}

	d := &Dashboard{
		agentID:       opts.AgentID,
		api:           opts.API,
		channel:       opts.Channel,
		prefs:         opts.Prefs,
		log:           logging.Component(logger, "dashboard"),
		Notifications: opts.Notifications,
		mode:          models.SystemModeHITL,
		filter:        models.DefaultFilterState(),
		selected:      make(map[string]struct{}),
	}

	status := models.PersonalStatusOnline
	if d.prefs != nil {
		p, err := d.prefs.Load(d.agentID)
		if err != nil {
			d.log.WithError(err).Warn("failed to load preferences, using defaults")
		}
		d.filter = p.Filter
		status = p.PersonalStatus
	}

	d.Registry = registry.New(opts.API, logger)
	d.Suggestions = suggestion.NewPanel(opts.API, d.mode, logger)
	d.Assignments = assignment.New(assignment.Deps{
		AgentID:  opts.AgentID,
		API:      opts.API,
		Registry: d.Registry,
		Chat:     d,
		Notifier: d.Notifications,
		Logger:   logger,
	})
	d.Presence = presence.NewHeartbeater(opts.AgentID, status, opts.HeartbeatInterval, opts.API, opts.Channel, logger)
	d.Supervisor = realtime.NewSupervisor(opts.PollInterval, d.PollOnce, logger)

	d.Registry.OnChange(d.changed)
	d.Suggestions.OnChange(func(*models.Suggestion) { d.changed() })

	if opts.Channel != nil {
		opts.Channel.AddListener(d.Supervisor)
		opts.Channel.AddListener(d.Presence)
		opts.Channel.AddListener(d)
	}
	return d
}

// AgentID returns the agent this dashboard acts as
func (d *Dashboard) AgentID() string { return d.agentID }

// Start performs the initial pull: system mode, roster, conversations and the
// conversation that was open last time. Failures are logged; the dashboard
// keeps working with whatever it has.
func (d *Dashboard) Start(ctx context.Context) {
	if mode, err := d.api.SystemMode(ctx); err != nil {
		d.log.WithError(err).Warn("failed to read system mode")
	} else {
		d.setMode(mode)
	}

	if agents, err := d.api.ListAgents(ctx); err != nil {
		d.log.WithError(err).Warn("failed to read agent roster")
	} else {
		d.setRoster(agents)
	}

	_ = d.Registry.Load(ctx)

	last := d.Filter().CurrentChatID
	if last != "" {
		if _, ok := d.Registry.Get(last); ok {
			if err := d.OpenChat(ctx, last); err != nil {
				d.log.WithError(err).Debug("failed to restore last conversation")
			}
		} else {
			d.CloseChat()
		}
	}
}

// Run starts the dashboard and blocks, keeping the realtime channel and the
// heartbeat alive until ctx ends.
func (d *Dashboard) Run(ctx context.Context) error {
	d.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Presence.Run(ctx)
	}()

	var err error
	if d.channel != nil {
		err = d.channel.Run(ctx)
	} else {
		d.Supervisor.Disconnected(ctx)
		<-ctx.Done()
		err = ctx.Err()
	}

	d.Supervisor.Stop()
	wg.Wait()
	d.Assignments.Wait()
	return err
}

// Connected converges after every (re)connect: reload and refresh the open
// chat, since events may have been missed while down.
func (d *Dashboard) Connected(ctx context.Context) {
	d.PollOnce(ctx)
}

// Disconnected is handled by the Supervisor
func (d *Dashboard) Disconnected(context.Context) {}

// PollOnce pulls everything push would otherwise deliver: conversations, the
// open chat's messages and its pending suggestion.
func (d *Dashboard) PollOnce(ctx context.Context) {
	_ = d.Registry.Load(ctx)
	if d.OpenChatID() == "" {
		return
	}
	if err := d.RefreshChat(ctx); err != nil {
		d.log.WithError(err).Debug("chat refresh failed")
	}
	_ = d.Suggestions.Poll(ctx)
}

// Mode returns the last observed system mode
func (d *Dashboard) Mode() models.SystemMode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mode
}

func (d *Dashboard) setMode(mode models.SystemMode) {
	if !mode.Valid() {
		return
	}
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
	d.Suggestions.SetMode(mode)
	d.changed()
}

// Roster returns the connected-agent roster
func (d *Dashboard) Roster() []models.AgentPresence {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.AgentPresence{}, d.roster...)
}

func (d *Dashboard) setRoster(agents []models.AgentPresence) {
	d.mu.Lock()
	d.roster = append([]models.AgentPresence{}, agents...)
	d.mu.Unlock()
	d.changed()
}

// Filter returns the local filter state
func (d *Dashboard) Filter() models.ClientFilterState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f := d.filter
	f.SelectedConversationIDs = d.selectedLocked()
	return f
}

// SetAssignmentFilter switches the ownership filter. It is purely local.
func (d *Dashboard) SetAssignmentFilter(f models.AssignmentFilter) {
	d.updateFilter(func(s *models.ClientFilterState) { s.AssignmentFilter = f })
}

// SetArchiveFilter switches between active and archived conversations
func (d *Dashboard) SetArchiveFilter(f models.ArchiveFilter) {
	d.updateFilter(func(s *models.ClientFilterState) { s.ArchiveFilter = f })
	d.ClearSelection()
}

func (d *Dashboard) updateFilter(fn func(s *models.ClientFilterState)) {
	d.mu.Lock()
	fn(&d.filter)
	d.mu.Unlock()
	d.persist()
	d.changed()
}

// View returns the filtered, priority-sorted queue
func (d *Dashboard) View() []models.Conversation {
	return d.Registry.View(d.Filter(), d.agentID)
}

// Select toggles bulk selection of conversation ids
func (d *Dashboard) Select(ids ...string) {
	d.mu.Lock()
	for _, id := range ids {
		d.selected[id] = struct{}{}
	}
	d.mu.Unlock()
}

// ClearSelection empties the bulk selection
func (d *Dashboard) ClearSelection() {
	d.mu.Lock()
	d.selected = make(map[string]struct{})
	d.mu.Unlock()
}

func (d *Dashboard) selectedLocked() []string {
	if len(d.selected) == 0 {
		return nil
	}
	ids := make([]string, 0, len(d.selected))
	for id := range d.selected {
		ids = append(ids, id)
	}
	return ids
}

// ArchiveSelected archives the selection as one batch and clears it on success
func (d *Dashboard) ArchiveSelected(ctx context.Context) error {
	if err := d.Assignments.Archive(ctx, d.Filter().SelectedConversationIDs); err != nil {
		return err
	}
	d.ClearSelection()
	return nil
}

// UnarchiveSelected restores the selection as one batch and clears it on success
func (d *Dashboard) UnarchiveSelected(ctx context.Context) error {
	if err := d.Assignments.Unarchive(ctx, d.Filter().SelectedConversationIDs); err != nil {
		return err
	}
	d.ClearSelection()
	return nil
}

// Reply sends text to the open conversation, attributing suggestion use
func (d *Dashboard) Reply(ctx context.Context, text string, autoAssign bool) (*models.RespondResult, error) {
	id := d.OpenChatID()
	if id == "" {
		return nil, apiclient.Validation("send reply", "no conversation is open")
	}
	result, err := d.Assignments.Reply(ctx, id, text, d.Suggestions.Current(), autoAssign)
	if err != nil {
		return nil, err
	}
	d.Suggestions.Consume(text)
	return result, nil
}

// OnChange registers fn to run whenever anything visible changed
func (d *Dashboard) OnChange(fn func()) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *Dashboard) changed() {
	d.mu.RLock()
	listeners := append([]func(){}, d.listeners...)
	d.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

func (d *Dashboard) persist() {
	if d.prefs == nil {
		return
	}
	f := d.Filter()
	status := d.Presence.Status()
	err := d.prefs.Update(d.agentID, func(p *prefs.Preferences) {
		p.Filter = f
		p.PersonalStatus = status
	})
	if err != nil {
		d.log.WithError(err).Warn("failed to save preferences")
	}
}

// SetPersonalStatus changes availability and remembers it for next time
func (d *Dashboard) SetPersonalStatus(ctx context.Context, status models.PersonalStatus) error {
	if err := d.Presence.SetStatus(ctx, status); err != nil {
		d.Notifications.Notify(notify.LevelError, "Could not update your status.")
		return err
	}
	d.persist()
	d.changed()
	return nil
}
