package presence

import (
	"context"
	"strings"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/sirupsen/logrus"
)

// Sweeper re-reads the roster on an interval and calls broadcast whenever the
// effective roster changed, so agents that age out are announced offline.
type Sweeper struct {
	store     Store
	interval  time.Duration
	broadcast func(ctx context.Context, roster []models.AgentPresence)
	now       func() time.Time
	log       *logrus.Entry

	last string
}

// NewSweeper creates a sweeper over store
func NewSweeper(store Store, interval time.Duration, broadcast func(ctx context.Context, roster []models.AgentPresence), logger logrus.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		broadcast: broadcast,
		now:       time.Now,
		log:       logging.Component(logger, "presence"),
	}
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single pass. It reports whether a broadcast was sent.
func (s *Sweeper) Sweep(ctx context.Context) bool {
	roster, err := s.store.Roster(ctx, s.now())
	if err != nil {
		s.log.WithError(err).Warn("presence sweep failed")
		return false
	}

	fp := fingerprint(roster)
	if fp == s.last {
		return false
	}
	s.last = fp
	s.broadcast(ctx, roster)
	return true
}

// fingerprint ignores LastSeenAt so heartbeats alone never trigger a broadcast
func fingerprint(roster []models.AgentPresence) string {
	var b strings.Builder
	for _, p := range roster {
		b.WriteString(p.AgentID)
		b.WriteByte('=')
		b.WriteString(string(p.PersonalStatus))
		b.WriteByte(';')
	}
	return b.String()
}
