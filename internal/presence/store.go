// Package presence tracks agent availability. The server side is a small
// key-value Store with staleness; the dashboard side is a Heartbeater.
package presence

import (
	"context"
	"sort"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// DefaultStaleAfter is how long a record stays valid without a heartbeat
const DefaultStaleAfter = 2 * time.Hour

// Store persists the last reported presence of every agent. Reads apply
// staleness: a record not refreshed within the window reads as offline.
type Store interface {
	// SetStatus records an explicit status change and returns the effective
	// status the agent had before it.
	SetStatus(ctx context.Context, agentID string, status models.PersonalStatus, at time.Time) (models.PersonalStatus, error)
	// Touch refreshes LastSeenAt without changing the stored status
	Touch(ctx context.Context, agentID string, at time.Time) error
	Get(ctx context.Context, agentID string, now time.Time) (models.AgentPresence, bool, error)
	// Roster returns every known agent, sorted by id
	Roster(ctx context.Context, now time.Time) ([]models.AgentPresence, error)
}

// Effective applies the staleness window to a stored record
func Effective(p models.AgentPresence, now time.Time, staleAfter time.Duration) models.AgentPresence {
	if staleAfter > 0 && now.Sub(p.LastSeenAt) > staleAfter {
		p.PersonalStatus = models.PersonalStatusOffline
	}
	return p
}

// Online returns the ids of agents whose effective status is online
func Online(roster []models.AgentPresence) []string {
	var ids []string
	for _, p := range roster {
		if p.PersonalStatus == models.PersonalStatusOnline {
			ids = append(ids, p.AgentID)
		}
	}
	return ids
}

func sortRoster(roster []models.AgentPresence) {
	sort.Slice(roster, func(i, j int) bool { return roster[i].AgentID < roster[j].AgentID })
}
