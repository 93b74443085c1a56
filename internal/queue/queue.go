// Package queue derives the agent work queue from the conversation cache.
package queue

import (
	"sort"

	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// Bucket is a priority band, 1 being the most urgent
type Bucket int

const (
	BucketMineNeedsResponse Bucket = 1
	BucketMine              Bucket = 2
	BucketNeedsResponse     Bucket = 3
	BucketRest              Bucket = 4
)

// BucketOf places c relative to agentID
func BucketOf(c models.Conversation, agentID string) Bucket {
	mine := agentID != "" && c.AssignedAgent == agentID
	switch {
	case mine && c.NeedsResponse():
		return BucketMineNeedsResponse
	case mine:
		return BucketMine
	case c.NeedsResponse():
		return BucketNeedsResponse
	default:
		return BucketRest
	}
}

// Less is the queue comparator: bucket, then newest StartedAt, then ID.
// It is a strict total order for conversations with distinct IDs.
func Less(a, b models.Conversation, agentID string) bool {
	ba, bb := BucketOf(a, agentID), BucketOf(b, agentID)
	if ba != bb {
		return ba < bb
	}
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.After(b.StartedAt)
	}
	return a.ID < b.ID
}

// Sort returns a new slice ordered most urgent first. The input is not modified.
func Sort(conversations []models.Conversation, agentID string) []models.Conversation {
	out := make([]models.Conversation, len(conversations))
	copy(out, conversations)
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j], agentID)
	})
	return out
}

// Filter applies the archive filter, then the assignment filter. The archived
// view ignores the assignment filter.
func Filter(conversations []models.Conversation, f models.ClientFilterState, agentID string) []models.Conversation {
	archived := f.ArchiveFilter == models.ArchiveArchived
	out := make([]models.Conversation, 0, len(conversations))
	for _, c := range conversations {
		if c.Archived != archived {
			continue
		}
		if !archived && !matchAssignment(c, f.AssignmentFilter, agentID) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchAssignment(c models.Conversation, f models.AssignmentFilter, agentID string) bool {
	switch f {
	case models.AssignmentMine:
		return c.AssignedAgent != "" && c.AssignedAgent == agentID
	case models.AssignmentUnassigned:
		return c.AssignedAgent == ""
	case models.AssignmentOthers:
		return c.AssignedAgent != "" && c.AssignedAgent != agentID
	default:
		return true
	}
}

// View is Filter followed by Sort
func View(conversations []models.Conversation, f models.ClientFilterState, agentID string) []models.Conversation {
	return Sort(Filter(conversations, f, agentID), agentID)
}

// Counts is the per-filter tally shown next to each filter choice
type Counts struct {
	Mine       int `json:"mine"`
	Unassigned int `json:"unassigned"`
	Others     int `json:"others"`
	All        int `json:"all"`
	Archived   int `json:"archived"`
}

// Count tallies conversations per filter. Assignment counts cover active
// (non-archived) conversations only.
func Count(conversations []models.Conversation, agentID string) Counts {
	var c Counts
	for _, conv := range conversations {
		if conv.Archived {
			c.Archived++
			continue
		}
		c.All++
		switch {
		case conv.AssignedAgent == "":
			c.Unassigned++
		case conv.AssignedAgent == agentID:
			c.Mine++
		default:
			c.Others++
		}
	}
	return c
}
