package prefs

import (
	"os"
	"testing"

	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_DefaultsWhenMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	p, err := s.Load("a@x")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), p)
}

func TestStore_RoundTripPerAgent(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Update("a@x", func(p *Preferences) {
		p.Filter.AssignmentFilter = models.AssignmentMine
		p.Filter.CurrentChatID = "conv-1"
		p.Filter.SelectedConversationIDs = []string{"conv-2"}
		p.PersonalStatus = models.PersonalStatusOffline
	}))

	a, err := s.Load("a@x")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentMine, a.Filter.AssignmentFilter)
	assert.Equal(t, models.ArchiveActive, a.Filter.ArchiveFilter)
	assert.Equal(t, "conv-1", a.Filter.CurrentChatID)
	assert.Empty(t, a.Filter.SelectedConversationIDs, "selection is not persisted")
	assert.Equal(t, models.PersonalStatusOffline, a.PersonalStatus)

	b, err := s.Load("b@x")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), b, "agents never share preferences")
}

func TestStore_InvalidValuesFallBack(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, os.WriteFile(s.Path("a@x"), []byte("filter:\n  assignment_filter: everyone\npersonal_status: away\n"), 0600))

	p, err := s.Load("a@x")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentAll, p.Filter.AssignmentFilter)
	assert.Equal(t, models.PersonalStatusOnline, p.PersonalStatus)
}

func TestStore_CorruptFile(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, os.WriteFile(s.Path("a@x"), []byte("filter: [unclosed"), 0600))

	p, err := s.Load("a@x")
	assert.Error(t, err)
	assert.Equal(t, Defaults(), p)
}
