// Package prefs persists a dashboard's local UI state, one YAML file per agent.
// Nothing here is shared with other dashboards or the server.
package prefs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jordanhubbard/loomdesk/pkg/models"
	"gopkg.in/yaml.v3"
)

// Preferences is what survives a dashboard restart
type Preferences struct {
	Filter         models.ClientFilterState `yaml:"filter"`
	PersonalStatus models.PersonalStatus    `yaml:"personal_status"`
}

// Defaults is used when an agent has no saved preferences
func Defaults() Preferences {
	return Preferences{
		Filter:         models.DefaultFilterState(),
		PersonalStatus: models.PersonalStatusOnline,
	}
}

// Store reads and writes preference files under dir
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the file holding agentID's preferences. Agent ids are usually
// email addresses, so the name is derived from a hash.
func (s *Store) Path(agentID string) string {
	sum := sha256.Sum256([]byte(agentID))
	return filepath.Join(s.dir, "prefs-"+hex.EncodeToString(sum[:8])+".yaml")
}

// Load returns agentID's preferences, or Defaults when none are saved.
// Unknown or invalid values fall back to their defaults.
func (s *Store) Load(agentID string) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Defaults()
	data, err := os.ReadFile(s.Path(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to read preferences: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Defaults(), fmt.Errorf("failed to parse preferences: %w", err)
	}
	sanitize(&p)
	return p, nil
}

// Save writes agentID's preferences atomically
func (s *Store) Save(agentID string, p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create preferences directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	path := s.Path(agentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	return nil
}

// Update loads, applies fn and saves
func (s *Store) Update(agentID string, fn func(p *Preferences)) error {
	p, err := s.Load(agentID)
	if err != nil {
		p = Defaults()
	}
	fn(&p)
	return s.Save(agentID, p)
}

func sanitize(p *Preferences) {
	d := Defaults()
	switch p.Filter.AssignmentFilter {
	case models.AssignmentMine, models.AssignmentUnassigned, models.AssignmentOthers, models.AssignmentAll:
	default:
		p.Filter.AssignmentFilter = d.Filter.AssignmentFilter
	}
	switch p.Filter.ArchiveFilter {
	case models.ArchiveActive, models.ArchiveArchived:
	default:
		p.Filter.ArchiveFilter = d.Filter.ArchiveFilter
	}
	if !p.PersonalStatus.Valid() {
		p.PersonalStatus = d.PersonalStatus
	}
}
