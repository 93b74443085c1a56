package desk

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
)

func (s *Service) Mode() models.SystemMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode changes the system mode. Admin only.
func (s *Service) SetMode(ctx context.Context, caller Caller, mode models.SystemMode) error {
	if !caller.IsAdmin() {
		return fmt.Errorf("%w: changing the system mode needs the admin role", ErrForbidden)
	}
	return s.ApplyMode(ctx, mode)
}

// ApplyMode persists and broadcasts mode. Setting the current mode is a no-op.
func (s *Service) ApplyMode(ctx context.Context, mode models.SystemMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown system mode %q", ErrInvalid, mode)
	}

	s.mu.Lock()
	prev := s.mode
	s.mode = mode
	s.mu.Unlock()
	if prev == mode {
		return nil
	}

	err := s.store.SetValue(ctx, modeKey, string(mode))
	s.metrics.RecordMutation("system_mode", err)
	if err != nil {
		s.mu.Lock()
		s.mode = prev
		s.mu.Unlock()
		return fmt.Errorf("failed to persist system mode: %w", err)
	}

	s.log.WithField("from", prev).WithField("to", mode).Info("system mode changed")
	s.publish(ctx, messages.EventSystemModeUpdate, messages.SystemModeUpdate{Mode: mode})
	return nil
}
