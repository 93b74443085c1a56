package main

import (
	"errors"
	"testing"

	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/stretchr/testify/assert"
)

func reloaded(mode models.SystemMode) *config.Config {
	cfg := &config.Config{}
	cfg.Desk.Mode = mode
	return cfg
}

func TestFollowMode_OnlyAppliesChanges(t *testing.T) {
	var applied []models.SystemMode
	onReload := followMode(models.SystemModeHITL, func(mode models.SystemMode) error {
		applied = append(applied, mode)
		return nil
	}, logging.Discard())

	onReload(reloaded(models.SystemModeHITL))
	assert.Empty(t, applied, "an unrelated edit keeps the mode set through the API")

	onReload(reloaded(models.SystemModeAutopilot))
	onReload(reloaded(models.SystemModeAutopilot))
	onReload(reloaded(models.SystemModeHITL))
	assert.Equal(t, []models.SystemMode{models.SystemModeAutopilot, models.SystemModeHITL}, applied)
}

func TestFollowMode_RetriesAfterFailure(t *testing.T) {
	fail := true
	calls := 0
	onReload := followMode(models.SystemModeHITL, func(models.SystemMode) error {
		calls++
		if fail {
			return errors.New("store down")
		}
		return nil
	}, logging.Discard())

	onReload(reloaded(models.SystemModeOff))
	fail = false
	onReload(reloaded(models.SystemModeOff))
	onReload(reloaded(models.SystemModeOff))
	assert.Equal(t, 2, calls)
}
