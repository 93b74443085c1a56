package logging

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Level(t *testing.T) {
	logger := New(config.LoggingConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	fallback := New(config.LoggingConfig{Level: "chatty"})
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loomdesk.log")
	logger := New(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1})
	logger.Info("hello")
	assert.FileExists(t, path)
}

func TestManager_CapturesRecent(t *testing.T) {
	m := NewManager(3)
	logger := Discard()
	logger.AddHook(m)

	Component(logger, "registry").Warn("snapshot failed")
	Component(logger, "hub").WithError(errors.New("boom")).Error("send failed")
	logger.Info("plain")
	logger.Info("newest")

	recent := m.Recent(10, "", "")
	require.Len(t, recent, 3)
	assert.Equal(t, "newest", recent[0].Message)
	assert.Equal(t, "send failed", recent[2].Message)
	assert.Equal(t, "hub", recent[2].Component)
	assert.Equal(t, "boom", recent[2].Fields["error"])

	errorsOnly := m.Recent(10, "error", "")
	require.Len(t, errorsOnly, 1)

	hub := m.Recent(10, "", "hub")
	require.Len(t, hub, 1)
}

func TestManager_Handlers(t *testing.T) {
	m := NewManager(10)
	logger := Discard()
	logger.AddHook(m)

	var seen []string
	m.AddHandler(func(le LogEntry) { seen = append(seen, le.Message) })

	logger.Info("one")
	logger.Info("two")
	assert.Equal(t, []string{"one", "two"}, seen)
}
