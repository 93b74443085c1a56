package logging

import (
	"container/ring"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// MaxBufferSize is the maximum number of log entries to keep in memory
	MaxBufferSize = 10000
)

// LogEntry represents a single captured log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New builds the process logger from cfg. When cfg.File is set, output is
// rotated through lumberjack and mirrored to stderr.
func New(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}
	logger.SetOutput(out)

	return logger
}

// Component returns an entry tagged with the component name
func Component(logger logrus.FieldLogger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}

// Discard returns a logger that drops everything; handy for tests and
// optional dependencies.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Manager is a logrus hook that keeps recent entries in a ring buffer and
// fans them out to registered handlers.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	size     int
	handlers []func(LogEntry)
}

// NewManager creates a new log capture manager
func NewManager(size int) *Manager {
	if size <= 0 || size > MaxBufferSize {
		size = MaxBufferSize
	}
	return &Manager{
		buffer: ring.New(size),
		size:   size,
	}
}

// Levels implements logrus.Hook
func (m *Manager) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (m *Manager) Fire(entry *logrus.Entry) error {
	le := LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if len(entry.Data) > 0 {
		le.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				if s, ok := v.(string); ok {
					le.Component = s
					continue
				}
			}
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			le.Fields[k] = v
		}
	}

	m.mu.Lock()
	m.buffer.Value = le
	m.buffer = m.buffer.Next()
	handlers := append([]func(LogEntry){}, m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(le)
	}
	return nil
}

// AddHandler registers a callback invoked for every captured entry
func (m *Manager) AddHandler(h func(LogEntry)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Recent returns up to limit entries, newest first, optionally filtered by
// level and component.
func (m *Manager) Recent(limit int, level, component string) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > m.size {
		limit = m.size
	}

	out := make([]LogEntry, 0, limit)
	r := m.buffer.Prev()
	for i := 0; i < m.size && len(out) < limit; i++ {
		if le, ok := r.Value.(LogEntry); ok {
			if (level == "" || le.Level == level) && (component == "" || le.Component == component) {
				out = append(out, le)
			}
		}
		r = r.Prev()
	}
	return out
}
