// Package notify holds the dashboard's transient, auto-dismissing notices.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a notification
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one notice shown to the agent
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Notifier is what controllers use to surface notices
type Notifier interface {
	Notify(level Level, message string) Notification
}

// Center keeps notifications until they expire
type Center struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	items []Notification
	sinks []func(Notification)
}

// NewCenter creates a center whose notices dismiss themselves after ttl
func NewCenter(ttl time.Duration) *Center {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Center{ttl: ttl, now: time.Now}
}

// Subscribe registers fn to receive every new notification
func (c *Center) Subscribe(fn func(Notification)) {
	c.mu.Lock()
	c.sinks = append(c.sinks, fn)
	c.mu.Unlock()
}

// Notify records a notification and fans it out to subscribers
func (c *Center) Notify(level Level, message string) Notification {
	now := c.now()
	n := Notification{
		ID:        uuid.New().String(),
		Level:     level,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	c.pruneLocked(now)
	c.items = append(c.items, n)
	sinks := append([]func(Notification){}, c.sinks...)
	c.mu.Unlock()

	for _, s := range sinks {
		s(n)
	}
	return n
}

// Active returns unexpired notifications, oldest first
func (c *Center) Active() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return append([]Notification{}, c.items...)
}

// Dismiss removes a notification before it expires
func (c *Center) Dismiss(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

func (c *Center) pruneLocked(now time.Time) {
	kept := c.items[:0]
	for _, n := range c.items {
		if now.Before(n.ExpiresAt) {
			kept = append(kept, n)
		}
	}
	c.items = kept
}
