// Package store persists conversations, their messages and a handful of
// server settings. Backends: process memory, SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/models"
)

var (
	ErrNotFound = errors.New("conversation not found")
	ErrExists   = errors.New("conversation already exists")
)

// Store is the server's system of record. UpdateConversations and
// AppendMessage are atomic: either every change lands or none does.
type Store interface {
	CreateConversation(ctx context.Context, c models.Conversation) error
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)

	// UpdateConversations loads every id, applies fn to each and writes them
	// back. A missing id fails the whole batch with ErrNotFound.
	UpdateConversations(ctx context.Context, ids []string, fn func(c *models.Conversation) error) ([]models.Conversation, error)

	// AppendMessage appends m to its conversation, applies fn to the
	// conversation and keeps MessageCount and LastMessage in step.
	AppendMessage(ctx context.Context, m models.Message, fn func(c *models.Conversation) error) (models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)

	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error

	Close() error
}

// Open returns the backend selected by cfg.Type
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}

// unique drops duplicate ids, keeping first occurrence order
func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// appended applies the bookkeeping every appended message implies
func appended(c *models.Conversation, m models.Message) {
	c.MessageCount++
	c.LastMessage = m.Preview()
}
