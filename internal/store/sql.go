package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/models"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL is the database/sql backend. Queries are written with ? placeholders
// and rebound for PostgreSQL.
type SQL struct {
	db       *sql.DB
	postgres bool
}

// OpenSQLite opens (or creates) a SQLite database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is
	// per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQL{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenPostgres connects to PostgreSQL
func OpenPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &SQL{db: db, postgres: true}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQL) Close() error {
	return s.db.Close()
}

// initSchema creates the tables. The DDL is valid for both dialects.
func (s *SQL) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		visitor_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		archived BOOLEAN NOT NULL DEFAULT false,
		assigned_agent TEXT NOT NULL DEFAULT '',
		category_id TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		last_message TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		position INTEGER NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS config_kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, position);
	CREATE INDEX IF NOT EXISTS idx_conversations_assigned ON conversations(assigned_agent);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func (s *SQL) q(query string) string {
	if s.postgres {
		return rebind(query)
	}
	return query
}

// forUpdate row-locks a select inside a transaction where the dialect can
func (s *SQL) forUpdate(query string) string {
	if s.postgres {
		return query + " FOR UPDATE"
	}
	return query
}

const conversationColumns = `id, visitor_id, started_at, status, archived, assigned_agent, category_id, message_count, last_message`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row scanner) (models.Conversation, error) {
	var (
		c      models.Conversation
		status string
		last   sql.NullString
	)
	err := row.Scan(&c.ID, &c.VisitorID, &c.StartedAt, &status, &c.Archived,
		&c.AssignedAgent, &c.CategoryID, &c.MessageCount, &last)
	if err != nil {
		return c, err
	}
	c.Status = models.ConversationStatus(status)
	c.StartedAt = c.StartedAt.UTC()
	if last.Valid && last.String != "" {
		var preview models.MessagePreview
		if err := json.Unmarshal([]byte(last.String), &preview); err != nil {
			return c, fmt.Errorf("failed to unmarshal last message: %w", err)
		}
		c.LastMessage = &preview
	}
	return c, nil
}

func lastMessageJSON(c models.Conversation) (sql.NullString, error) {
	if c.LastMessage == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(c.LastMessage)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal last message: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// CreateConversation inserts a new conversation
func (s *SQL) CreateConversation(ctx context.Context, c models.Conversation) error {
	last, err := lastMessageJSON(c)
	if err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = models.ConversationStatusActive
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, s.q(query),
		c.ID,
		c.VisitorID,
		c.StartedAt.UTC(),
		string(c.Status),
		c.Archived,
		c.AssignedAgent,
		c.CategoryID,
		c.MessageCount,
		last,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, c.ID)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQL) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	c, err := scanConversation(s.db.QueryRowContext(ctx, s.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return c, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns every conversation, ordered by id
func (s *SQL) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

// UpdateConversations applies fn to every id inside one transaction
func (s *SQL) UpdateConversations(ctx context.Context, ids []string, fn func(c *models.Conversation) error) ([]models.Conversation, error) {
	var out []models.Conversation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range unique(ids) {
			c, err := s.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := fn(&c); err != nil {
				return err
			}
			if err := s.putTx(ctx, tx, c); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage inserts m and updates its conversation in one transaction
func (s *SQL) AppendMessage(ctx context.Context, m models.Message, fn func(c *models.Conversation) error) (models.Conversation, error) {
	var c models.Conversation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = s.getTx(ctx, tx, m.ConversationID)
		if err != nil {
			return err
		}
		position := c.MessageCount
		if fn != nil {
			if err := fn(&c); err != nil {
				return err
			}
		}
		appended(&c, m)

		metadata, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		query := `
			INSERT INTO messages (id, conversation_id, position, sender, content, created_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, s.q(query),
			m.ID,
			m.ConversationID,
			position,
			string(m.Sender),
			m.Content,
			m.Timestamp.UTC(),
			string(metadata),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return s.putTx(ctx, tx, c)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// ListMessages returns a conversation's messages in append order
func (s *SQL) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, conversation_id, sender, content, created_at, metadata
		FROM messages
		WHERE conversation_id = ?
		ORDER BY position
	`
	rows, err := s.db.QueryContext(ctx, s.q(query), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		var (
			m        models.Message
			sender   string
			metadata string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &m.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Sender = models.Sender(sender)
		m.Timestamp = m.Timestamp.UTC()
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

// GetValue reads a setting
func (s *SQL) GetValue(ctx context.Context, key string) (string, bool, error) {
	query := `SELECT value FROM config_kv WHERE key = ?`
	var value string
	err := s.db.QueryRowContext(ctx, s.q(query), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get config value: %w", err)
	}
	return value, true, nil
}

// SetValue writes a setting
func (s *SQL) SetValue(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO config_kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, s.q(query), key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set config value: %w", err)
	}
	return nil
}

func (s *SQL) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQL) getTx(ctx context.Context, tx *sql.Tx, id string) (models.Conversation, error) {
	query := s.forUpdate(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`)
	c, err := scanConversation(tx.QueryRowContext(ctx, s.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return c, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

func (s *SQL) putTx(ctx context.Context, tx *sql.Tx, c models.Conversation) error {
	last, err := lastMessageJSON(c)
	if err != nil {
		return err
	}
	query := `
		UPDATE conversations SET
			status = ?,
			archived = ?,
			assigned_agent = ?,
			category_id = ?,
			message_count = ?,
			last_message = ?
		WHERE id = ?
	`
	_, err = tx.ExecContext(ctx, s.q(query),
		string(c.Status),
		c.Archived,
		c.AssignedAgent,
		c.CategoryID,
		c.MessageCount,
		last,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	return nil
}
