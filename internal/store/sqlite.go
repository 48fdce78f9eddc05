package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/livelink/internal/domain"
	"github.com/ashureev/livelink/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryConfig
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL plus a busy timeout on every pooled connection; sessions write concurrently.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetry}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
		message_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(conversation_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, s.retry, "upsert_user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
	INSERT INTO conversations (conversation_id, user_id, title, mode, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, s.retry, "create_conversation", func() error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ConversationID, conv.UserID, conv.Title, conv.Mode,
			conv.CreatedAt.Unix(), conv.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	query := `
		SELECT conversation_id, user_id, title, mode, created_at, updated_at
		FROM conversations WHERE conversation_id = ?`

	var conv domain.Conversation
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(
		&conv.ConversationID, &conv.UserID, &conv.Title, &conv.Mode, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	return &conv, nil
}

// SaveMessages upserts a batch of messages in one transaction.
func (s *SQLiteStore) SaveMessages(ctx context.Context, msgs []domain.TranscriptMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return shared.RetryOnConflict(ctx, s.retry, "save_messages", func() error {
		return s.saveMessagesOnce(ctx, msgs)
	})
}

func (s *SQLiteStore) saveMessagesOnce(ctx context.Context, msgs []domain.TranscriptMessage) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save messages: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("Failed to roll back message save", "error", rbErr)
			}
		}
	}()

	query := `
	INSERT INTO messages (conversation_id, message_id, role, content, model, endpoint, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id, message_id) DO UPDATE SET
		content = excluded.content,
		model = excluded.model,
		endpoint = excluded.endpoint`

	touched := make(map[string]int64, 1)
	for _, m := range msgs {
		if _, err = tx.ExecContext(ctx, query,
			m.ConversationID, m.MessageID, string(m.Role), m.Content,
			m.Model, m.Endpoint, m.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.MessageID, err)
		}
		touched[m.ConversationID] = m.CreatedAt.Unix()
	}

	for convID, ts := range touched {
		res, execErr := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE conversation_id = ?`, ts, convID)
		if execErr != nil {
			err = fmt.Errorf("touch conversation %s: %w", convID, execErr)
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			err = fmt.Errorf("touch conversation %s: %w", convID, domain.ErrNotFound)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save messages: %w", err)
	}
	return nil
}

// ListMessages returns messages for a conversation in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]domain.TranscriptMessage, error) {
	query := `
		SELECT conversation_id, message_id, role, content, model, endpoint, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.TranscriptMessage
	for rows.Next() {
		var m domain.TranscriptMessage
		var role string
		var createdAt int64
		if err := rows.Scan(&m.ConversationID, &m.MessageID, &role, &m.Content,
			&m.Model, &m.Endpoint, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// DeleteEmptyConversations removes conversations that never received a message.
func (s *SQLiteStore) DeleteEmptyConversations(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM conversations
		WHERE created_at < ?
		  AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = conversations.conversation_id)`

	var deleted int64
	err := shared.RetryOnConflict(ctx, s.retry, "delete_empty_conversations", func() error {
		res, err := s.db.ExecContext(ctx, query, cutoff.Unix())
		if err != nil {
			return fmt.Errorf("delete empty conversations: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
