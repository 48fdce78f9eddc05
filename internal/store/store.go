// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/livelink/internal/domain"
)

// Repository persists users, conversations and transcript messages. It must
// tolerate concurrent writes from independent sessions.
type Repository interface {
	// GetUser retrieves a user by ID. A missing user returns (nil, nil).
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// CreateConversation inserts a new conversation owned by conv.UserID.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation. A missing one returns domain.ErrNotFound.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// SaveMessages upserts messages keyed by (conversation_id, message_id) and
	// bumps the conversation's updated_at, atomically.
	SaveMessages(ctx context.Context, msgs []domain.TranscriptMessage) error

	// ListMessages returns a conversation's messages in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]domain.TranscriptMessage, error)

	// DeleteEmptyConversations removes conversations without messages created before cutoff.
	DeleteEmptyConversations(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
