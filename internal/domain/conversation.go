package domain

import (
	"time"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation groups the transcript messages written by live sessions.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	Mode           string    `json:"mode"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TranscriptMessage is one persisted entry, keyed by (ConversationID, MessageID).
type TranscriptMessage struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model"`
	Endpoint       string    `json:"endpoint"`
	CreatedAt      time.Time `json:"created_at"`
}

// Turn is one completed exchange observed by the server. Only completed
// turns are ever persisted.
type Turn struct {
	UserText      string
	AssistantText string
	// Report holds model text delivered as one report document.
	Report   string
	ReportID string
}

// Empty reports whether the turn produced no text at all.
func (t Turn) Empty() bool {
	return t.UserText == "" && t.AssistantText == "" && t.Report == ""
}
