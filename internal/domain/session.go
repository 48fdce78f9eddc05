package domain

import (
	"time"
)

// SessionInfo describes one live connection bridged to one upstream session.
type SessionInfo struct {
	SessionID      string
	UserID         string
	ConversationID string
	Mode           string
	Voice          string
	Model          string
	CreatedAt      time.Time
}

// Age returns how long the session has existed.
func (s *SessionInfo) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
