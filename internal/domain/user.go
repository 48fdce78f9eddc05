// Package domain contains core domain types for the live session server.
package domain

import (
	"time"
)

// User is an authenticated account seen by the live server.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SeenSince reports whether the user connected within d of now.
func (u *User) SeenSince(d time.Duration, now time.Time) bool {
	return now.Sub(u.LastSeenAt) <= d
}
