package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingToken is returned when a connection carries no credential.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when no configured secret verifies the token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidUser is returned when a verified token names no usable user.
	ErrInvalidUser = errors.New("invalid user")
	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("not found")
)

// AuthError is fatal to a connection and raised before any session resource
// is allocated.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "auth: " + e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamError is fatal to the session that owns the upstream connection.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream %s: %v", e.Op, e.Err) }

func (e *UpstreamError) Unwrap() error { return e.Err }

// PersistenceError reports a transcript write that did not complete. The
// live turn continues but the turn is not reported as saved.
type PersistenceError struct {
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist conversation %s: %v", e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
