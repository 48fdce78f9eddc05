// Package api provides the HTTP handlers that sit beside the live endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/livelink/internal/domain"
	"github.com/ashureev/livelink/internal/store"
)

// Sessions exposes the live session registry to HTTP handlers.
type Sessions interface {
	Count() int
	ForUser(userID string) (domain.SessionInfo, bool)
}

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	sessions Sessions
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions Sessions) *Handler {
	return &Handler{
		repo:     repo,
		sessions: sessions,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
