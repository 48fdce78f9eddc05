package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/livelink/internal/domain"
	"github.com/ashureev/livelink/internal/identity"
	"github.com/go-chi/chi/v5"
)

// ConversationHandler serves transcript history to authenticated users.
type ConversationHandler struct {
	*Handler
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(base *Handler) *ConversationHandler {
	return &ConversationHandler{Handler: base}
}

// RegisterRoutes registers the history routes. The caller applies the
// identity middleware.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/conversations/{id}", h.GetConversation)
		r.Get("/conversations/{id}/messages", h.ListMessages)
	})
}

// GetMe returns the current user and their live session, if any.
func (h *ConversationHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}

	resp := map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"last_seen_at": user.LastSeenAt.UTC().Format(time.RFC3339),
	}
	if h.sessions != nil {
		if s, ok := h.sessions.ForUser(userID); ok {
			resp["session"] = map[string]interface{}{
				"session_id":      s.SessionID,
				"conversation_id": s.ConversationID,
				"mode":            s.Mode,
				"age_seconds":     int64(s.Age(time.Now()).Seconds()),
			}
		}
	}
	JSON(w, http.StatusOK, resp)
}

// GetConversation returns one conversation owned by the caller.
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, conv)
}

// ListMessages returns the transcript of a conversation owned by the caller.
func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), conv.ConversationID)
	if err != nil {
		slog.Error("Failed to list messages", "conversation_id", conv.ConversationID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []domain.TranscriptMessage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conv.ConversationID,
		"messages":        msgs,
	})
}

// ownedConversation loads the {id} conversation and writes an error response
// unless it belongs to the caller. Other users' conversations are reported as
// not found.
func (h *ConversationHandler) ownedConversation(w http.ResponseWriter, r *http.Request) (*domain.Conversation, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	id := chi.URLParam(r, "id")
	conv, err := h.repo.GetConversation(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "conversation not found")
		return nil, false
	case err != nil:
		slog.Error("Failed to load conversation", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	case conv.UserID != userID:
		slog.Warn("Conversation access denied", "conversation_id", id, "user_id", userID)
		Error(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}
