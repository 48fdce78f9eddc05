package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/ashureev/livelink/internal/domain"
	"github.com/ashureev/livelink/internal/identity"
	"github.com/ashureev/livelink/internal/observe"
	"github.com/ashureev/livelink/internal/protocol"
	"github.com/ashureev/livelink/internal/store"
	"github.com/ashureev/livelink/internal/upstream"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// TokenVerifier validates a connection credential.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*identity.Claims, error)
}

// HandlerConfig holds the collaborators shared by every connection.
type HandlerConfig struct {
	Verifier TokenVerifier
	Adapter  upstream.Adapter
	Repo     store.Repository
	Registry *Registry
	Profiles *Profiles
	Metrics  *observe.Metrics
	Logger   *slog.Logger

	AuthTimeout    time.Duration
	FrameQueueSize int
	PersistTimeout time.Duration
	DefaultModel   string
	DefaultVoice   string
	AllowedOrigins []string
}

// Options customize one endpoint.
type Options struct {
	// Mode forces the session mode, ignoring the mode parameter.
	Mode string
}

// Handler upgrades connections and runs one Session per connection.
type Handler struct {
	cfg    HandlerConfig
	opts   Options
	logger *slog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(cfg HandlerConfig, opts Options) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultProfiles()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Handler{
		cfg:    cfg,
		opts:   opts,
		logger: cfg.Logger.With("component", "live"),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := protocol.ParseParams(r.URL.Query())
	token, source := identity.TokenFromRequest(r)
	h.logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r), "path", r.URL.Path)

	authCtx, cancel := context.WithTimeout(r.Context(), h.cfg.AuthTimeout)
	claims, authErr := h.cfg.Verifier.Verify(authCtx, token)
	cancel()

	acceptOpts := h.acceptOptions()
	if source == identity.TokenSubprotocol {
		acceptOpts.Subprotocols = []string{token}
	}
	ws, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}

	if authErr != nil {
		h.rejectAuth(r.Context(), ws, authErr)
		return
	}

	userID := claims.UserID()
	profile := h.cfg.Profiles.Resolve(h.mode(params))
	info := domain.SessionInfo{
		SessionID:      uuid.NewString(),
		UserID:         userID,
		ConversationID: h.resolveConversation(r.Context(), userID, params.ConversationID),
		Mode:           profile.Mode,
		Voice:          firstNonEmpty(params.InitialVoice, profile.Voice, h.cfg.DefaultVoice),
		Model:          firstNonEmpty(params.Model, profile.Model, h.cfg.DefaultModel),
		CreatedAt:      time.Now().UTC(),
	}
	h.logger.Info("User authenticated", "user_id", userID, "session_id", info.SessionID,
		"mode", info.Mode, "conversation_id", info.ConversationID)

	h.touchUser(userID, claims.Username)

	session := NewSession(ws, info, SessionConfig{
		Adapter:        h.cfg.Adapter,
		Repo:           h.cfg.Repo,
		Profile:        profile,
		Metrics:        h.cfg.Metrics,
		Logger:         h.cfg.Logger,
		FrameQueueSize: h.cfg.FrameQueueSize,
		PersistTimeout: h.cfg.PersistTimeout,
	})
	unregister := h.cfg.Registry.Register(info, session, protocol.ReasonReplaced)
	defer unregister()

	if err := session.Run(r.Context()); err != nil {
		h.logger.Warn("Live session failed", "user_id", userID, "session_id", info.SessionID, "error", err)
	}
}

func (h *Handler) rejectAuth(ctx context.Context, ws *websocket.Conn, err error) {
	code, reason, label := protocol.CloseUnauthorized, protocol.ReasonAuthFailed, "invalid_token"
	switch {
	case errors.Is(err, domain.ErrMissingToken):
		reason, label = protocol.ReasonAuthRequired, "missing_token"
	case errors.Is(err, domain.ErrInvalidUser):
		code, reason, label = protocol.CloseInvalidUser, protocol.ReasonInvalidUser, "invalid_user"
	case errors.Is(err, context.DeadlineExceeded):
		label = "timeout"
	}
	h.cfg.Metrics.AuthFailure(ctx, label)
	h.logger.Warn("WebSocket authentication failed", "reason", label, "error", err)
	if closeErr := ws.Close(code, reason); closeErr != nil {
		h.logger.Debug("Failed to close websocket", "error", closeErr)
	}
}

func (h *Handler) mode(params protocol.Params) string {
	if h.opts.Mode != "" {
		return h.opts.Mode
	}
	if params.Mode != "" {
		return params.Mode
	}
	return protocol.ModeChat
}

// resolveConversation keeps a requested conversation only if it exists and
// belongs to userID.
func (h *Handler) resolveConversation(ctx context.Context, userID, requested string) string {
	if protocol.IsNewConversation(requested) || h.cfg.Repo == nil {
		return protocol.NewConversation
	}
	conv, err := h.cfg.Repo.GetConversation(ctx, requested)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.logger.Warn("Requested conversation not found, starting new one", "user_id", userID, "conversation_id", requested)
		return protocol.NewConversation
	case err != nil:
		h.logger.Warn("Failed to load conversation, starting new one", "user_id", userID, "error", err)
		return protocol.NewConversation
	case conv.UserID != userID:
		h.logger.Warn("Conversation owned by another user, starting new one", "user_id", userID, "conversation_id", requested)
		return protocol.NewConversation
	}
	return conv.ConversationID
}

// touchUser records the connection asynchronously with a timeout.
func (h *Handler) touchUser(userID, username string) {
	if h.cfg.Repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		now := time.Now().UTC()
		if err := h.cfg.Repo.UpsertUser(ctx, &domain.User{
			UserID:     userID,
			Username:   username,
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			h.logger.Warn("Failed to update last seen", "user_id", userID, "error", err)
		}
	}()
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	origins := h.cfg.AllowedOrigins
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else {
			patterns = append(patterns, o)
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
