package live

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/livelink/internal/codec"
	"github.com/ashureev/livelink/internal/domain"
	"github.com/ashureev/livelink/internal/observe"
	"github.com/ashureev/livelink/internal/protocol"
	"github.com/ashureev/livelink/internal/store"
	"github.com/ashureev/livelink/internal/upstream"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	errClientClosed = errors.New("client closed connection")
	errClosed       = errors.New("session closed")
	errUpstreamEnd  = errors.New("upstream ended the session")
	errPanic        = errors.New("session goroutine panicked")
)

const (
	pumpBuffer   = 256
	turnBuffer   = 16
	writeTimeout = 5 * time.Second
)

// pumpItem is one unit for the event pump, tagged with the generation of the
// upstream handle that produced it. Items from replaced handles are ignored.
type pumpItem struct {
	gen      uint64
	ev       upstream.Event
	userText string
	ended    bool
}

// Session relays one client connection to one upstream handle.
type Session struct {
	conn     *websocket.Conn
	adapter  upstream.Adapter
	repo     store.Repository
	profile  Profile
	metrics  *observe.Metrics
	logger   *slog.Logger
	queue    *FrameQueue
	persistT time.Duration

	events    chan pumpItem
	turns     chan domain.Turn
	done      chan struct{}
	persisted chan struct{}

	mu     sync.Mutex
	info   domain.SessionInfo
	cfg    upstream.Config
	handle upstream.Handle
	gen    uint64
	// ready is closed when a handle is installed after a swap.
	ready  chan struct{}

	closeOnce   sync.Once
	closeReason string
	cancel      context.CancelCauseFunc
	closing     chan struct{}
}

// SessionConfig carries the collaborators and tuning of one session.
type SessionConfig struct {
	Adapter        upstream.Adapter
	Repo           store.Repository
	Profile        Profile
	Metrics        *observe.Metrics
	Logger         *slog.Logger
	FrameQueueSize int
	PersistTimeout time.Duration
}

// NewSession creates a session for an accepted, authenticated connection.
func NewSession(conn *websocket.Conn, info domain.SessionInfo, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Session{
		conn:     conn,
		adapter:  cfg.Adapter,
		repo:     cfg.Repo,
		profile:  cfg.Profile,
		metrics:  cfg.Metrics,
		logger:   logger.With("session_id", info.SessionID, "user_id", info.UserID, "mode", info.Mode),
		queue:    NewFrameQueue(cfg.FrameQueueSize),
		persistT: cfg.PersistTimeout,
		events:   make(chan pumpItem, pumpBuffer),
		turns:    make(chan domain.Turn, turnBuffer),
		done:     make(chan struct{}),
		info:     info,
		ready:    make(chan struct{}),
		cfg: upstream.Config{
			Model:       info.Model,
			Voice:       info.Voice,
			Instruction: cfg.Profile.Instruction,
			Modalities:  cfg.Profile.Modalities,
		},
		closing:   make(chan struct{}),
		persisted: make(chan struct{}),
	}
}

// Info returns a snapshot of the session description.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Close ends the session with reason. It is safe to call before Run starts
// and from any goroutine.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		cancel := s.cancel
		s.mu.Unlock()
		close(s.closing)
		if cancel != nil {
			cancel(errClosed)
		}
	})
}

// closedEarly reports whether Close ran before Run installed its cancel func.
func (s *Session) closedEarly() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Run opens the upstream and relays until the client, the upstream or Close
// ends the session. The connection is closed with the matching status before
// Run returns.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.closedEarly() {
		cancel(errClosed)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Live session panicked", "panic", r)
			err = fmt.Errorf("session panic: %v", r)
			s.teardown()
			s.closeConn(protocol.CloseInternalError, protocol.ReasonSessionFailed)
		}
	}()

	s.metrics.SessionStarted(ctx, s.info.Mode)
	defer s.metrics.SessionEnded(context.WithoutCancel(ctx), s.info.Mode)

	s.writeStatus(ctx, protocol.StatusConnecting)

	if err := s.swapHandle(ctx, s.upstreamConfig()); err != nil {
		s.teardown()
		if errors.Is(context.Cause(ctx), errClosed) {
			s.closeConn(websocket.StatusNormalClosure, s.reason())
			return nil
		}
		s.logger.Error("Failed to open upstream", "error", err)
		s.writeJSON(ctx, protocol.TypeError, protocol.ErrorData{Message: protocol.ReasonSessionFailed})
		s.closeConn(protocol.CloseInternalError, protocol.ReasonSessionFailed)
		return err
	}

	// The reader must not see the group's cancellation: a cancelled Read tears
	// the connection down before a close frame can be written. It stops when
	// the closer closes the connection.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.guard("reader", func() error { return s.readClient(gctx, context.WithoutCancel(gctx)) }))
	g.Go(s.guard("sender", func() error { return s.sendFrames(gctx) }))
	g.Go(s.guard("pump", func() error { return s.pumpEvents(gctx) }))
	g.Go(s.guard("persister", s.persistTurns))
	g.Go(func() error {
		<-gctx.Done()
		s.finish(context.Cause(gctx))
		return nil
	})
	err = g.Wait()

	if errors.Is(err, errClientClosed) || errors.Is(context.Cause(ctx), errClosed) {
		err = nil
	}
	s.logger.Info("Live session ended", "error", err, "frames_dropped", s.queue.Dropped())
	return err
}

// finish releases the upstream and closes the connection with the status that
// matches cause. Pending turns are persisted before the close frame unless the
// client is already gone.
func (s *Session) finish(cause error) {
	s.teardown()

	if errors.Is(cause, errClientClosed) {
		_ = s.conn.CloseNow()
		return
	}
	<-s.persisted

	code, reason := closeStatus(cause, s.reason())
	s.closeConn(code, reason)
}

func closeStatus(cause error, closeReason string) (websocket.StatusCode, string) {
	var upErr *domain.UpstreamError
	switch {
	case errors.As(cause, &upErr):
		return protocol.CloseInternalError, protocol.ReasonUpstreamLost
	case errors.Is(cause, errClosed):
		return websocket.StatusNormalClosure, closeReason
	case errors.Is(cause, errPanic):
		return protocol.CloseInternalError, protocol.ReasonSessionFailed
	default:
		return websocket.StatusNormalClosure, "session ended"
	}
}

func (s *Session) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// guard converts a panic in a relay goroutine into an error so only this
// session is torn down.
func (s *Session) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Live session goroutine panicked", "goroutine", name, "panic", r)
				err = fmt.Errorf("%w: %s: %v", errPanic, name, r)
			}
		}()
		return fn()
	}
}

func (s *Session) upstreamConfig() upstream.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// swapHandle closes the current upstream handle and opens a new one with cfg.
// At most one handle is held at any time.
func (s *Session) swapHandle(ctx context.Context, cfg upstream.Config) error {
	s.mu.Lock()
	old := s.handle
	s.handle = nil
	s.gen++
	gen := s.gen
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	start := time.Now()
	h, err := s.adapter.Open(ctx, cfg)
	s.metrics.UpstreamOpened(ctx, time.Since(start).Seconds(), err == nil)
	if err != nil {
		s.metrics.UpstreamError(ctx, "open")
		var upErr *domain.UpstreamError
		if !errors.As(err, &upErr) {
			err = &domain.UpstreamError{Op: "open", Err: err}
		}
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		// Torn down while opening.
		s.mu.Unlock()
		_ = h.Close()
		return &domain.UpstreamError{Op: "open", Err: errClosed}
	}
	s.handle = h
	s.cfg = cfg
	s.info.Voice = cfg.Voice
	s.info.Model = cfg.Model
	if s.ready != nil {
		close(s.ready)
		s.ready = nil
	}
	s.mu.Unlock()

	if err := h.OnEvent(func(ev upstream.Event) { s.post(pumpItem{gen: gen, ev: ev}) }); err != nil {
		_ = h.Close()
		return &domain.UpstreamError{Op: "subscribe", Err: err}
	}
	go func() {
		select {
		case <-h.Done():
			s.post(pumpItem{gen: gen, ended: true})
		case <-s.done:
		}
	}()
	return nil
}

// post hands an item to the event pump unless the session is gone.
func (s *Session) post(it pumpItem) {
	select {
	case s.events <- it:
	case <-s.done:
	}
}

func (s *Session) current() (upstream.Handle, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.gen
}

// awaitHandle returns the current handle, waiting while a swap is reopening
// the upstream. It reports false once the session is torn down.
func (s *Session) awaitHandle(ctx context.Context) (upstream.Handle, bool) {
	for {
		s.mu.Lock()
		h, ready := s.handle, s.ready
		s.mu.Unlock()
		if h != nil {
			return h, true
		}
		select {
		case <-ready:
		case <-s.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// teardown releases the upstream handle and stops callbacks. Idempotent.
func (s *Session) teardown() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.gen++
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	s.queue.Close()
	if h != nil {
		if err := h.Close(); err != nil {
			s.logger.Debug("Failed to close upstream", "error", err)
		}
	}
}

// readClient decodes client envelopes until the connection ends. Reads use
// readCtx, which outlives ctx; the closer ends them by closing the connection.
//
//nolint:gocognit // Message dispatch covers every client message type.
func (s *Session) readClient(ctx, readCtx context.Context) error {
	for {
		_, data, err := s.conn.Read(readCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("WebSocket closed by client")
			} else {
				s.logger.Warn("WebSocket read error", "error", err)
			}
			return errClientClosed
		}

		env, err := codec.DecodeEnvelope(data)
		if err != nil {
			s.reject(ctx, err)
			continue
		}

		switch env.Type {
		case protocol.TypeAudio:
			var d protocol.AudioData
			if err := env.Bind(&d); err != nil {
				s.reject(ctx, err)
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(d.AudioData)
			if err != nil || len(pcm) == 0 || len(pcm)%2 != 0 {
				s.reject(ctx, &codec.ProtocolError{Reason: "audioData is not base64 PCM16", Err: err})
				continue
			}
			s.enqueue(ctx, Frame{Kind: FrameAudio, Data: pcm})

		case protocol.TypeVideo:
			var d protocol.VideoData
			if err := env.Bind(&d); err != nil {
				s.reject(ctx, err)
				continue
			}
			img, err := base64.StdEncoding.DecodeString(stripDataURL(d.Image))
			if err != nil || len(img) == 0 {
				s.reject(ctx, &codec.ProtocolError{Reason: "image is not base64", Err: err})
				continue
			}
			s.enqueue(ctx, Frame{Kind: FrameVideo, Data: img})

		case protocol.TypeMessage:
			var d protocol.MessageData
			if err := env.Bind(&d); err != nil {
				s.reject(ctx, err)
				continue
			}
			text := strings.TrimSpace(d.Text)
			if text == "" {
				continue
			}
			if err := s.sendText(ctx, text); err != nil {
				return err
			}

		case protocol.TypeConfig:
			var d protocol.ConfigData
			if err := env.Bind(&d); err != nil {
				s.reject(ctx, err)
				continue
			}
			voice := strings.TrimSpace(d.Voice)
			cfg := s.upstreamConfig()
			if voice == "" || voice == cfg.Voice {
				continue
			}
			s.logger.Info("Reconnecting upstream with new voice", "voice", voice)
			cfg.Voice = voice
			if err := s.swapHandle(ctx, cfg); err != nil {
				s.logger.Error("Failed to reopen upstream", "error", err)
				s.writeJSON(ctx, protocol.TypeError, protocol.ErrorData{Message: protocol.ReasonUpstreamLost})
				return err
			}

		case protocol.TypeInterrupt:
			s.logger.Debug("Client requested interruption")
			s.writeJSON(ctx, protocol.TypeInterrupted, protocol.Empty{})

		default:
			s.logger.Debug("Ignoring unknown message type", "type", env.Type)
		}
	}
}

func (s *Session) reject(ctx context.Context, err error) {
	s.metrics.EnvelopeRejected(ctx)
	s.logger.Debug("Dropping malformed client message", "error", err)
}

func (s *Session) enqueue(ctx context.Context, f Frame) {
	if old, dropped := s.queue.Push(f); dropped {
		s.metrics.FrameDropped(ctx, old.Kind.String())
		s.logger.Debug("Frame queue full, dropped oldest frame", "kind", old.Kind.String())
	}
}

// sendText forwards a user turn and records it for the transcript.
func (s *Session) sendText(ctx context.Context, text string) error {
	h, gen := s.current()
	if h == nil {
		s.logger.Warn("Dropping message while upstream is reconnecting")
		return nil
	}
	s.post(pumpItem{gen: gen, userText: text})
	if err := h.SendText(ctx, text); err != nil {
		if errors.Is(err, upstream.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		s.metrics.UpstreamError(ctx, "send_text")
		s.logger.Warn("Failed to send message upstream", "error", err)
	}
	return nil
}

// sendFrames drains the frame queue into the current upstream handle.
func (s *Session) sendFrames(ctx context.Context) error {
	for {
		f, err := s.queue.Pop(ctx)
		if err != nil {
			return nil
		}

		h, ok := s.awaitHandle(ctx)
		if !ok {
			return nil
		}

		switch f.Kind {
		case FrameAudio:
			err = h.SendAudio(ctx, f.Data)
		case FrameVideo:
			err = h.SendVideo(ctx, f.Data)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.metrics.FrameDropped(ctx, f.Kind.String())
			if !errors.Is(err, upstream.ErrClosed) {
				s.metrics.UpstreamError(ctx, "send_"+f.Kind.String())
				s.logger.Warn("Failed to relay frame", "kind", f.Kind.String(), "error", err)
			}
			continue
		}
		s.metrics.FrameRelayed(ctx, f.Kind.String())
	}
}

// pumpEvents turns upstream events into client events and completed turns.
func (s *Session) pumpEvents(ctx context.Context) error {
	defer close(s.turns)

	var (
		t       turnTracker
		lastGen uint64
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-s.events:
			if _, gen := s.current(); it.gen != gen {
				continue
			}
			if it.gen != lastGen {
				t.reset()
				lastGen = it.gen
			}
			if err := s.handleItem(ctx, &t, it); err != nil {
				return err
			}
		}
	}
}

//nolint:gocognit // One branch per upstream event kind.
func (s *Session) handleItem(ctx context.Context, t *turnTracker, it pumpItem) error {
	if it.userText != "" {
		t.addUser(it.userText)
		s.writeStatus(ctx, protocol.StatusThinking)
		return nil
	}
	if it.ended {
		s.metrics.UpstreamError(ctx, "receive")
		s.writeJSON(ctx, protocol.TypeError, protocol.ErrorData{Message: protocol.ReasonUpstreamLost})
		return &domain.UpstreamError{Op: "receive", Err: errUpstreamEnd}
	}

	ev := it.ev
	switch ev.Kind {
	case upstream.EventSetupComplete:
		s.writeStatus(ctx, protocol.StatusReady)

	case upstream.EventAudio:
		if !t.speaking {
			t.speaking = true
			s.writeStatus(ctx, protocol.StatusSpeaking)
		}
		s.writeJSON(ctx, protocol.TypeAudio, protocol.AudioData{
			AudioData: base64.StdEncoding.EncodeToString(ev.Audio),
		})

	case upstream.EventText:
		if s.profile.Reports() {
			t.addReport(ev.Text)
			return nil
		}
		t.addAssistant(ev.Text)
		s.writeJSON(ctx, protocol.TypeText, protocol.TextData{Text: ev.Text})

	case upstream.EventInputTranscript:
		t.addUserTranscript(ev.Text)

	case upstream.EventOutputTranscript:
		t.addAssistant(ev.Text)
		s.writeJSON(ctx, protocol.TypeText, protocol.TextData{Text: ev.Text})

	case upstream.EventInterrupted:
		t.interrupted = true
		t.speaking = false
		s.writeJSON(ctx, protocol.TypeInterrupted, protocol.Empty{})

	case upstream.EventTurnComplete:
		interrupted := t.interrupted
		turn := t.complete()
		if turn.Report != "" {
			turn.ReportID = uuid.NewString()
			s.writeJSON(ctx, protocol.TypeReport, protocol.ReportData{HTML: turn.Report, MessageID: turn.ReportID})
		}
		s.writeStatus(ctx, protocol.StatusTurnComplete)
		if turn.Empty() {
			return nil
		}
		if interrupted {
			s.logger.Debug("Persisting interrupted turn")
		}
		select {
		case s.turns <- turn:
		case <-ctx.Done():
		}

	case upstream.EventError:
		s.metrics.UpstreamError(ctx, "receive")
		s.logger.Warn("Upstream failed", "error", ev.Err)
		s.writeJSON(ctx, protocol.TypeError, protocol.ErrorData{Message: upstreamMessage(ev.Err)})
		var upErr *domain.UpstreamError
		if errors.As(ev.Err, &upErr) {
			return upErr
		}
		return &domain.UpstreamError{Op: "receive", Err: ev.Err}
	}
	return nil
}

func upstreamMessage(err error) string {
	if err == nil {
		return protocol.ReasonUpstreamLost
	}
	return protocol.ReasonUpstreamLost + ": " + err.Error()
}

// persistTurns writes completed turns in order until the pump stops.
func (s *Session) persistTurns() error {
	defer close(s.persisted)
	for turn := range s.turns {
		s.saveTurn(turn)
	}
	return nil
}

func (s *Session) saveTurn(turn domain.Turn) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistT)
	defer cancel()

	info := s.Info()
	convID := info.ConversationID

	if protocol.IsNewConversation(convID) {
		now := time.Now().UTC()
		conv := &domain.Conversation{
			ConversationID: uuid.NewString(),
			UserID:         info.UserID,
			Title:          conversationTitle(turn, "Live session"),
			Mode:           info.Mode,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.CreateConversation(ctx, conv); err != nil {
			s.persistFailed(ctx, &domain.PersistenceError{ConversationID: protocol.NewConversation, Err: err})
			return
		}
		convID = conv.ConversationID
		s.mu.Lock()
		s.info.ConversationID = convID
		s.mu.Unlock()
		s.logger.Info("Conversation created", "conversation_id", convID)
		s.writeJSON(ctx, protocol.TypeConversationID, protocol.ConversationIDData{ConversationID: convID})
	}

	msgs := s.transcript(convID, info.Model, turn)
	if err := s.repo.SaveMessages(ctx, msgs); err != nil {
		s.persistFailed(ctx, &domain.PersistenceError{ConversationID: convID, Err: err})
		return
	}
	s.metrics.TurnPersisted(ctx)
	s.logger.Debug("Turn persisted", "conversation_id", convID, "messages", len(msgs))
	s.writeJSON(ctx, protocol.TypeConversationUpdated, protocol.Empty{})
}

func (s *Session) transcript(convID, model string, turn domain.Turn) []domain.TranscriptMessage {
	now := time.Now().UTC()
	endpoint := s.adapter.Name()
	msgs := make([]domain.TranscriptMessage, 0, 3)
	add := func(id string, role domain.Role, content string) {
		if content == "" {
			return
		}
		if id == "" {
			id = uuid.NewString()
		}
		msgs = append(msgs, domain.TranscriptMessage{
			ConversationID: convID,
			MessageID:      id,
			Role:           role,
			Content:        content,
			Model:          model,
			Endpoint:       endpoint,
			CreatedAt:      now,
		})
	}
	add("", domain.RoleUser, turn.UserText)
	add("", domain.RoleAssistant, turn.AssistantText)
	add(turn.ReportID, domain.RoleAssistant, turn.Report)
	return msgs
}

func (s *Session) persistFailed(ctx context.Context, err *domain.PersistenceError) {
	s.metrics.PersistenceError(ctx)
	s.logger.Error("Failed to persist turn", "conversation_id", err.ConversationID, "error", err)
	s.writeJSON(ctx, protocol.TypeError, protocol.ErrorData{Message: "Failed to save conversation"})
}

func (s *Session) writeStatus(ctx context.Context, st protocol.Status) {
	s.writeJSON(ctx, protocol.TypeStatus, protocol.StatusData{Status: st})
}

// writeJSON sends one envelope. Failures are logged; the reader notices a
// dead connection.
func (s *Session) writeJSON(ctx context.Context, msgType string, data any) {
	b, err := protocol.Marshal(msgType, data)
	if err != nil {
		s.logger.Error("Failed to encode event", "type", msgType, "error", err)
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, b); err != nil {
		s.logger.Debug("WebSocket write error", "type", msgType, "error", err)
	}
}

func (s *Session) closeConn(code websocket.StatusCode, reason string) {
	if err := s.conn.Close(code, reason); err != nil {
		s.logger.Debug("Failed to close websocket", "error", err)
	}
}

// stripDataURL removes a "data:image/jpeg;base64," prefix if present.
func stripDataURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		if _, payload, ok := strings.Cut(s, ","); ok {
			return payload
		}
	}
	return s
}
