// Package gemini implements upstream.Adapter for the Gemini Live API.
//
// It holds one bidirectional WebSocket to the BidiGenerateContent endpoint
// and exchanges JSON messages: media goes out as base64 realtimeInput chunks,
// text turns as clientContent, and serverContent comes back as events.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/livelink/internal/domain"
	"github.com/ashureev/livelink/internal/upstream"
	"github.com/coder/websocket"
)

var (
	_ upstream.Adapter = (*Adapter)(nil)
	_ upstream.Handle  = (*session)(nil)
)

const (
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice   = "Puck"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// maxPending bounds messages queued before setupComplete arrives.
	maxPending = 100
	// readLimit admits large audio chunks from the service.
	readLimit = 8 << 20
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the WebSocket base URL. Tests point it at a local server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModel sets the model used when a session does not request one.
func WithModel(model string) Option {
	return func(a *Adapter) {
		if model != "" {
			a.model = model
		}
	}
}

// WithVoice sets the voice used when a session does not request one.
func WithVoice(voice string) Option {
	return func(a *Adapter) {
		if voice != "" {
			a.voice = voice
		}
	}
}

// WithLogger sets the logger for session diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// Adapter opens Gemini Live sessions.
type Adapter struct {
	apiKey  string
	baseURL string
	model   string
	voice   string
	logger  *slog.Logger
}

// New creates an Adapter authenticated with apiKey.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   DefaultModel,
		voice:   DefaultVoice,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name identifies the endpoint in persisted messages.
func (a *Adapter) Name() string { return "google" }

// Open dials the service and sends the setup message. Sends issued before the
// service acknowledges setup are queued and flushed in order.
func (a *Adapter) Open(ctx context.Context, cfg upstream.Config) (upstream.Handle, error) {
	if cfg.Model == "" {
		cfg.Model = a.model
	}
	if cfg.Voice == "" {
		cfg.Voice = a.voice
	}

	conn, _, err := websocket.Dial(ctx, a.baseURL+endpointPath, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"x-goog-api-key": []string{a.apiKey},
		},
	})
	if err != nil {
		return nil, &domain.UpstreamError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(readLimit)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		Dispatcher: upstream.NewDispatcher(0),
		conn:       conn,
		ctx:        sessCtx,
		cancel:     cancel,
		logger:     a.logger.With("component", "gemini", "model", cfg.Model),
	}

	if err := s.writeNow(ctx, newSetup(cfg)); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &domain.UpstreamError{Op: "setup", Err: err}
	}

	go s.receiveLoop()
	go s.keepaliveLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *serviceError    `json:"error,omitempty"`
}

type serviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

func newSetup(cfg upstream.Config) setupMessage {
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := setupMessage{Setup: setupConfig{
		Model:            model,
		GenerationConfig: generationConfig{ResponseModalities: modalities},
	}}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.Instruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instruction}}}
	}
	for _, m := range modalities {
		if strings.EqualFold(m, "AUDIO") {
			msg.Setup.InputAudioTranscription = &struct{}{}
			msg.Setup.OutputAudioTranscription = &struct{}{}
		}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	*upstream.Dispatcher

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	ready   bool
	closed  bool
	pending [][]byte
	dropped int
}

// writeNow marshals v and writes it, bypassing the pending queue.
func (s *session) writeNow(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// send writes v, or queues it while setup is still in flight.
func (s *session) send(ctx context.Context, op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal %s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return upstream.ErrClosed
	}
	if !s.ready {
		if len(s.pending) >= maxPending {
			s.pending = s.pending[1:]
			s.dropped++
		}
		s.pending = append(s.pending, data)
		return nil
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &domain.UpstreamError{Op: op, Err: err}
	}
	return nil
}

// markReady flushes queued messages in order and switches to direct writes.
func (s *session) markReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready || s.closed {
		return nil
	}
	for _, data := range s.pending {
		if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
			return &domain.UpstreamError{Op: "flush", Err: err}
		}
	}
	if s.dropped > 0 {
		s.logger.Warn("Dropped messages queued before setup", "count", s.dropped)
	}
	s.pending = nil
	s.ready = true
	return nil
}

// SendAudio delivers a PCM16 16 kHz mono frame.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	return s.send(ctx, "send_audio", realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(pcm)}},
	}})
}

// SendVideo delivers a JPEG frame.
func (s *session) SendVideo(ctx context.Context, jpeg []byte) error {
	return s.send(ctx, "send_video", realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{MIMEType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(jpeg)}},
	}})
}

// SendText delivers a complete user turn.
func (s *session) SendText(ctx context.Context, text string) error {
	return s.send(ctx, "send_text", clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}})
}

// receiveLoop owns the dispatcher's producer side and finishes it on exit.
func (s *session) receiveLoop() {
	var loopErr error
	defer func() { s.Finish(loopErr) }()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			loopErr = &domain.UpstreamError{Op: "receive", Err: err}
			s.Emit(s.ctx, upstream.Event{Kind: upstream.EventError, Err: loopErr})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("Skipping malformed server message", "error", err)
			continue
		}

		if err := s.handle(&msg); err != nil {
			loopErr = err
			s.Emit(s.ctx, upstream.Event{Kind: upstream.EventError, Err: err})
			return
		}
	}
}

// handle translates one server message into events. A non-nil error is fatal.
func (s *session) handle(msg *serverMessage) error {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		return &domain.UpstreamError{Op: "service", Err: fmt.Errorf("%s (code %d)", text, msg.Error.Code)}
	}

	if msg.SetupComplete != nil {
		if err := s.markReady(); err != nil {
			return err
		}
		s.Emit(s.ctx, upstream.Event{Kind: upstream.EventSetupComplete})
	}

	if msg.GoAway != nil {
		s.logger.Info("Service announced disconnect")
	}

	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.Emit(s.ctx, upstream.Event{Kind: upstream.EventInputTranscript, Text: sc.InputTranscription.Text})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					s.logger.Debug("Skipping undecodable audio part", "error", err)
					continue
				}
				s.Emit(s.ctx, upstream.Event{Kind: upstream.EventAudio, Audio: pcm})
			}
			if p.Text != "" && !p.Thought {
				s.Emit(s.ctx, upstream.Event{Kind: upstream.EventText, Text: p.Text})
			}
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.Emit(s.ctx, upstream.Event{Kind: upstream.EventOutputTranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		s.Emit(s.ctx, upstream.Event{Kind: upstream.EventInterrupted})
	}
	if sc.TurnComplete {
		s.Emit(s.ctx, upstream.Event{Kind: upstream.EventTurnComplete})
	}
	return nil
}

// keepaliveLoop pings the service so idle sessions stay open.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Debug("Keepalive ping failed", "error", err)
			}
			cancel()
		}
	}
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
