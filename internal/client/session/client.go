// Package session drives one client connection to the live server: it wires
// microphone capture, speaker playback and optional video to the duplex
// transport and tracks the turn state.
//
// There is no automatic reconnect. After the transport closes the caller
// must call Connect again.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/livelink/internal/client/capture"
	"github.com/ashureev/livelink/internal/client/playback"
	"github.com/ashureev/livelink/internal/codec"
	"github.com/ashureev/livelink/internal/protocol"
	"github.com/coder/websocket"
)

const (
	// DefaultUnmuteTimeout bounds how long capture stays muted while speaking.
	DefaultUnmuteTimeout = 10 * time.Second
	// DefaultVideoInterval is 5 frames per second.
	DefaultVideoInterval = 200 * time.Millisecond

	writeTimeout = 5 * time.Second
)

var (
	// ErrAlreadyConnected is returned by Connect when the client is not idle.
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrNotConnected is returned by sends while no transport is open.
	ErrNotConnected = errors.New("session not connected")
	// ErrEmptyText is returned by SendText for blank input.
	ErrEmptyText = errors.New("empty message")
)

// ServerError is an error event sent by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server: " + e.Message }

// Timer is a cancellable pending call.
type Timer interface {
	Stop() bool
}

// Config tunes a Client. Zero values select defaults.
type Config struct {
	// URL is the live endpoint, for example ws://localhost:8080/ws/voice.
	URL           string
	UnmuteTimeout time.Duration
	VideoInterval time.Duration
	PlaybackRate  int
	BufferSize    int
	Logger        *slog.Logger
	// OnEvent observes the session. It runs on the receive goroutine and
	// must not call Disconnect synchronously.
	OnEvent func(Event)
	// AfterFunc schedules the safety unmute. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Devices are the optional media endpoints. A nil Mic disables capture, a
// nil Speaker or Clock disables playback and a nil Video sends no frames.
type Devices struct {
	Mic     capture.Source
	Clock   playback.Clock
	Speaker playback.Sink
	Video   VideoSource
}

// EventKind identifies an Event.
type EventKind uint8

const (
	EventState EventKind = iota
	EventStatus
	EventText
	EventReport
	EventInterrupted
	EventError
	EventConversationID
	EventConversationUpdated
	EventClosed
)

// Event is delivered to Config.OnEvent, one at a time.
type Event struct {
	Kind           EventKind
	State          State
	Status         protocol.Status
	Text           string
	HTML           string
	MessageID      string
	ConversationID string
	Err            error
}

// Client is a live session client. It is safe for concurrent use.
type Client struct {
	dialer Dialer
	dev    Devices
	cfg    Config
	logger *slog.Logger

	muted atomic.Bool
	evMu  sync.Mutex

	mu             sync.Mutex
	state          State
	cur            *conn
	dialCancel     context.CancelFunc
	safety         Timer
	safetyGen      uint64
	conversationID string
}

// conn holds the resources of one open transport.
type conn struct {
	tr        Transport
	ctx       context.Context
	cancel    context.CancelFunc
	pipeline  *capture.Pipeline
	scheduler *playback.Scheduler
	wg        sync.WaitGroup
	recvDone  chan struct{}
}

// New creates an idle client.
func New(dialer Dialer, dev Devices, cfg Config) *Client {
	if cfg.UnmuteTimeout <= 0 {
		cfg.UnmuteTimeout = DefaultUnmuteTimeout
	}
	if cfg.VideoInterval <= 0 {
		cfg.VideoInterval = DefaultVideoInterval
	}
	if cfg.PlaybackRate <= 0 {
		cfg.PlaybackRate = codec.OutputSampleRate
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = capture.DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Client{
		dialer: dialer,
		dev:    dev,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "client"),
	}
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Muted reports whether captured frames are currently dropped.
func (c *Client) Muted() bool { return c.muted.Load() }

// ConversationID returns the conversation the session writes to.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Level returns the microphone input level in [0, 1].
func (c *Client) Level() float64 {
	if cn := c.current(); cn != nil && cn.pipeline != nil {
		return cn.pipeline.Level()
	}
	return 0
}

// InFlight returns the number of audio chunks scheduled for playback.
func (c *Client) InFlight() int {
	if cn := c.current(); cn != nil && cn.scheduler != nil {
		return cn.scheduler.InFlight()
	}
	return 0
}

// Connect opens the transport and starts capture, playback and video. A
// capture failure is reported as an EventError and the session continues
// without audio.
func (c *Client) Connect(ctx context.Context, params protocol.Params) error {
	c.mu.Lock()
	next, ok := transition(c.state, onConnect)
	if !ok {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = next
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.dialCancel = cancel
	c.mu.Unlock()
	c.emit(Event{Kind: EventState, State: next})

	c.logger.Info("Connecting", "url", redact(c.cfg.URL), "mode", params.Mode, "conversation_id", params.ConversationID)
	tr, err := c.dialer.Dial(dialCtx, c.cfg.URL+"?"+params.Values().Encode())
	if err != nil {
		c.abortConnect()
		return fmt.Errorf("connect: %w", err)
	}

	cn := c.openConn(tr)

	c.mu.Lock()
	c.dialCancel = nil
	if c.state != StateConnecting {
		// Disconnect raced the dial.
		c.mu.Unlock()
		c.release(cn, "client disconnect")
		return ErrNotConnected
	}
	c.state, _ = transition(c.state, onOpen)
	c.cur = cn
	c.conversationID = params.ConversationID
	c.muted.Store(false)
	if cn.pipeline != nil {
		cn.wg.Add(1)
	}
	if c.dev.Video != nil {
		cn.wg.Add(1)
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventState, State: StateReady})
	c.logger.Info("Connected", "capture", cn.pipeline != nil, "playback", cn.scheduler != nil, "video", c.dev.Video != nil)

	go c.recvLoop(cn)
	if cn.pipeline != nil {
		go c.sendFrames(cn)
	}
	if c.dev.Video != nil {
		go c.videoLoop(cn)
	}
	return nil
}

func (c *Client) abortConnect() {
	c.mu.Lock()
	c.dialCancel = nil
	changed := c.state == StateConnecting
	if changed {
		c.state = StateIdle
	}
	c.mu.Unlock()
	if changed {
		c.emit(Event{Kind: EventState, State: StateIdle})
	}
}

func (c *Client) openConn(tr Transport) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	cn := &conn{tr: tr, ctx: ctx, cancel: cancel, recvDone: make(chan struct{})}

	if c.dev.Speaker != nil && c.dev.Clock != nil {
		cn.scheduler = playback.NewScheduler(c.dev.Clock, c.dev.Speaker,
			playback.WithSampleRate(c.cfg.PlaybackRate), playback.WithLogger(c.cfg.Logger))
	}
	if c.dev.Mic != nil {
		p := capture.NewPipeline(c.dev.Mic, capture.GateFunc(c.muted.Load), capture.Config{
			BufferSize: c.cfg.BufferSize,
			Logger:     c.cfg.Logger,
		})
		if err := p.Start(); err != nil {
			c.logger.Warn("Microphone unavailable, continuing without audio", "error", err)
			c.emit(Event{Kind: EventError, Err: err})
		} else {
			cn.pipeline = p
		}
	}
	return cn
}

// Disconnect closes the transport and releases every device. It is safe
// to call in any state and more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cn := c.cur
	cancel := c.dialCancel
	aborted := cn == nil && c.state == StateConnecting
	if aborted {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if aborted {
		c.emit(Event{Kind: EventState, State: StateIdle})
	}
	if cn != nil {
		c.shutdown(cn, "client disconnect", nil, false)
	}
}

// shutdown tears cn down once. fromLoop is set when called by the receive
// loop, which must not wait for itself.
func (c *Client) shutdown(cn *conn, reason string, cause error, fromLoop bool) {
	c.mu.Lock()
	if c.cur != cn {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.state, _ = transition(c.state, onClose)
	c.stopSafetyLocked()
	c.muted.Store(false)
	c.mu.Unlock()

	c.release(cn, reason)
	if !fromLoop {
		<-cn.recvDone
	}
	c.logger.Info("Disconnected", "reason", reason, "error", cause)
	c.emit(Event{Kind: EventState, State: StateIdle})
	c.emit(Event{Kind: EventClosed, Err: cause})
}

func (c *Client) release(cn *conn, reason string) {
	if cn.pipeline != nil {
		if err := cn.pipeline.Stop(); err != nil {
			c.logger.Warn("Failed to stop capture", "error", err)
		}
	}
	if cn.scheduler != nil {
		cn.scheduler.Close()
	}
	if err := cn.tr.Close(reason); err != nil {
		c.logger.Debug("Transport close", "error", err)
	}
	cn.cancel()
	cn.wg.Wait()
}

func (c *Client) current() *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// SendText sends a user text turn.
func (c *Client) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	return c.send(ctx, protocol.TypeMessage, protocol.MessageData{Text: text})
}

// SetVoice asks the server to switch the assistant voice.
func (c *Client) SetVoice(ctx context.Context, voice string) error {
	return c.send(ctx, protocol.TypeConfig, protocol.ConfigData{Voice: voice})
}

// Interrupt flushes local playback, unmutes capture and tells the server.
func (c *Client) Interrupt(ctx context.Context) error {
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	if cn.scheduler != nil {
		cn.scheduler.Interrupt()
	}
	c.unmute()
	return c.write(ctx, cn, protocol.TypeInterrupt, protocol.Empty{})
}

func (c *Client) send(ctx context.Context, msgType string, data any) error {
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, cn, msgType, data)
}

func (c *Client) write(ctx context.Context, cn *conn, msgType string, data any) error {
	b, err := codec.EncodeEnvelope(msgType, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := cn.tr.Write(ctx, b); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func (c *Client) recvLoop(cn *conn) {
	defer close(cn.recvDone)
	for {
		data, err := cn.tr.Read(cn.ctx)
		if err != nil {
			if cn.ctx.Err() == nil {
				c.logger.Info("Transport closed by server", "code", websocket.CloseStatus(err), "error", err)
			}
			c.shutdown(cn, "transport closed", err, true)
			return
		}
		env, err := codec.DecodeEnvelope(data)
		if err != nil {
			c.logger.Debug("Dropping malformed envelope", "error", err)
			continue
		}
		c.handle(cn, env)
	}
}

func (c *Client) handle(cn *conn, env codec.Envelope) {
	switch env.Type {
	case protocol.TypeAudio:
		c.handleAudio(cn, env)

	case protocol.TypeText:
		var d protocol.TextData
		if c.bind(env, &d) && d.Text != "" {
			c.emit(Event{Kind: EventText, Text: d.Text})
		}

	case protocol.TypeReport:
		var d protocol.ReportData
		if c.bind(env, &d) {
			c.emit(Event{Kind: EventReport, HTML: d.HTML, MessageID: d.MessageID})
		}

	case protocol.TypeStatus:
		var d protocol.StatusData
		if !c.bind(env, &d) {
			return
		}
		c.emit(Event{Kind: EventStatus, Status: d.Status})
		switch d.Status {
		case protocol.StatusReady:
			c.apply(onReady)
		case protocol.StatusListening, protocol.StatusTurnComplete:
			c.unmute()
			c.apply(onListening)
		case protocol.StatusThinking:
			c.apply(onThinking)
		case protocol.StatusSpeaking:
			c.apply(onSpeaking)
		}

	case protocol.TypeInterrupted:
		if cn.scheduler != nil {
			cn.scheduler.Interrupt()
		}
		c.unmute()
		c.apply(onInterrupted)
		c.emit(Event{Kind: EventInterrupted})

	case protocol.TypeError:
		var d protocol.ErrorData
		if c.bind(env, &d) {
			c.logger.Warn("Server reported error", "message", d.Message)
			c.emit(Event{Kind: EventError, Err: &ServerError{Message: d.Message}})
		}

	case protocol.TypeConversationID:
		var d protocol.ConversationIDData
		if !c.bind(env, &d) || d.ConversationID == "" {
			return
		}
		c.mu.Lock()
		c.conversationID = d.ConversationID
		c.mu.Unlock()
		c.emit(Event{Kind: EventConversationID, ConversationID: d.ConversationID})

	case protocol.TypeConversationUpdated:
		c.emit(Event{Kind: EventConversationUpdated})

	default:
		c.logger.Debug("Ignoring unknown message type", "type", env.Type)
	}
}

func (c *Client) handleAudio(cn *conn, env codec.Envelope) {
	var d protocol.AudioData
	if !c.bind(env, &d) || d.AudioData == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(d.AudioData)
	if err != nil {
		c.logger.Warn("Skipping undecodable audio chunk", "error", err)
		return
	}
	if cn.scheduler != nil {
		if _, err := cn.scheduler.Enqueue(pcm); err != nil {
			return
		}
	}

	c.apply(onAudio)
}

func (c *Client) bind(env codec.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		c.logger.Debug("Dropping malformed payload", "type", env.Type, "error", err)
		return false
	}
	return true
}

// apply runs one transition and reports a changed state. Every transition
// into speaking mutes capture and re-arms the safety timer, whether it came
// from a status or an audio chunk.
func (c *Client) apply(t trigger) {
	c.mu.Lock()
	prev := c.state
	next, ok := transition(prev, t)
	c.state = next
	if ok && next == StateSpeaking {
		c.muted.Store(true)
		c.armSafetyLocked()
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Ignoring invalid transition", "state", prev.String(), "trigger", t.String())
		return
	}
	if next != prev {
		if next == StateSpeaking {
			c.logger.Debug("Assistant speaking, capture muted")
		}
		c.emit(Event{Kind: EventState, State: next})
	}
}

func (c *Client) unmute() {
	c.mu.Lock()
	c.stopSafetyLocked()
	c.mu.Unlock()
	c.muted.Store(false)
}

// armSafetyLocked restarts the unmute timer. Called with c.mu held.
func (c *Client) armSafetyLocked() {
	c.stopSafetyLocked()
	gen := c.safetyGen
	c.safety = c.cfg.AfterFunc(c.cfg.UnmuteTimeout, func() { c.safetyFired(gen) })
}

// stopSafetyLocked is called with c.mu held.
func (c *Client) stopSafetyLocked() {
	if c.safety != nil {
		c.safety.Stop()
		c.safety = nil
	}
	c.safetyGen++
}

func (c *Client) safetyFired(gen uint64) {
	c.mu.Lock()
	if gen != c.safetyGen || c.safety == nil {
		c.mu.Unlock()
		return
	}
	c.safety = nil
	c.muted.Store(false)
	c.mu.Unlock()
	c.logger.Warn("Safety auto-unmute", "timeout", c.cfg.UnmuteTimeout)
}

func (c *Client) sendFrames(cn *conn) {
	defer cn.wg.Done()
	frames := cn.pipeline.Frames()
	for {
		select {
		case <-cn.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if c.muted.Load() {
				continue
			}
			data := protocol.AudioData{AudioData: base64.StdEncoding.EncodeToString(frame)}
			if err := c.write(cn.ctx, cn, protocol.TypeAudio, data); err != nil {
				if cn.ctx.Err() != nil {
					return
				}
				c.logger.Debug("Failed to send audio frame", "error", err)
			}
		}
	}
}

func (c *Client) videoLoop(cn *conn) {
	defer cn.wg.Done()
	ticker := time.NewTicker(c.cfg.VideoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cn.ctx.Done():
			return
		case <-ticker.C:
			frame, err := c.dev.Video.Frame(cn.ctx)
			if err != nil {
				c.logger.Debug("Skipping video frame", "error", err)
				continue
			}
			data := protocol.VideoData{Image: base64.StdEncoding.EncodeToString(frame)}
			if err := c.write(cn.ctx, cn, protocol.TypeVideo, data); err != nil && cn.ctx.Err() == nil {
				c.logger.Debug("Failed to send video frame", "error", err)
			}
		}
	}
}

func (c *Client) emit(ev Event) {
	if c.cfg.OnEvent == nil {
		return
	}
	c.evMu.Lock()
	defer c.evMu.Unlock()
	c.cfg.OnEvent(ev)
}
