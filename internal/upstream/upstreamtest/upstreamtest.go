// Package upstreamtest provides a scripted in-memory upstream for tests.
package upstreamtest

import (
	"context"
	"sync"

	"github.com/ashureev/livelink/internal/upstream"
)

var (
	_ upstream.Adapter = (*Adapter)(nil)
	_ upstream.Handle  = (*Handle)(nil)
)

// SendKind names the method a recorded send came through.
type SendKind string

const (
	SentAudio SendKind = "audio"
	SentVideo SendKind = "video"
	SentText  SendKind = "text"
)

// Sent is one recorded call to a Handle send method.
type Sent struct {
	Kind SendKind
	Data []byte
	Text string
}

// Adapter opens fake handles and records every Open call.
type Adapter struct {
	mu       sync.Mutex
	openErrs []error
	holds    []chan struct{}
	handles  []*Handle
	opened   chan *Handle
}

// NewAdapter creates an adapter whose handles are also delivered on Opened.
func NewAdapter() *Adapter {
	return &Adapter{opened: make(chan *Handle, 16)}
}

// Name reports a stable endpoint name for persisted messages.
func (a *Adapter) Name() string { return "fake" }

// FailNextOpen makes the next Open return err.
func (a *Adapter) FailNextOpen(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openErrs = append(a.openErrs, err)
}

// HoldNextOpen makes the next Open block until release is called or its
// context ends.
func (a *Adapter) HoldNextOpen() (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.holds = append(a.holds, ch)
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Open returns a new Handle or the next queued failure.
func (a *Adapter) Open(ctx context.Context, cfg upstream.Config) (upstream.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if len(a.holds) > 0 {
		hold := a.holds[0]
		a.holds = a.holds[1:]
		a.mu.Unlock()
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		a.mu.Lock()
	}
	if len(a.openErrs) > 0 {
		err := a.openErrs[0]
		a.openErrs = a.openErrs[1:]
		a.mu.Unlock()
		return nil, err
	}
	h := newHandle(cfg)
	a.handles = append(a.handles, h)
	a.mu.Unlock()

	select {
	case a.opened <- h:
	default:
	}
	return h, nil
}

// Opened delivers handles in the order they were opened.
func (a *Adapter) Opened() <-chan *Handle { return a.opened }

// Handles returns every handle opened so far.
func (a *Adapter) Handles() []*Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Handle(nil), a.handles...)
}

// Handle is a fake upstream session. Tests drive it with Emit and Fail.
type Handle struct {
	*upstream.Dispatcher

	Config upstream.Config

	sent chan Sent

	emitMu sync.Mutex // serializes Emit with Finish

	mu      sync.Mutex
	closed  bool
	sendErr error
	sends   []Sent
}

func newHandle(cfg upstream.Config) *Handle {
	return &Handle{
		Dispatcher: upstream.NewDispatcher(0),
		Config:     cfg,
		sent:       make(chan Sent, 256),
	}
}

func (h *Handle) record(s Sent) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return upstream.ErrClosed
	}
	if h.sendErr != nil {
		err := h.sendErr
		h.mu.Unlock()
		return err
	}
	h.sends = append(h.sends, s)
	h.mu.Unlock()

	select {
	case h.sent <- s:
	default:
	}
	return nil
}

func (h *Handle) SendAudio(_ context.Context, pcm []byte) error {
	return h.record(Sent{Kind: SentAudio, Data: append([]byte(nil), pcm...)})
}

func (h *Handle) SendVideo(_ context.Context, jpeg []byte) error {
	return h.record(Sent{Kind: SentVideo, Data: append([]byte(nil), jpeg...)})
}

func (h *Handle) SendText(_ context.Context, text string) error {
	return h.record(Sent{Kind: SentText, Text: text})
}

// FailSends makes every later send return err.
func (h *Handle) FailSends(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// Sent delivers recorded sends as they happen.
func (h *Handle) Sent() <-chan Sent { return h.sent }

// Sends returns every recorded send.
func (h *Handle) Sends() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sends...)
}

// Emit queues events for the subscriber. Events after Close or Fail are dropped.
func (h *Handle) Emit(events ...upstream.Event) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if h.Closed() {
		return
	}
	for _, ev := range events {
		h.Dispatcher.Emit(context.Background(), ev)
	}
}

// Fail emits a terminal error event and ends the handle with err.
func (h *Handle) Fail(err error) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.Dispatcher.Emit(context.Background(), upstream.Event{Kind: upstream.EventError, Err: err})
	h.Finish(err)
}

// Closed reports whether Close or Fail has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close ends the handle without an error. Idempotent.
func (h *Handle) Close() error {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.Finish(nil)
	return nil
}
