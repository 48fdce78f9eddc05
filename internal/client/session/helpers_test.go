package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/livelink/internal/client/playback"
	"github.com/ashureev/livelink/internal/codec"
	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport is an in-memory Transport. The test plays the server.
type fakeTransport struct {
	incoming chan []byte
	writes   chan codec.Envelope
	closed   chan struct{}

	mu      sync.Mutex
	once    sync.Once
	reason  string
	readErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 64),
		writes:   make(chan codec.Envelope, 256),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.incoming:
		return b, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.readErr != nil {
			return nil, t.readErr
		}
		return nil, errTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	env, err := codec.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	t.writes <- env
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

// drop simulates the server going away.
func (t *fakeTransport) drop(err error) {
	t.mu.Lock()
	t.readErr = err
	t.mu.Unlock()
	_ = t.Close("")
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) serverSend(tb testing.TB, msgType string, data any) {
	tb.Helper()
	b, err := codec.EncodeEnvelope(msgType, data)
	require.NoError(tb, err)
	t.incoming <- b
}

// next returns the next envelope written by the client of msgType,
// skipping other types.
func (t *fakeTransport) next(tb testing.TB, msgType string) codec.Envelope {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-t.writes:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			tb.Fatalf("timeout waiting for client %q", msgType)
			return codec.Envelope{}
		}
	}
}

// countType drains pending writes and counts those of msgType.
func (t *fakeTransport) countType(msgType string) int {
	n := 0
	for {
		select {
		case env := <-t.writes:
			if env.Type == msgType {
				n++
			}
		default:
			return n
		}
	}
}

type fakeDialer struct {
	mu  sync.Mutex
	tr  *fakeTransport
	err error
	url string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
	if d.err != nil {
		return nil, d.err
	}
	return d.tr, nil
}

// fakeMic delivers samples when the test calls feed.
type fakeMic struct {
	mu       sync.Mutex
	cb       func([]float32)
	startErr error
	stopped  bool
}

func (m *fakeMic) Start(cb func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.cb = cb
	return nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *fakeMic) SampleRate() int { return codec.InputSampleRate }

func (m *fakeMic) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *fakeMic) feed(n int, v float32) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = v
	}
	cb(buf)
}

type zeroClock struct{}

func (zeroClock) Now() time.Duration { return 0 }

type stubHandle struct {
	once sync.Once
	done chan struct{}
}

func (h *stubHandle) Stop()                 { h.once.Do(func() { close(h.done) }) }
func (h *stubHandle) Done() <-chan struct{} { return h.done }

// holdSink never finishes chunks on its own.
type holdSink struct {
	mu      sync.Mutex
	handles []*stubHandle
}

func (s *holdSink) Schedule(codec.Buffer, time.Duration) (playback.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &stubHandle{done: make(chan struct{})}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *holdSink) allStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		select {
		case <-h.done:
		default:
			return false
		}
	}
	return true
}

// manualTimers records AfterFunc calls so tests can fire them.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *manualTimer) Stop() bool { return !t.stopped.Swap(true) }

func (m *manualTimers) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *manualTimers) last() *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return nil
	}
	return m.timers[len(m.timers)-1]
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) on(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) states() []State {
	var out []State
	for _, ev := range r.kinds(EventState) {
		out = append(out, ev.State)
	}
	return out
}

// pcmChunk is 10 ms of 24 kHz silence, base64 encoded.
func pcmChunk(tb testing.TB) string {
	tb.Helper()
	s, err := codec.EncodeBase64PCM16(make([]float32, 240))
	require.NoError(tb, err)
	return s
}

type fixture struct {
	client *Client
	tr     *fakeTransport
	dialer *fakeDialer
	mic    *fakeMic
	sink   *holdSink
	timers *manualTimers
	events *recorder
}

func newFixture(t *testing.T, withMic bool) *fixture {
	t.Helper()
	f := &fixture{
		tr:     newFakeTransport(),
		sink:   &holdSink{},
		timers: &manualTimers{},
		events: &recorder{},
	}
	f.dialer = &fakeDialer{tr: f.tr}
	dev := Devices{Clock: zeroClock{}, Speaker: f.sink}
	if withMic {
		f.mic = &fakeMic{}
		dev.Mic = f.mic
	}
	f.client = New(f.dialer, dev, Config{
		URL:        "ws://live.test/ws/voice",
		BufferSize: 4,
		OnEvent:    f.events.on,
		AfterFunc:  f.timers.AfterFunc,
	})
	t.Cleanup(f.client.Disconnect)
	return f
}
