// Package playback schedules decoded audio chunks back to back on an output
// device timeline and supports immediate barge-in.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/livelink/internal/codec"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback closed")

// Clock reports the current position of the output device timeline.
type Clock interface {
	Now() time.Duration
}

// Handle is one scheduled chunk.
type Handle interface {
	// Stop ends playback immediately. It is safe to call more than once.
	Stop()
	// Done is closed when the chunk finishes or is stopped.
	Done() <-chan struct{}
}

// Sink plays a buffer starting at a point on the Clock timeline.
type Sink interface {
	Schedule(buf codec.Buffer, at time.Duration) (Handle, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSampleRate sets the rate of incoming PCM16 chunks.
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler keeps a cursor so that chunks never overlap and never start in
// the past.
type Scheduler struct {
	clock  Clock
	sink   Sink
	rate   int
	logger *slog.Logger

	mu       sync.Mutex
	next     time.Duration
	inflight map[uint64]Handle
	seq      uint64
	closed   bool
	quit     chan struct{}
}

// NewScheduler creates a scheduler for 24 kHz chunks unless configured otherwise.
func NewScheduler(clock Clock, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clock,
		sink:     sink,
		rate:     codec.OutputSampleRate,
		logger:   slog.Default(),
		inflight: make(map[uint64]Handle),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "playback")
	return s
}

// Enqueue decodes a PCM16 chunk and schedules it at max(cursor, now). It
// returns the chosen start time. A chunk that cannot be decoded or scheduled
// leaves the cursor unchanged.
func (s *Scheduler) Enqueue(data []byte) (time.Duration, error) {
	buf, err := codec.DecodePCM16(data, s.rate)
	if err != nil {
		s.logger.Warn("Skipping undecodable audio chunk", "bytes", len(data), "error", err)
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	start := max(s.next, s.clock.Now())
	h, err := s.sink.Schedule(buf, start)
	if err != nil {
		s.logger.Warn("Failed to schedule audio chunk", "start", start, "error", err)
		return 0, err
	}
	s.next = start + buf.Duration()

	id := s.seq
	s.seq++
	s.inflight[id] = h
	go s.watch(id, h)

	s.logger.Debug("Scheduled audio chunk", "start", start, "duration", buf.Duration(), "in_flight", len(s.inflight))
	return start, nil
}

func (s *Scheduler) watch(id uint64, h Handle) {
	select {
	case <-h.Done():
	case <-s.quit:
		return
	}
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Interrupt stops every in-flight chunk and resets the cursor to zero.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.stopAll()
	s.next = 0
	if n > 0 {
		s.logger.Debug("Playback interrupted", "stopped", n)
	}
}

// stopAll is called with s.mu held.
func (s *Scheduler) stopAll() int {
	n := len(s.inflight)
	for id, h := range s.inflight {
		h.Stop()
		delete(s.inflight, id)
	}
	return n
}

// InFlight returns the number of chunks scheduled and not yet finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Cursor returns the time at which the next chunk would start at the earliest.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close stops all playback. It is safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopAll()
	s.next = 0
	close(s.quit)
}
