package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueClosed is returned by Pop after Close.
var ErrQueueClosed = errors.New("frame queue closed")

// FrameKind distinguishes the media carried by a Frame.
type FrameKind uint8

const (
	FrameAudio FrameKind = iota + 1
	FrameVideo
)

func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "audio"
	case FrameVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Frame is one decoded client media unit awaiting relay.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// FrameQueue is a bounded hand-off between the client reader and the upstream
// sender. When full, the oldest frame is discarded to make room.
type FrameQueue struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once

	pushMu  sync.Mutex
	dropped atomic.Uint64
}

// NewFrameQueue creates a queue holding at most size frames.
func NewFrameQueue(size int) *FrameQueue {
	if size <= 0 {
		size = 64
	}
	return &FrameQueue{
		frames: make(chan Frame, size),
		done:   make(chan struct{}),
	}
}

// Push enqueues f without blocking. It returns the frame that was discarded
// to make room, if any.
func (q *FrameQueue) Push(f Frame) (Frame, bool) {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	select {
	case <-q.done:
		return Frame{}, false
	default:
	}

	select {
	case q.frames <- f:
		return Frame{}, false
	default:
	}

	// Full. Pushes are serialized and the consumer only removes, so after
	// evicting one frame there is always room.
	var old Frame
	var evicted bool
	select {
	case old = <-q.frames:
		evicted = true
		q.dropped.Add(1)
	default:
	}
	q.frames <- f
	return old, evicted
}

// Pop blocks until a frame is available, ctx is done, or the queue is closed.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, error) {
	select {
	case f := <-q.frames:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-q.done:
		return Frame{}, ErrQueueClosed
	}
}

// Close wakes blocked consumers and makes later pushes no-ops. Idempotent.
func (q *FrameQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int { return len(q.frames) }

// Cap returns the queue bound.
func (q *FrameQueue) Cap() int { return cap(q.frames) }

// Dropped returns the number of frames discarded so far.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
