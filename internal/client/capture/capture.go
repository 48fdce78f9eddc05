// Package capture turns a microphone stream into encoded PCM16 frames.
//
// The Source callback runs on the device thread. The pipeline never blocks
// it: frames are posted to a bounded channel and dropped when the consumer
// falls behind.
package capture

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/livelink/internal/codec"
)

const (
	// DefaultBufferSize is about 128 ms at 16 kHz.
	DefaultBufferSize = 2048
	// DefaultQueueSize is the number of encoded frames buffered for the sender.
	DefaultQueueSize = 32

	defaultLevelWindow = 1024
)

// Source is a mono audio input. Start delivers samples to onSamples until
// Stop returns.
type Source interface {
	Start(onSamples func([]float32)) error
	Stop() error
	SampleRate() int
}

// Gate reports whether frames should currently be dropped.
type Gate interface {
	Muted() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

// Muted implements Gate.
func (f GateFunc) Muted() bool { return f() }

// Config tunes a Pipeline. Zero values select defaults.
type Config struct {
	BufferSize  int
	QueueSize   int
	TargetRate  int
	LevelWindow int
	Logger      *slog.Logger
}

// Pipeline accumulates source samples into fixed-size frames.
type Pipeline struct {
	src    Source
	gate   Gate
	cfg    Config
	logger *slog.Logger
	level  *levelRing
	frames chan []byte

	mu       sync.Mutex
	acc      []float32
	fill     int
	wasMuted bool
	started  bool
	stopped  bool

	sent    atomic.Uint64
	dropped atomic.Uint64
	muted   atomic.Uint64
}

// NewPipeline creates a pipeline reading src. A nil gate never mutes.
func NewPipeline(src Source, gate Gate, cfg Config) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = codec.InputSampleRate
	}
	if cfg.LevelWindow <= 0 {
		cfg.LevelWindow = defaultLevelWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if gate == nil {
		gate = GateFunc(func() bool { return false })
	}
	return &Pipeline{
		src:    src,
		gate:   gate,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "capture"),
		level:  newLevelRing(cfg.LevelWindow),
		frames: make(chan []byte, cfg.QueueSize),
		acc:    make([]float32, cfg.BufferSize),
	}
}

// Start opens the source. Source failures are returned as *CaptureError.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	switch {
	case p.stopped:
		p.mu.Unlock()
		return ErrStopped
	case p.started:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	if err := p.src.Start(p.onSamples); err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		var ce *CaptureError
		if errors.As(err, &ce) {
			return err
		}
		return NewError(KindUnknown, err)
	}
	p.logger.Info("Capture started", "source_rate", p.src.SampleRate(), "target_rate", p.cfg.TargetRate,
		"buffer_size", p.cfg.BufferSize)
	return nil
}

// Frames returns encoded PCM16 frames. It is closed by Stop.
func (p *Pipeline) Frames() <-chan []byte { return p.frames }

// Level returns the RMS of the most recent input window in [0, 1].
func (p *Pipeline) Level() float64 { return p.level.rms() }

// Sent returns the number of frames queued for the sender.
func (p *Pipeline) Sent() uint64 { return p.sent.Load() }

// Dropped returns the number of frames lost to a full queue.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// MutedFrames returns the number of frames dropped while muted.
func (p *Pipeline) MutedFrames() uint64 { return p.muted.Load() }

// Stop releases the source and closes Frames. It is safe to call more than
// once and before Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	close(p.frames)
	p.mu.Unlock()

	p.level.reset()
	if !started {
		return nil
	}
	if err := p.src.Stop(); err != nil {
		p.logger.Warn("Failed to stop capture source", "error", err)
		return err
	}
	p.logger.Info("Capture stopped", "sent", p.sent.Load(), "dropped", p.dropped.Load(), "muted", p.muted.Load())
	return nil
}

func (p *Pipeline) onSamples(samples []float32) {
	p.level.write(samples)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	muted := p.gate.Muted()
	if muted != p.wasMuted {
		// A partial frame never spans a mute boundary.
		p.fill = 0
		p.wasMuted = muted
	}
	for len(samples) > 0 {
		n := copy(p.acc[p.fill:], samples)
		p.fill += n
		samples = samples[n:]
		if p.fill < len(p.acc) {
			continue
		}
		p.fill = 0
		if muted {
			p.muted.Add(1)
			continue
		}
		p.flush()
	}
}

// flush encodes the full accumulator. Called with p.mu held.
func (p *Pipeline) flush() {
	samples := codec.ResampleMono(p.acc, p.src.SampleRate(), p.cfg.TargetRate)
	frame, err := codec.EncodePCM16(samples)
	if err != nil {
		p.logger.Debug("Failed to encode frame", "error", err)
		return
	}
	select {
	case p.frames <- frame:
		p.sent.Add(1)
	default:
		p.dropped.Add(1)
	}
}
