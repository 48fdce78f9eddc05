package device

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/livelink/internal/client/playback"
	"github.com/ashureev/livelink/internal/codec"
	"github.com/ebitengine/oto/v3"
)

const pollInterval = 10 * time.Millisecond

// Speaker is a playback.Sink and playback.Clock backed by oto. The
// timeline starts when the speaker is opened.
type Speaker struct {
	ctx    *oto.Context
	rate   int
	start  time.Time
	logger *slog.Logger
}

// NewSpeaker opens the output device for mono PCM16 at rate (0 selects
// 24 kHz). It blocks until the device is ready.
func NewSpeaker(rate int, logger *slog.Logger) (*Speaker, error) {
	if rate <= 0 {
		rate = codec.OutputSampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// About 100 ms at 24 kHz.
		BufferSize: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready
	return &Speaker{ctx: ctx, rate: rate, start: time.Now(), logger: logger.With("component", "speaker")}, nil
}

// Now implements playback.Clock.
func (s *Speaker) Now() time.Duration { return time.Since(s.start) }

// Schedule implements playback.Sink. Each chunk gets its own player which
// starts at the requested point on the timeline.
func (s *Speaker) Schedule(buf codec.Buffer, at time.Duration) (playback.Handle, error) {
	pcm, err := codec.EncodePCM16(buf.Samples)
	if err != nil {
		return nil, err
	}
	h := &chunk{
		player: s.ctx.NewPlayer(bytes.NewReader(pcm)),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go h.run(max(at-s.Now(), 0), s.logger)
	return h, nil
}

type chunk struct {
	player *oto.Player
	done   chan struct{}
	quit   chan struct{}
	once   sync.Once
}

func (c *chunk) run(delay time.Duration, logger *slog.Logger) {
	defer close(c.done)
	defer func() {
		if err := c.player.Close(); err != nil {
			logger.Debug("Failed to close player", "error", err)
		}
	}()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-c.quit:
			t.Stop()
			return
		}
	}

	c.player.Play()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for c.player.IsPlaying() {
		select {
		case <-ticker.C:
		case <-c.quit:
			c.player.Pause()
			return
		}
	}
}

func (c *chunk) Stop() { c.once.Do(func() { close(c.quit) }) }

func (c *chunk) Done() <-chan struct{} { return c.done }
