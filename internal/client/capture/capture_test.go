package capture

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ashureev/livelink/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	rate     int
	startErr error
	onData   func([]float32)
	starts   int
	stops    int
}

func (s *fakeSource) Start(cb func([]float32)) error {
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.onData = cb
	return nil
}

func (s *fakeSource) Stop() error {
	s.stops++
	return nil
}

func (s *fakeSource) SampleRate() int { return s.rate }

func (s *fakeSource) feed(n int, v float32) {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = v
	}
	s.onData(buf)
}

func drain(p *Pipeline) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-p.Frames():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestPipeline_FlushesFullBuffers(t *testing.T) {
	src := &fakeSource{rate: codec.InputSampleRate}
	p := NewPipeline(src, nil, Config{BufferSize: 4, QueueSize: 8})
	require.NoError(t, p.Start())

	src.feed(3, 0.5)
	assert.Empty(t, drain(p), "partial buffer must not flush")

	src.feed(6, 0.5)
	frames := drain(p)
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Len(t, f, 8, "4 samples of PCM16")
		buf, err := codec.DecodePCM16(f, codec.InputSampleRate)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, buf.Samples[0], 1.0/0x7FFF)
	}
	assert.Equal(t, uint64(2), p.Sent())
}

func TestPipeline_ResamplesToTarget(t *testing.T) {
	src := &fakeSource{rate: 48000}
	p := NewPipeline(src, nil, Config{BufferSize: 48, QueueSize: 4})
	require.NoError(t, p.Start())

	src.feed(48, 0.1)
	frames := drain(p)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], 16*2, "48 samples at 48 kHz become 16 at 16 kHz")
}

func TestPipeline_MutedFramesAreDropped(t *testing.T) {
	var muted atomic.Bool
	src := &fakeSource{rate: codec.InputSampleRate}
	p := NewPipeline(src, GateFunc(muted.Load), Config{BufferSize: 4, QueueSize: 8})
	require.NoError(t, p.Start())

	src.feed(2, 0.9) // partial frame before mute
	muted.Store(true)
	src.feed(8, 0.9)
	assert.Empty(t, drain(p))
	assert.Equal(t, uint64(2), p.MutedFrames())

	muted.Store(false)
	src.feed(2, 0.2)
	assert.Empty(t, drain(p), "no backlog replay after unmute")
	src.feed(2, 0.2)
	frames := drain(p)
	require.Len(t, frames, 1)
	buf, err := codec.DecodePCM16(frames[0], codec.InputSampleRate)
	require.NoError(t, err)
	for _, s := range buf.Samples {
		assert.InDelta(t, 0.2, s, 1.0/0x7FFF, "frame holds only post-unmute samples")
	}
}

func TestPipeline_FullQueueDropsWithoutBlocking(t *testing.T) {
	src := &fakeSource{rate: codec.InputSampleRate}
	p := NewPipeline(src, nil, Config{BufferSize: 2, QueueSize: 2})
	require.NoError(t, p.Start())

	src.feed(10, 0.3)
	assert.Len(t, drain(p), 2)
	assert.Equal(t, uint64(3), p.Dropped())
}

func TestPipeline_Level(t *testing.T) {
	src := &fakeSource{rate: codec.InputSampleRate}
	p := NewPipeline(src, nil, Config{BufferSize: 64, LevelWindow: 8})
	require.NoError(t, p.Start())

	assert.Zero(t, p.Level())
	src.feed(8, 0.5)
	assert.InDelta(t, 0.5, p.Level(), 1e-6)
	src.feed(8, -0.25)
	assert.InDelta(t, 0.25, p.Level(), 1e-6, "window holds the most recent samples")
	src.feed(8, 4)
	assert.Equal(t, 1.0, p.Level(), "clamped")
}

func TestPipeline_StopIsIdempotent(t *testing.T) {
	src := &fakeSource{rate: codec.InputSampleRate}
	p := NewPipeline(src, nil, Config{})
	require.NoError(t, p.Stop(), "stop before start")
	require.NoError(t, p.Stop())
	assert.Zero(t, src.stops)
	assert.ErrorIs(t, p.Start(), ErrStopped)

	_, open := <-p.Frames()
	assert.False(t, open)

	src = &fakeSource{rate: codec.InputSampleRate}
	p = NewPipeline(src, nil, Config{BufferSize: 2})
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.Equal(t, 1, src.stops)

	src.feed(4, 0.1) // late callback after stop
	_, open = <-p.Frames()
	assert.False(t, open)
}

func TestPipeline_StartErrors(t *testing.T) {
	src := &fakeSource{rate: codec.InputSampleRate, startErr: NewError(KindPermission, errors.New("denied"))}
	p := NewPipeline(src, nil, Config{})
	err := p.Start()
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.NotErrorIs(t, err, ErrDeviceBusy)

	src = &fakeSource{rate: codec.InputSampleRate, startErr: errors.New("boom")}
	p = NewPipeline(src, nil, Config{})
	err = p.Start()
	var ce *CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindUnknown, ce.Kind)
	assert.Contains(t, err.Error(), "boom")
}

func TestCaptureError_Kinds(t *testing.T) {
	tests := []struct {
		kind Kind
		want error
	}{
		{KindPermission, ErrPermissionDenied},
		{KindNotFound, ErrDeviceNotFound},
		{KindBusy, ErrDeviceBusy},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := error(NewError(tt.kind, nil))
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, "capture: "+string(tt.kind), err.Error())
		})
	}
}
