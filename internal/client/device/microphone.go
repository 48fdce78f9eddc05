// Package device binds the capture and playback interfaces to the host
// audio devices: malgo for the microphone and oto for the speaker.
package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/livelink/internal/client/capture"
	"github.com/ashureev/livelink/internal/codec"
	"github.com/gen2brain/malgo"
)

// Microphone is a mono capture.Source backed by malgo.
type Microphone struct {
	ctx    *malgo.AllocatedContext
	rate   int
	logger *slog.Logger

	mu     sync.Mutex
	device *malgo.Device
}

// NewMicrophone initializes the audio context. rate 0 selects 16 kHz.
// Echo cancellation and noise suppression are left to the OS.
func NewMicrophone(rate int, logger *slog.Logger) (*Microphone, error) {
	if rate <= 0 {
		rate = codec.InputSampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, capture.NewError(classify(err), fmt.Errorf("init audio context: %w", err))
	}
	return &Microphone{ctx: ctx, rate: rate, logger: logger.With("component", "microphone")}, nil
}

// SampleRate implements capture.Source.
func (m *Microphone) SampleRate() int { return m.rate }

// Start implements capture.Source. onSamples runs on the malgo thread.
func (m *Microphone) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return capture.ErrAlreadyStarted
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(m.rate)
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if samples := s16ToFloat(input); len(samples) > 0 {
				onSamples(samples)
			}
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, cfg, callbacks)
	if err != nil {
		return capture.NewError(classify(err), fmt.Errorf("init microphone: %w", err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return capture.NewError(classify(err), fmt.Errorf("start microphone: %w", err))
	}
	m.device = device
	m.logger.Info("Microphone started", "sample_rate", m.rate)
	return nil
}

// Stop implements capture.Source. It returns after the last callback.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	err := m.device.Stop()
	m.device.Uninit()
	m.device = nil
	if err != nil {
		return fmt.Errorf("stop microphone: %w", err)
	}
	return nil
}

// Close stops the device and releases the audio context.
func (m *Microphone) Close() error {
	stopErr := m.Stop()
	if err := m.ctx.Uninit(); err != nil {
		m.logger.Warn("Failed to release audio context", "error", err)
	}
	m.ctx.Free()
	return stopErr
}

func s16ToFloat(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(b[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out
}

// classify maps backend error text to a capture error kind.
func classify(err error) capture.Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return capture.KindPermission
	case strings.Contains(msg, "no device"), strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "not found"), strings.Contains(msg, "no backend"):
		return capture.KindNotFound
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return capture.KindBusy
	default:
		return capture.KindUnknown
	}
}
