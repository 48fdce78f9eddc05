// Package codec converts audio samples to and from PCM16 and packs the
// {type, data} envelope shared by client and server.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// InputSampleRate is the capture rate expected by the upstream service.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of audio produced by the upstream service.
	OutputSampleRate = 24000

	bytesPerSample = 2
	negativeScale  = 0x8000
	positiveScale  = 0x7FFF
)

// Buffer is decoded mono audio ready to be scheduled for playback.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns len(Samples) / SampleRate.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// EncodePCM16 clamps each sample to [-1, 1] and writes it as little-endian
// signed 16-bit PCM.
func EncodePCM16(samples []float32) ([]byte, error) {
	if len(samples) == 0 {
		return nil, &EncodeError{Err: ErrEmptyAudio}
	}
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(quantize(s)))
	}
	return out, nil
}

func quantize(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * negativeScale)
	}
	return int16(s * positiveScale)
}

// DecodePCM16 is the inverse of EncodePCM16.
func DecodePCM16(data []byte, sampleRate int) (Buffer, error) {
	if sampleRate <= 0 {
		return Buffer{}, &DecodeError{Err: fmt.Errorf("%w: %d", ErrInvalidSampleRate, sampleRate)}
	}
	if len(data) == 0 {
		return Buffer{}, &DecodeError{Err: ErrEmptyAudio}
	}
	if len(data)%bytesPerSample != 0 {
		return Buffer{}, &DecodeError{Err: fmt.Errorf("%w: %d bytes", ErrUnalignedPCM, len(data))}
	}

	samples := make([]float32, len(data)/bytesPerSample)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
		if v < 0 {
			samples[i] = float32(v) / negativeScale
		} else {
			samples[i] = float32(v) / positiveScale
		}
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// EncodeBase64PCM16 encodes samples to PCM16 and then to standard base64, the
// form carried in the audioData field of an envelope.
func EncodeBase64PCM16(samples []float32) (string, error) {
	pcm, err := EncodePCM16(samples)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pcm), nil
}

// DecodeBase64PCM16 decodes a base64 audioData field into a playable buffer.
func DecodeBase64PCM16(s string, sampleRate int) (Buffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Buffer{}, &DecodeError{Err: fmt.Errorf("base64: %w", err)}
	}
	return DecodePCM16(pcm, sampleRate)
}
