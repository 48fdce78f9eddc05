package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyAudio indicates that no samples or bytes were provided.
	ErrEmptyAudio = errors.New("empty audio data")
	// ErrUnalignedPCM indicates that a PCM16 payload has an odd byte count.
	ErrUnalignedPCM = errors.New("pcm16 payload is not sample aligned")
	// ErrInvalidSampleRate indicates a non-positive sample rate.
	ErrInvalidSampleRate = errors.New("invalid sample rate")
)

// EncodeError reports input that cannot be turned into PCM16.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return "encode audio: " + e.Err.Error() }

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a playback chunk that could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode audio: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed wire envelope or payload.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }
