// Package upstream defines the contract between a live session and the
// external streaming inference service it bridges to.
package upstream

import (
	"context"
	"errors"
)

// ErrClosed is returned by sends on a closed handle.
var ErrClosed = errors.New("upstream: handle closed")

// ErrAlreadySubscribed is returned when OnEvent is called twice.
var ErrAlreadySubscribed = errors.New("upstream: event callback already registered")

// EventKind classifies one unit produced by the upstream.
type EventKind uint8

const (
	EventSetupComplete EventKind = iota + 1
	EventAudio
	EventText
	EventInputTranscript
	EventOutputTranscript
	EventInterrupted
	EventTurnComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSetupComplete:
		return "setup_complete"
	case EventAudio:
		return "audio"
	case EventText:
		return "text"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one upstream-produced unit. Audio is raw PCM16 at the upstream
// output rate. An EventError is always the last event of a handle.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	Err   error
}

// Config selects the upstream model and persona for one session.
type Config struct {
	Model       string
	Voice       string
	Instruction string
	// Modalities requested from the model, e.g. "AUDIO" or "TEXT".
	Modalities []string
}

// Adapter opens upstream sessions.
type Adapter interface {
	Open(ctx context.Context, cfg Config) (Handle, error)
	// Name identifies the upstream endpoint in persisted messages.
	Name() string
}

// Handle is one exclusively owned upstream session.
type Handle interface {
	// SendAudio forwards one PCM16 16 kHz mono frame.
	SendAudio(ctx context.Context, pcm []byte) error
	// SendVideo forwards one JPEG frame.
	SendVideo(ctx context.Context, jpeg []byte) error
	// SendText forwards a complete user text turn.
	SendText(ctx context.Context, text string) error
	// OnEvent registers the single callback. It is invoked once per event,
	// in upstream order, from one goroutine. Events produced before
	// registration are buffered.
	OnEvent(fn func(Event)) error
	// Done is closed after the last event has been delivered.
	Done() <-chan struct{}
	// Err returns the error that ended the handle, if any.
	Err() error
	// Close ends the session. It is safe to call repeatedly and after failure.
	Close() error
}
