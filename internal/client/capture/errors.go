package capture

import "errors"

// Kind classifies a device failure.
type Kind string

const (
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not_found"
	KindBusy       Kind = "busy"
	KindUnknown    Kind = "unknown"
)

var (
	// ErrPermissionDenied matches a CaptureError of KindPermission.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceNotFound matches a CaptureError of KindNotFound.
	ErrDeviceNotFound = errors.New("microphone not found")
	// ErrDeviceBusy matches a CaptureError of KindBusy.
	ErrDeviceBusy = errors.New("microphone busy")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("capture already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("capture stopped")
)

// CaptureError reports a microphone that could not be opened. Capture does
// not retry; the session continues without audio.
type CaptureError struct {
	Kind Kind
	Err  error
}

// NewError wraps err as a CaptureError of the given kind.
func NewError(kind Kind, err error) *CaptureError {
	return &CaptureError{Kind: kind, Err: err}
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return "capture: " + string(e.Kind)
	}
	return "capture: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *CaptureError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Kind == KindPermission
	case ErrDeviceNotFound:
		return e.Kind == KindNotFound
	case ErrDeviceBusy:
		return e.Kind == KindBusy
	}
	return false
}
