package session

// State is the client session state.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Connected reports whether the transport is open in this state.
func (s State) Connected() bool {
	return s >= StateReady
}

// trigger is an input to the state machine.
type trigger uint8

const (
	onConnect trigger = iota
	onOpen
	onReady
	onAudio
	onSpeaking
	onThinking
	onListening
	onInterrupted
	onClose
)

func (t trigger) String() string {
	return [...]string{
		"connect", "open", "ready", "audio", "speaking", "thinking", "listening", "interrupted", "close",
	}[t]
}

// transition returns the state reached from `from` on t. ok is false when t
// is not valid in `from`; the caller keeps the current state.
func transition(from State, t trigger) (to State, ok bool) {
	switch t {
	case onConnect:
		if from == StateIdle {
			return StateConnecting, true
		}
	case onOpen:
		if from == StateConnecting {
			return StateReady, true
		}
	case onReady:
		if from == StateReady {
			return StateReady, true
		}
	case onAudio, onSpeaking:
		if from.Connected() {
			return StateSpeaking, true
		}
	case onThinking:
		if from == StateReady || from == StateListening || from == StateThinking {
			return StateThinking, true
		}
	case onListening, onInterrupted:
		if from.Connected() {
			return StateListening, true
		}
	case onClose:
		return StateIdle, true
	}
	return from, false
}
