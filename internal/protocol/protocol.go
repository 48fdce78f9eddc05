// Package protocol defines the message contract shared by the live client and
// server: envelope types, payload shapes, connection parameters and close codes.
package protocol

import (
	"net/url"
	"strings"

	"github.com/ashureev/livelink/internal/codec"
	"github.com/coder/websocket"
)

// Message types. Receivers ignore types they do not know.
const (
	TypeAudio               = "audio"
	TypeVideo               = "video"
	TypeMessage             = "message"
	TypeConfig              = "config"
	TypeInterrupt           = "interrupt"
	TypeText                = "text"
	TypeReport              = "report"
	TypeStatus              = "status"
	TypeInterrupted         = "interrupted"
	TypeError               = "error"
	TypeConversationID      = "conversationId"
	TypeConversationUpdated = "conversationUpdated"
)

// Status is the value of a status event.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
	StatusListening    Status = "listening"
	StatusThinking     Status = "thinking"
	StatusSpeaking     Status = "speaking"
	StatusTurnComplete Status = "turn_complete"
)

// Close codes sent when the server ends a connection.
const (
	CloseUnauthorized  websocket.StatusCode = websocket.StatusPolicyViolation // 1008
	CloseInvalidUser   websocket.StatusCode = 4003
	CloseInternalError websocket.StatusCode = websocket.StatusInternalError // 1011
)

// Close reasons.
const (
	ReasonAuthRequired  = "Authentication required"
	ReasonAuthFailed    = "Authentication failed"
	ReasonInvalidUser   = "Invalid user"
	ReasonSessionFailed = "Failed to create session"
	ReasonUpstreamLost  = "Upstream connection lost"
	ReasonReplaced      = "Session replaced"
	ReasonShutdown      = "Server shutting down"
)

// Client to server payloads.
type (
	AudioData struct {
		AudioData string `json:"audioData"`
	}
	VideoData struct {
		Image string `json:"image"`
	}
	MessageData struct {
		Text string `json:"text"`
	}
	ConfigData struct {
		Voice string `json:"voice"`
	}
)

// Server to client payloads.
type (
	TextData struct {
		Text string `json:"text"`
	}
	ReportData struct {
		HTML      string `json:"html"`
		MessageID string `json:"messageId,omitempty"`
	}
	StatusData struct {
		Status Status `json:"status"`
	}
	ErrorData struct {
		Message string `json:"message"`
	}
	ConversationIDData struct {
		ConversationID string `json:"conversationId"`
	}
	Empty struct{}
)

// NewConversation marks a session that has no persisted conversation yet.
const NewConversation = "new"

// Mode names selecting a system-instruction profile.
const (
	ModeChat         = "chat"
	ModeLiveAnalysis = "live_analysis"
)

// Params are the query parameters of the connection handshake.
type Params struct {
	Token          string
	ConversationID string
	Mode           string
	InitialVoice   string
	Model          string
}

// ParseParams reads handshake parameters. Empty or "new" conversation ids
// are normalised to NewConversation.
func ParseParams(q url.Values) Params {
	p := Params{
		Token:          strings.TrimSpace(q.Get("token")),
		ConversationID: strings.TrimSpace(q.Get("conversationId")),
		Mode:           strings.TrimSpace(q.Get("mode")),
		InitialVoice:   strings.TrimSpace(q.Get("initialVoice")),
		Model:          strings.TrimSpace(q.Get("model")),
	}
	if p.ConversationID == "" || strings.EqualFold(p.ConversationID, NewConversation) {
		p.ConversationID = NewConversation
	}
	return p
}

// Values encodes p as handshake query parameters.
func (p Params) Values() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("token", p.Token)
	set("conversationId", p.ConversationID)
	set("mode", p.Mode)
	set("initialVoice", p.InitialVoice)
	set("model", p.Model)
	return q
}

// IsNewConversation reports whether id refers to a conversation that does not
// exist yet.
func IsNewConversation(id string) bool {
	return id == "" || id == NewConversation
}

// Marshal wraps a payload in an envelope of the given type.
func Marshal(msgType string, data any) ([]byte, error) {
	return codec.EncodeEnvelope(msgType, data)
}
