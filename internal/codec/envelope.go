package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the wire message: exactly one type and an object payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var emptyObject = json.RawMessage("{}")

// EncodeEnvelope marshals data and wraps it with msgType. A nil data value is
// sent as an empty object.
func EncodeEnvelope(msgType string, data any) ([]byte, error) {
	if msgType == "" {
		return nil, &ProtocolError{Reason: "missing type"}
	}

	raw := emptyObject
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, &ProtocolError{Reason: "marshal data", Err: err}
		}
		if !isObject(b) {
			return nil, &ProtocolError{Reason: "data is not an object"}
		}
		raw = b
	}

	return json.Marshal(Envelope{Type: msgType, Data: raw})
}

// DecodeEnvelope parses one wire message. The type must be present and the
// data field must be a JSON object.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, &ProtocolError{Reason: "invalid json", Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &ProtocolError{Reason: "missing type"}
	}
	if !isObject(env.Data) {
		return Envelope{}, &ProtocolError{Reason: fmt.Sprintf("data for %q is not an object", env.Type)}
	}
	return env, nil
}

// Bind unmarshals the payload into v.
func (e Envelope) Bind(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("invalid %s payload", e.Type), Err: err}
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
