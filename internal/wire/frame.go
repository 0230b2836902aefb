// Package wire defines the JSON frames exchanged with the sync server.
// Each websocket text message carries exactly one frame.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeMessageSend    = "message.send"
	TypeMessageAck     = "message.ack"
	TypeMessageUpdate  = "message.update"
	TypePresenceUpdate = "presence.update"
	TypeTyping         = "typing"
	TypeAuth           = "auth"
)

var knownTypes = map[string]bool{
	TypeMessageSend:    true,
	TypeMessageAck:     true,
	TypeMessageUpdate:  true,
	TypePresenceUpdate: true,
	TypeTyping:         true,
	TypeAuth:           true,
}

// Frame is the envelope for every message on the connection.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds a frame with payload marshaled to JSON.
func New(typ, requestID string, payload any) (Frame, error) {
	f := Frame{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Encode marshals f for a single websocket message.
func Encode(f Frame) ([]byte, error) {
	if !knownTypes[f.Type] {
		return nil, fmt.Errorf("encode frame: unknown type %q", f.Type)
	}
	return json.Marshal(f)
}

// Decode parses one frame. Unknown types are rejected.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if !knownTypes[f.Type] {
		return Frame{}, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
	return f, nil
}

// Into unmarshals the frame payload into v.
func (f Frame) Into(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", f.Type, err)
	}
	return nil
}
