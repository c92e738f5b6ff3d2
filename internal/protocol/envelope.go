package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType names an envelope kind from the closed message set.
type MessageType string

const (
	TypeRegister        MessageType = "REGISTER"
	TypeRegisterAck     MessageType = "REGISTER_ACK"
	TypePing            MessageType = "PING"
	TypePong            MessageType = "PONG"
	TypeTeardown        MessageType = "TEARDOWN"
	TypeScrollTo        MessageType = "SCROLL_TO"
	TypeGeometryRequest MessageType = "GEOMETRY_REQUEST"
	TypeGeometryResult  MessageType = "GEOMETRY_RESULT"
	TypeCaptureRequest  MessageType = "CAPTURE_REQUEST"
	TypeCaptureResult   MessageType = "CAPTURE_RESULT"
)

// IsReply reports whether envelopes of this type answer an earlier request.
func (t MessageType) IsReply() bool {
	switch t {
	case TypeRegisterAck, TypePong, TypeGeometryResult, TypeCaptureResult:
		return true
	}
	return false
}

// IsControl reports whether the type belongs to the channel/hub handshake and
// liveness traffic, which never reaches a dispatcher.
func (t MessageType) IsControl() bool {
	switch t {
	case TypeRegister, TypeRegisterAck, TypePing, TypePong, TypeTeardown:
		return true
	}
	return false
}

// Envelope is the addressed message exchanged between endpoints.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    Endpoint        `json:"source"`
	Target    Endpoint        `json:"target"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewEnvelope builds an unaddressed envelope. A nil payload is omitted.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope %s: marshal payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("envelope %s: decode payload: %w", e.Type, err)
	}
	return nil
}

// Reply builds a response addressed back to e's source with the same request id.
func (e Envelope) Reply(t MessageType, payload any) (Envelope, error) {
	out, err := NewEnvelope(t, payload)
	if err != nil {
		return Envelope{}, err
	}
	out.Target = e.Source
	out.RequestID = e.RequestID
	return out, nil
}

// ScrollTo is the SCROLL_TO payload.
type ScrollTo struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CaptureRequest is the CAPTURE_REQUEST payload. TabID is a hint for peers that
// can reach more than one tab.
type CaptureRequest struct {
	TabID int `json:"tab_id,omitempty"`
}

// CaptureResult is the CAPTURE_RESULT payload.
type CaptureResult struct {
	Success   bool   `json:"success"`
	ImageData string `json:"image_data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GeometryResult is the GEOMETRY_RESULT payload.
type GeometryResult struct {
	Success  bool          `json:"success"`
	Geometry *PageGeometry `json:"geometry,omitempty"`
	URL      string        `json:"url,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// RegisterAck is the REGISTER_ACK payload.
type RegisterAck struct {
	Endpoint Endpoint `json:"endpoint"`
}

// Liveness is the PONG payload.
type Liveness struct {
	Alive bool `json:"alive"`
}

// Teardown is the TEARDOWN payload.
type Teardown struct {
	Reason string `json:"reason,omitempty"`
}
