package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types carried in Message.Type. The type determines the payload
// schema.
const (
	// Server → client.
	TypeHello      = "protocol.hello"
	TypeError      = "protocol.error"
	TypeNavigate   = "protocol.navigate"
	TypeUIRender   = "ui.render"
	TypeUIPatch    = "ui.patch"
	TypeStatePatch = "state.patch"
	TypeAgentEvent = "agent.event"

	// Client → server.
	TypeResume     = "protocol.resume"
	TypeUserAction = "user.action"
)

// Version is the protocol version stamped on headers when the client does not
// negotiate one.
const Version = "1.0.0"

// DefaultSession is the session partition used when a header carries no
// session_id.
const DefaultSession = "default"

// Sentinel errors for envelope parsing.
var (
	ErrMissingType    = errors.New("protocol: message type is required")
	ErrMissingTraceID = errors.New("protocol: header trace_id is required")
)

// Header carries identity and ordering metadata for a Message.
//
// Seq is zero until the message is appended to the history store, which
// assigns it exactly once. All other fields are immutable after creation.
type Header struct {
	ID          string    `json:"id"`
	TraceID     string    `json:"trace_id"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	AppID       string    `json:"app_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Seq         uint64    `json:"seq,omitempty"`
}

// NewHeader returns a Header with a generated id, the current UTC timestamp,
// and the default protocol version.
func NewHeader(traceID string) Header {
	return Header{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
		Version:   Version,
	}
}

// Session returns the session partition key for this header, falling back to
// DefaultSession when session_id is absent.
func (h Header) Session() string {
	if h.SessionID == "" {
		return DefaultSession
	}
	return h.SessionID
}

// Message is the universal envelope for all traffic on all transports.
type Message struct {
	Type    string          `json:"type"`
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage builds a Message of the given type, marshaling payload to JSON.
func NewMessage(msgType string, header Header, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", msgType, err)
	}
	return &Message{Type: msgType, Header: header, Payload: raw}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal
// (maps and structs of JSON-safe types). It panics on marshal failure.
func MustMessage(msgType string, header Header, payload any) *Message {
	msg, err := NewMessage(msgType, header, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// ParseMessage decodes and validates a raw frame as a Message.
// The type and header.trace_id are required; payload may be any JSON value
// (per-type validation happens in the consuming handler).
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	if msg.Header.TraceID == "" {
		return nil, ErrMissingTraceID
	}
	return &msg, nil
}

// Encode marshals the message to its single-frame wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("protocol: %s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Session returns the session partition key for the message.
func (m *Message) Session() string {
	return m.Header.Session()
}

// IsPatch reports whether the message is a coalescable patch type.
func (m *Message) IsPatch() bool {
	return m.Type == TypeUIPatch || m.Type == TypeStatePatch
}
