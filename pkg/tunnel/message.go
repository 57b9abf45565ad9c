// Package tunnel implements the control channel between the edge and
// project agents: one WebSocket per running project, carrying JSON frames
// that multiplex public HTTP requests onto the agent's local process.
package tunnel

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// MessageType identifies a control-channel frame.
type MessageType string

const (
	// MessageTypeConnected confirms a successful handshake; carries the
	// assigned subdomain and public URL.
	MessageTypeConnected MessageType = "connected"
	// MessageTypeRequest forwards a public HTTP request to the agent.
	MessageTypeRequest MessageType = "http_request"
	// MessageTypeResponse returns the local process response to the edge.
	MessageTypeResponse MessageType = "http_response"
	// MessageTypeError reports a handshake or protocol failure; the
	// sender closes the connection right after.
	MessageTypeError MessageType = "error"
	// MessageTypePong is a leftover application-level heartbeat reply.
	// Accepted and ignored; liveness rides on WebSocket ping/pong.
	MessageTypePong MessageType = "pong"
)

// MaxFrameSize caps a single frame in either direction.
const MaxFrameSize = 10 << 20

// ConnectedFrame is sent by the edge once a handshake succeeds.
type ConnectedFrame struct {
	Type        MessageType `json:"type"`
	Subdomain   string      `json:"subdomain"`
	URL         string      `json:"url"`
	ProjectID   string      `json:"project_id"`
	ProjectName string      `json:"project_name"`
}

// ErrorFrame is sent before closing a connection that cannot proceed.
type ErrorFrame struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func NewErrorFrame(message string) *ErrorFrame {
	return &ErrorFrame{Type: MessageTypeError, Message: message}
}

// RequestFrame carries a public HTTP request from edge to agent. Headers
// are a flat name-to-value map with hop-by-hop entries already stripped;
// the body is plain text (JSON encoding replaces invalid UTF-8).
type RequestFrame struct {
	Type        MessageType       `json:"type"`
	RequestID   string            `json:"request_id"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	QueryString string            `json:"query_string"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
}

// ResponseFrame carries the local process response back to the edge.
// Headers are ordered name/value pairs; a binary body is base64-encoded
// and flagged.
type ResponseFrame struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Status    int         `json:"status"`
	Headers   [][2]string `json:"headers,omitempty"`
	Body      string      `json:"body,omitempty"`
	IsBinary  bool        `json:"is_binary,omitempty"`
}

// Header returns the first value for a header name, or "".
func (f *ResponseFrame) Header(name string) string {
	for _, h := range f.Headers {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// DecodedBody returns the raw response body bytes.
func (f *ResponseFrame) DecodedBody() ([]byte, error) {
	return DecodeBody(f.Body, f.IsBinary)
}

// PendingRequest tracks an in-flight request awaiting its response frame.
// A nil frame on ResponseCh means the tunnel died before answering.
type PendingRequest struct {
	ResponseCh chan *ResponseFrame
	CreatedAt  time.Time
}

// NewRequestID returns an 8-byte random hex request ID.
func NewRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("tunnel: reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// EncodeBody prepares a response body for a frame: valid UTF-8 rides
// as-is, anything else is base64-encoded and flagged binary.
func EncodeBody(body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	if utf8.Valid(body) {
		return string(body), false
	}
	return base64.StdEncoding.EncodeToString(body), true
}

// DecodeBody reverses EncodeBody.
func DecodeBody(body string, isBinary bool) ([]byte, error) {
	if body == "" {
		return nil, nil
	}
	if !isBinary {
		return []byte(body), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode binary body: %w", err)
	}
	return decoded, nil
}

// SniffType extracts the frame type from raw JSON without committing to a
// concrete frame struct.
func SniffType(data []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("failed to decode tunnel frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("tunnel frame missing type")
	}
	return head.Type, nil
}
