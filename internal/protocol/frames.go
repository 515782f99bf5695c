// Package protocol defines the JSON frames exchanged over a signaling
// WebSocket and the control envelopes the relay itself originates.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type FrameType string

const (
	FrameAuth            FrameType = "auth"
	FrameReady           FrameType = "ready"
	FrameMessage         FrameType = "message"
	FrameMessageOne      FrameType = "messageOne"
	FrameClose           FrameType = "close"
	FrameError           FrameType = "error"
	FrameUniquenessError FrameType = "uniquenessError"
)

// Error codes carried in error frames.
const (
	CodeUnauthorized      = "unauthorized"
	CodeRateLimited       = "rate_limited"
	CodeBadMessage        = "bad_message"
	CodeMessageTooLarge   = "message_too_large"
	CodeNotRegistered     = "not_registered"
	CodeAlreadyRegistered = "already_registered"
	CodeInvalidPeerID     = "invalid_peer_id"
	CodeInternalError     = "internal_error"
)

// ClientFrame is any frame a peer sends to the relay.
type ClientFrame struct {
	Type FrameType `json:"type"`

	Token string `json:"token,omitempty"`

	PeerID   string         `json:"peerId,omitempty"`
	PeerType string         `json:"peerType,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Message json.RawMessage `json:"message,omitempty"`
}

// ParseClientFrame strictly decodes a single client frame.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f ClientFrame
	if err := dec.Decode(&f); err != nil {
		return ClientFrame{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientFrame{}, fmt.Errorf("unexpected trailing data")
	}
	if err := f.validate(); err != nil {
		return ClientFrame{}, err
	}
	return f, nil
}

func (f ClientFrame) validate() error {
	hasReady := f.PeerID != "" || f.PeerType != "" || f.Metadata != nil
	switch f.Type {
	case FrameAuth:
		if f.Token == "" {
			return fmt.Errorf("auth frame missing token")
		}
		if hasReady || len(f.Message) != 0 {
			return fmt.Errorf("auth frame has unexpected fields")
		}
	case FrameReady:
		if f.PeerID == "" {
			return fmt.Errorf("ready frame missing peerId")
		}
		if f.Token != "" || len(f.Message) != 0 {
			return fmt.Errorf("ready frame has unexpected fields")
		}
	case FrameMessage, FrameMessageOne:
		if !isJSONObject(f.Message) {
			return fmt.Errorf("%s frame requires an object message", f.Type)
		}
		if f.Token != "" || hasReady {
			return fmt.Errorf("%s frame has unexpected fields", f.Type)
		}
	case FrameClose:
		if f.Token != "" || hasReady || len(f.Message) != 0 {
			return fmt.Errorf("close frame has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported frame type %q", f.Type)
	}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// ServerFrame is any frame the relay sends to a peer.
//
// For message frames Message holds the envelope object; for error frames it
// holds a JSON string with the human readable description.
type ServerFrame struct {
	Type    FrameType       `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ParseServerFrame decodes a relay frame. Unknown fields are tolerated so
// clients keep working against newer relays.
func ParseServerFrame(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, err
	}
	if f.Type == "" {
		return ServerFrame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// ErrorText returns the description of an error frame.
func (f ServerFrame) ErrorText() string {
	var s string
	if err := json.Unmarshal(f.Message, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(f.Message))
}

// MessageFrame wraps an envelope for delivery to a peer.
func MessageFrame(envelope json.RawMessage) ([]byte, error) {
	return json.Marshal(ServerFrame{Type: FrameMessage, Message: envelope})
}

func ErrorFrame(code, message string) []byte {
	b, _ := json.Marshal(struct {
		Type    FrameType `json:"type"`
		Code    string    `json:"code"`
		Message string    `json:"message"`
	}{FrameError, code, message})
	return b
}

func UniquenessErrorFrame(text string) []byte {
	b, _ := json.Marshal(ServerFrame{Type: FrameUniquenessError, Error: text})
	return b
}
