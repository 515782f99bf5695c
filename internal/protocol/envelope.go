package protocol

import (
	"encoding/json"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/peer"
)

const (
	// TargetAll addresses every registered peer except the sender.
	TargetAll = "all"
	// FromServer marks envelopes the relay originates on its own behalf.
	FromServer = "server"
)

// IsReservedPeerID reports whether id collides with an addressing sentinel.
func IsReservedPeerID(id string) bool {
	return id == TargetAll || id == FromServer
}

const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// Close reasons.
const (
	ReasonLeft     = "left"
	ReasonCapacity = "capacity"
)

// LeaveMessage is the human readable text attached to leave announcements.
const LeaveMessage = "Peer has left the signaling server"

// Envelope is the routing wrapper around an opaque payload.
type Envelope struct {
	From    string          `json:"from"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// OpenPayload announces peers that are reachable.
type OpenPayload struct {
	Action      string       `json:"action"`
	Connections []peer.Entry `json:"connections"`
	BePolite    bool         `json:"bePolite"`
}

// ClosePayload announces a departure or tells a peer it has been removed.
type ClosePayload struct {
	Action  string `json:"action"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// ControlPayload is the union used to inspect payloads of relay originated
// envelopes.
type ControlPayload struct {
	Action      string       `json:"action"`
	Connections []peer.Entry `json:"connections,omitempty"`
	BePolite    bool         `json:"bePolite,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(from, target string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{From: from, Target: target, Payload: raw})
}
