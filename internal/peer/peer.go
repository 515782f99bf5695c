// Package peer holds the registry of peers that have claimed an identity on
// the signaling relay.
package peer

import (
	"encoding/json"
	"time"
)

// Conn is the transport connection a peer is reachable through.
//
// Implementations must not block: Send enqueues and reports whether the frame
// was accepted, and Close only signals shutdown.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(frame []byte) bool
	Close(graceful bool)
}

// Peer is a registered identity bound to exactly one connection.
type Peer struct {
	ID          string
	Type        string
	Metadata    map[string]any
	Conn        Conn
	ConnectedAt time.Time

	seq uint64
}

// Entry is the wire representation of a peer in snapshots and announcements.
type Entry struct {
	PeerID       string         `json:"peerId"`
	PeerType     string         `json:"peerType,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	ConnectedAt  time.Time      `json:"connectedAt"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (p Peer) Entry() Entry {
	e := Entry{
		PeerID:      p.ID,
		PeerType:    p.Type,
		ConnectedAt: p.ConnectedAt.UTC(),
		Metadata:    p.Metadata,
	}
	if p.Conn != nil {
		e.ConnectionID = p.Conn.ID()
	}
	return e
}

func (p Peer) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Entry())
}

// Entries converts peers to their wire form, preserving order.
func Entries(peers []Peer) []Entry {
	out := make([]Entry, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Entry())
	}
	return out
}
