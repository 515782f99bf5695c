// Package router delivers envelopes between registered peers.
package router

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/peer"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

// ErrMissingTarget is returned by Route when the envelope has no string
// target field.
var ErrMissingTarget = errors.New("envelope missing target")

// Router fans frames out to the connections in a peer registry.
//
// Payloads are forwarded byte for byte. Route reads the envelope's target
// field and nothing else.
type Router struct {
	registry *peer.Registry
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

func New(registry *peer.Registry, m *metrics.Recorder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, metrics: m, logger: logger}
}

// BroadcastExcept delivers envelope to every registered peer whose connection
// is not sender. sender may be nil. It returns the number of peers the frame
// was handed to.
func (r *Router) BroadcastExcept(sender peer.Conn, envelope json.RawMessage) int {
	frame, err := protocol.MessageFrame(envelope)
	if err != nil {
		r.logger.Warn("failed to encode broadcast", "err", err)
		return 0
	}
	n := r.fanOut(frame, sender)
	r.metrics.ObserveRelayed(metrics.RelayBroadcast, n)
	return n
}

// DeliverTo hands envelope to the peer registered as targetID. It reports
// false without side effects when no such peer exists. A registered target
// whose outbound queue is full still counts as delivered; the frame is
// dropped and counted.
func (r *Router) DeliverTo(targetID string, envelope json.RawMessage) bool {
	target, ok := r.registry.Get(targetID)
	if !ok {
		r.logger.Debug("target not found", "target", targetID)
		r.metrics.ObserveDropped(metrics.DropReasonTargetNotFound)
		return false
	}
	frame, err := protocol.MessageFrame(envelope)
	if err != nil {
		r.logger.Warn("failed to encode directed message", "target", targetID, "err", err)
		return false
	}
	if r.send(target, frame) {
		r.metrics.ObserveRelayed(metrics.RelayDirected, 1)
	}
	return true
}

// Route dispatches envelope by its target field: the sentinel "all"
// broadcasts to everyone except sender, anything else is a directed send.
func (r *Router) Route(sender peer.Conn, envelope json.RawMessage) (int, error) {
	target := gjson.GetBytes(envelope, "target")
	if target.Type != gjson.String || target.Str == "" {
		r.metrics.ObserveDropped(metrics.DropReasonMalformedTarget)
		return 0, ErrMissingTarget
	}
	if target.Str == protocol.TargetAll {
		return r.BroadcastExcept(sender, envelope), nil
	}
	if r.DeliverTo(target.Str, envelope) {
		return 1, nil
	}
	return 0, nil
}

// AnnounceJoin tells newcomer who is already present and tells everyone else
// about newcomer.
//
// The newcomer receives the other peers with bePolite=false; existing peers
// receive only the newcomer's entry with bePolite=true.
func (r *Router) AnnounceJoin(newcomer peer.Peer) {
	var others []peer.Peer
	for _, p := range r.registry.Snapshot() {
		if p.ID != newcomer.ID {
			others = append(others, p)
		}
	}

	welcome, err := protocol.NewEnvelope(protocol.TargetAll, newcomer.ID, protocol.OpenPayload{
		Action:      protocol.ActionOpen,
		Connections: peer.Entries(others),
		BePolite:    false,
	})
	if err != nil {
		r.logger.Warn("failed to encode peer list", "peer_id", newcomer.ID, "err", err)
		return
	}
	r.Notify(newcomer, welcome)

	joined, err := protocol.NewEnvelope(newcomer.ID, protocol.TargetAll, protocol.OpenPayload{
		Action:      protocol.ActionOpen,
		Connections: []peer.Entry{newcomer.Entry()},
		BePolite:    true,
	})
	if err != nil {
		r.logger.Warn("failed to encode join announcement", "peer_id", newcomer.ID, "err", err)
		return
	}
	frame, err := protocol.MessageFrame(joined)
	if err != nil {
		return
	}
	r.metrics.ObserveRelayed(metrics.RelayControl, r.fanOut(frame, newcomer.Conn))
}

// AnnounceLeave tells the remaining peers that departed is gone. Connections
// in exclude are skipped as well.
func (r *Router) AnnounceLeave(departed peer.Peer, reason string, exclude ...peer.Conn) {
	env, err := protocol.NewEnvelope(departed.ID, protocol.TargetAll, protocol.ClosePayload{
		Action:  protocol.ActionClose,
		Reason:  reason,
		Message: protocol.LeaveMessage,
	})
	if err != nil {
		r.logger.Warn("failed to encode leave announcement", "peer_id", departed.ID, "err", err)
		return
	}
	frame, err := protocol.MessageFrame(env)
	if err != nil {
		return
	}
	r.metrics.ObserveRelayed(metrics.RelayControl, r.fanOut(frame, append(exclude, departed.Conn)...))
	r.metrics.ObserveDeparture()
}

// Notify sends a relay-originated envelope to a single peer.
func (r *Router) Notify(p peer.Peer, envelope json.RawMessage) bool {
	frame, err := protocol.MessageFrame(envelope)
	if err != nil {
		return false
	}
	if !r.send(p, frame) {
		return false
	}
	r.metrics.ObserveRelayed(metrics.RelayControl, 1)
	return true
}

func (r *Router) fanOut(frame []byte, exclude ...peer.Conn) int {
	n := 0
	for _, p := range r.registry.Snapshot() {
		if excluded(p.Conn, exclude) {
			continue
		}
		if r.send(p, frame) {
			n++
		}
	}
	return n
}

func excluded(c peer.Conn, exclude []peer.Conn) bool {
	if c == nil {
		return false
	}
	for _, e := range exclude {
		if e != nil && e.ID() == c.ID() {
			return true
		}
	}
	return false
}

func (r *Router) send(p peer.Peer, frame []byte) bool {
	if p.Conn == nil {
		return false
	}
	if !p.Conn.Send(frame) {
		r.logger.Debug("dropping frame for slow peer", "peer_id", p.ID, "conn_id", p.Conn.ID())
		r.metrics.ObserveDropped(metrics.DropReasonQueueFull)
		return false
	}
	return true
}
