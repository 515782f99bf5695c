package peerclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

const DefaultDataChannelLabel = "aero"

type MeshConfig struct {
	// API defaults to webrtc.NewAPI().
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Label      string
	Logger     *slog.Logger
}

// Channel is an open data channel to a remote peer.
type Channel struct {
	PeerID      string
	DataChannel *webrtc.DataChannel
}

// Mesh keeps one PeerConnection per peer announced by the relay.
//
// Negotiation follows the perfect negotiation pattern: the relay marks peers
// that were already present as polite, so a peer that joins later opens the
// data channels and wins any offer glare.
type Mesh struct {
	client *Client
	api    *webrtc.API
	cfg    MeshConfig
	logger *slog.Logger

	mu     sync.Mutex
	links  map[string]*link
	closed bool

	channels chan Channel
	done     chan struct{}
}

func NewMesh(client *Client, cfg MeshConfig) *Mesh {
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	if cfg.Label == "" {
		cfg.Label = DefaultDataChannelLabel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mesh{
		client:   client,
		api:      cfg.API,
		cfg:      cfg,
		logger:   cfg.Logger.With("peer_id", client.ID()),
		links:    make(map[string]*link),
		channels: make(chan Channel, 16),
		done:     make(chan struct{}),
	}
}

// Channels delivers each data channel once it opens.
func (m *Mesh) Channels() <-chan Channel { return m.channels }

// Peers returns the ids of peers with a live PeerConnection.
func (m *Mesh) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run handles relay messages until ctx is done or the client disconnects.
func (m *Mesh) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-m.client.Messages():
			if !ok {
				return m.client.Err()
			}
			m.handle(msg)
		}
	}
}

// Close tears down every PeerConnection and leaves the relay.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	links := m.links
	m.links = map[string]*link{}
	close(m.done)
	m.mu.Unlock()

	for _, l := range links {
		_ = l.pc.Close()
	}
	return m.client.Close()
}

func (m *Mesh) handle(msg Message) {
	if ctrl, ok := msg.Control(); ok {
		switch ctrl.Action {
		case protocol.ActionOpen:
			for _, e := range ctrl.Connections {
				if e.PeerID == m.client.ID() {
					continue
				}
				if _, err := m.connect(e.PeerID, ctrl.BePolite); err != nil {
					m.logger.Warn("failed to connect to peer", "remote_peer_id", e.PeerID, "err", err)
				}
			}
		case protocol.ActionClose:
			if msg.From == protocol.FromServer {
				m.logger.Warn("removed by relay", "reason", ctrl.Reason)
				return
			}
			m.drop(msg.From)
		}
		return
	}

	var neg protocol.NegotiationPayload
	if err := json.Unmarshal(msg.Payload, &neg); err != nil {
		m.logger.Debug("ignoring non-negotiation message", "from", msg.From)
		return
	}
	if neg.Description == nil && neg.Candidate == nil {
		return
	}

	// A negotiation message can only come from a peer that joined after us,
	// which makes us the polite side.
	l, err := m.connect(msg.From, true)
	if err != nil {
		m.logger.Warn("failed to create peer connection", "remote_peer_id", msg.From, "err", err)
		return
	}
	if neg.Description != nil {
		if err := l.handleDescription(*neg.Description); err != nil {
			m.logger.Warn("failed to apply remote description", "remote_peer_id", msg.From, "err", err)
		}
	}
	if neg.Candidate != nil {
		l.handleCandidate(*neg.Candidate)
	}
}

// connect returns the link to peerID, creating it if needed. An impolite
// link also opens the data channel, which starts negotiation.
func (m *Mesh) connect(peerID string, polite bool) (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[peerID]; ok {
		return l, nil
	}
	if m.closed {
		return nil, webrtc.ErrConnectionClosed
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	l := &link{mesh: m, peerID: peerID, polite: polite, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := protocol.CandidateFromPion(c.ToJSON())
		if err := m.client.SendTo(peerID, protocol.NegotiationPayload{Candidate: &cand}); err != nil {
			m.logger.Debug("failed to send candidate", "remote_peer_id", peerID, "err", err)
		}
	})
	pc.OnNegotiationNeeded(func() {
		go l.negotiate()
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.watch(peerID, dc)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.logger.Debug("peer connection state", "remote_peer_id", peerID, "state", s.String())
	})

	m.links[peerID] = l

	if !polite {
		dc, err := pc.CreateDataChannel(m.cfg.Label, nil)
		if err != nil {
			delete(m.links, peerID)
			_ = pc.Close()
			return nil, err
		}
		m.watch(peerID, dc)
	}
	return l, nil
}

func (m *Mesh) watch(peerID string, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		select {
		case m.channels <- Channel{PeerID: peerID, DataChannel: dc}:
		case <-m.done:
		}
	})
}

func (m *Mesh) drop(peerID string) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	delete(m.links, peerID)
	m.mu.Unlock()
	if ok {
		_ = l.pc.Close()
	}
}

type link struct {
	mesh   *Mesh
	peerID string
	polite bool
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	makingOffer bool
	ignoreOffer bool
	pending     []webrtc.ICECandidateInit
}

func (l *link) negotiate() {
	l.mu.Lock()
	l.makingOffer = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.makingOffer = false
		l.mu.Unlock()
	}()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.mesh.logger.Warn("failed to create offer", "remote_peer_id", l.peerID, "err", err)
		return
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.mesh.logger.Warn("failed to set local offer", "remote_peer_id", l.peerID, "err", err)
		return
	}
	if err := l.sendLocalDescription(); err != nil {
		l.mesh.logger.Debug("failed to send offer", "remote_peer_id", l.peerID, "err", err)
	}
}

func (l *link) handleDescription(wire protocol.SessionDescription) error {
	desc, err := wire.ToPion()
	if err != nil {
		return err
	}

	l.mu.Lock()
	collision := desc.Type == webrtc.SDPTypeOffer &&
		(l.makingOffer || l.pc.SignalingState() != webrtc.SignalingStateStable)
	l.ignoreOffer = !l.polite && collision
	ignore := l.ignoreOffer
	l.mu.Unlock()
	if ignore {
		return nil
	}

	if collision && l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return err
		}
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	l.flushCandidates()

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return l.sendLocalDescription()
}

func (l *link) handleCandidate(c protocol.Candidate) {
	if c.Candidate == "" {
		return
	}
	l.mu.Lock()
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, c.ToPion())
		l.mu.Unlock()
		return
	}
	ignore := l.ignoreOffer
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(c.ToPion()); err != nil && !ignore {
		l.mesh.logger.Debug("failed to add candidate", "remote_peer_id", l.peerID, "err", err)
	}
}

func (l *link) flushCandidates() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.mesh.logger.Debug("failed to add buffered candidate", "remote_peer_id", l.peerID, "err", err)
		}
	}
}

func (l *link) sendLocalDescription() error {
	local := l.pc.LocalDescription()
	if local == nil {
		return nil
	}
	desc := protocol.DescriptionFromPion(*local)
	return l.mesh.client.SendTo(l.peerID, protocol.NegotiationPayload{Description: &desc})
}
