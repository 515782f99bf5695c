// Package peerclient connects to a signaling relay as a peer and, through
// Mesh, uses it to negotiate WebRTC data channels with every other peer.
package peerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
)

const writeWait = 5 * time.Second

// ErrIdentityTaken is returned by Dial when another connection already holds
// the requested peer id.
var ErrIdentityTaken = errors.New("peer id already connected to the signaling server")

// RelayError is an error frame sent by the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

type Config struct {
	// URL is the relay's WebSocket endpoint, e.g. ws://127.0.0.1:3030/signal.
	URL      string
	PeerID   string
	PeerType string
	Metadata map[string]any
	// Token is sent in an auth frame when set.
	Token  string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger
	// Buffer is the capacity of the Messages channel.
	Buffer int
}

// Message is an envelope delivered by the relay.
type Message struct {
	From    string
	Target  string
	Payload json.RawMessage
}

// Control decodes the payload as a relay control payload. ok is false for
// payloads without an action.
func (m Message) Control() (p protocol.ControlPayload, ok bool) {
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.Action == "" {
		return protocol.ControlPayload{}, false
	}
	return p, true
}

type Client struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	messages chan Message
	done     chan struct{}
	closing  chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Dial connects, authenticates, and claims cfg.PeerID. It returns once the
// relay has accepted the claim.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.PeerID == "" {
		return nil, errors.New("peer id is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}

	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		id:       cfg.PeerID,
		ws:       ws,
		logger:   logger.With("peer_id", cfg.PeerID),
		messages: make(chan Message, buffer),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}

	if cfg.Token != "" {
		if err := c.write(protocol.ClientFrame{Type: protocol.FrameAuth, Token: cfg.Token}); err != nil {
			_ = ws.Close()
			return nil, err
		}
	}
	if err := c.write(protocol.ClientFrame{
		Type:     protocol.FrameReady,
		PeerID:   cfg.PeerID,
		PeerType: cfg.PeerType,
		Metadata: cfg.Metadata,
	}); err != nil {
		_ = ws.Close()
		return nil, err
	}

	first, err := c.awaitAccepted(ctx)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.messages <- first

	go c.readLoop()
	return c, nil
}

func (c *Client) awaitAccepted(ctx context.Context) (Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer c.ws.SetReadDeadline(time.Time{})
	}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return Message{}, fmt.Errorf("waiting for registration: %w", err)
		}
		f, err := protocol.ParseServerFrame(data)
		if err != nil {
			return Message{}, err
		}
		switch f.Type {
		case protocol.FrameUniquenessError:
			return Message{}, fmt.Errorf("%w: %s", ErrIdentityTaken, f.Error)
		case protocol.FrameError:
			return Message{}, &RelayError{Code: f.Code, Message: f.ErrorText()}
		case protocol.FrameMessage:
			return decodeMessage(f.Message)
		}
	}
}

func (c *Client) ID() string { return c.id }

// Messages delivers envelopes in arrival order. It is closed when the
// connection ends; Err then reports why.
func (c *Client) Messages() <-chan Message { return c.messages }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send broadcasts payload to every other peer.
func (c *Client) Send(payload any) error {
	return c.relay(protocol.FrameMessage, protocol.TargetAll, payload)
}

// SendTo delivers payload to a single peer. Unknown targets are dropped by
// the relay without an error.
func (c *Client) SendTo(target string, payload any) error {
	return c.relay(protocol.FrameMessageOne, target, payload)
}

func (c *Client) relay(t protocol.FrameType, target string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(protocol.Envelope{From: c.id, Target: target, Payload: raw})
	if err != nil {
		return err
	}
	return c.write(protocol.ClientFrame{Type: t, Message: env})
}

// Close leaves the relay and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.write(protocol.ClientFrame{Type: protocol.FrameClose})
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Client) write(f protocol.ClientFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.setErr(err)
			}
			return
		}
		f, err := protocol.ParseServerFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed relay frame", "err", err)
			continue
		}
		switch f.Type {
		case protocol.FrameMessage:
			m, err := decodeMessage(f.Message)
			if err != nil {
				c.logger.Warn("dropping malformed envelope", "err", err)
				continue
			}
			select {
			case c.messages <- m:
			case <-c.closing:
				return
			}
		case protocol.FrameError:
			rerr := &RelayError{Code: f.Code, Message: f.ErrorText()}
			c.logger.Warn("relay reported error", "code", rerr.Code, "message", rerr.Message)
			c.setErr(rerr)
		case protocol.FrameUniquenessError:
			c.setErr(fmt.Errorf("%w: %s", ErrIdentityTaken, f.Error))
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func decodeMessage(raw json.RawMessage) (Message, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, err
	}
	return Message{From: env.From, Target: env.Target, Payload: env.Payload}, nil
}
