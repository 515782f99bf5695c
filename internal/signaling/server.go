package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/admission"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/peer"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/router"
)

const (
	defaultAuthTimeout          = 2 * time.Second
	defaultMaxMessageBytes      = int64(64 * 1024)
	defaultMaxMessagesPerSecond = 50
	defaultSendQueueLength      = 64
)

type Config struct {
	Controller *admission.Controller
	// Verifier may be nil, in which case connections are not authenticated.
	Verifier auth.Verifier
	Origins  origin.Policy
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	TrustProxyHeaders bool

	AuthTimeout time.Duration
	// IdleTimeout closes registered connections that stop answering pings.
	// Zero disables keepalive.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueLength      int
}

// Server accepts signaling WebSocket connections.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond == 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.SendQueueLength <= 0 {
		cfg.SendQueueLength = defaultSendQueueLength
	}
	if cfg.IdleTimeout > 0 && (cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout) {
		cfg.PingInterval = cfg.IdleTimeout / 2
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Origins are checked before the upgrade so the rejection can be
			// counted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /signal", s)
	mux.Handle("GET /socket", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := sourceAddress(r, s.cfg.TrustProxyHeaders)
	if _, ok := s.cfg.Origins.Check(r); !ok {
		s.cfg.Metrics.ObserveConnection(metrics.ConnectionOriginDenied)
		s.cfg.Logger.Info("rejected websocket origin", "origin", r.Header.Get("Origin"), "remote_addr", source)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Debug("websocket upgrade failed", "remote_addr", source, "err", err)
		return
	}

	conn := newWSConn(ws, source, s.cfg.SendQueueLength, s.cfg.PingInterval, s.cfg.Logger)
	if !s.track(conn) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}
	defer s.untrack(conn)

	go conn.writeLoop()

	sess := &session{
		srv:     s,
		conn:    conn,
		ws:      ws,
		req:     r,
		limiter: newMessageLimiter(s.cfg.MaxMessagesPerSecond),
		logger:  s.cfg.Logger.With("conn_id", conn.ID(), "remote_addr", source),
	}
	sess.run()
	conn.wait()
}

// Close tells every open connection the relay is going away and waits for
// their handlers to return. New connections are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down", true)
	}
	s.wg.Wait()
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func newMessageLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

type session struct {
	srv     *Server
	conn    *wsConn
	ws      *websocket.Conn
	req     *http.Request
	limiter *rate.Limiter
	logger  *slog.Logger

	authenticated atomic.Bool
	peerID        string
}

func (s *session) run() {
	defer s.leave()

	s.ws.SetReadLimit(s.srv.cfg.MaxMessageBytes)
	s.ws.SetPongHandler(func(string) error {
		if s.authenticated.Load() {
			s.extendDeadline()
		}
		return nil
	})

	if !s.authenticateRequest() {
		return
	}
	if !s.authenticated.Load() {
		_ = s.ws.SetReadDeadline(time.Now().Add(s.srv.cfg.AuthTimeout))
	}

	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			s.readFailed(err)
			return
		}
		if s.authenticated.Load() {
			s.extendDeadline()
		}

		// Consume the frame before enforcing the rate so a close does not race
		// unread bytes in the receive buffer.
		if !s.limiter.Allow() {
			s.srv.cfg.Metrics.ObserveDropped(metrics.DropReasonMessageRate)
			s.fail(protocol.CodeRateLimited, "message rate exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.fail(protocol.CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			s.fail(protocol.CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !s.authenticated.Load() {
			if !s.authenticateFrame(frame) {
				return
			}
			continue
		}
		if !s.handle(frame) {
			return
		}
	}
}

// authenticateRequest checks a credential supplied on the upgrade request.
// It returns false when the connection has been rejected.
func (s *session) authenticateRequest() bool {
	verifier := s.srv.cfg.Verifier
	if verifier == nil {
		return s.admit()
	}
	cred, err := auth.CredentialFromRequest(s.req)
	if errors.Is(err, auth.ErrMissingCredentials) {
		// Wait for an auth frame.
		return true
	}
	if err == nil {
		err = verifier.Verify(cred)
	}
	if err != nil {
		s.unauthorized(err)
		return false
	}
	return s.admit()
}

func (s *session) authenticateFrame(frame protocol.ClientFrame) bool {
	if frame.Type != protocol.FrameAuth {
		s.unauthorized(auth.ErrMissingCredentials)
		return false
	}
	if err := s.srv.cfg.Verifier.Verify(frame.Token); err != nil {
		s.unauthorized(err)
		return false
	}
	return s.admit()
}

func (s *session) unauthorized(err error) {
	s.srv.cfg.Metrics.ObserveConnection(metrics.ConnectionUnauthorized)
	s.logger.Info("rejected unauthenticated connection", "err", err)
	s.fail(protocol.CodeUnauthorized, err.Error(), websocket.ClosePolicyViolation, "unauthorized")
}

// admit charges the connection attempt once the client is authenticated.
func (s *session) admit() bool {
	if err := s.srv.cfg.Controller.AdmitConnection(s.conn.RemoteAddr()); err != nil {
		s.fail(protocol.CodeRateLimited, err.Error(), websocket.ClosePolicyViolation, "rate limited")
		return false
	}
	s.authenticated.Store(true)
	s.extendDeadline()
	return true
}

func (s *session) extendDeadline() {
	if idle := s.srv.cfg.IdleTimeout; idle > 0 {
		_ = s.ws.SetReadDeadline(time.Now().Add(idle))
		return
	}
	_ = s.ws.SetReadDeadline(time.Time{})
}

func (s *session) readFailed(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.fail(protocol.CodeMessageTooLarge, "message too large", websocket.CloseMessageTooBig, "message too large")
	case isTimeout(err) && !s.authenticated.Load():
		s.srv.cfg.Metrics.ObserveConnection(metrics.ConnectionUnauthorized)
		s.fail(protocol.CodeUnauthorized, "authentication timeout", websocket.ClosePolicyViolation, "authentication timeout")
	case isTimeout(err):
		s.logger.Info("closing idle websocket", "peer_id", s.peerID)
		s.conn.closeWith(websocket.CloseNormalClosure, "idle timeout", false)
	default:
		s.conn.Close(false)
	}
}

// handle processes a frame from an authenticated client. It returns false
// when the connection should stop reading.
func (s *session) handle(frame protocol.ClientFrame) bool {
	ctrl := s.srv.cfg.Controller
	switch frame.Type {
	case protocol.FrameAuth:
		// Clients that already authenticated on the upgrade request may still
		// send an auth frame.
		return true
	case protocol.FrameReady:
		claim := peer.Claim{ID: frame.PeerID, Type: frame.PeerType, Metadata: frame.Metadata}
		p, err := ctrl.Register(s.conn, claim)
		switch {
		case errors.Is(err, admission.ErrIdentityCollision):
			s.conn.Send(protocol.UniquenessErrorFrame(fmt.Sprintf("%s is already connected to the signaling server", claim.ID)))
			s.conn.Close(true)
			return false
		case errors.Is(err, admission.ErrInvalidPeerID):
			s.conn.Send(protocol.ErrorFrame(protocol.CodeInvalidPeerID, err.Error()))
			return true
		case errors.Is(err, admission.ErrAlreadyRegistered):
			s.conn.Send(protocol.ErrorFrame(protocol.CodeAlreadyRegistered, "connection already registered as "+s.peerID))
			return true
		case err != nil:
			s.logger.Error("registration failed", "peer_id", claim.ID, "err", err)
			s.fail(protocol.CodeInternalError, "registration failed", websocket.CloseInternalServerErr, "internal error")
			return false
		}
		s.peerID = p.ID
		s.logger = s.logger.With("peer_id", p.ID)
		return true
	case protocol.FrameMessage:
		if !s.registered() {
			return true
		}
		ctrl.Router().BroadcastExcept(s.conn, frame.Message)
		return true
	case protocol.FrameMessageOne:
		if !s.registered() {
			return true
		}
		if _, err := ctrl.Router().Route(s.conn, frame.Message); errors.Is(err, router.ErrMissingTarget) {
			s.fail(protocol.CodeBadMessage, "message target must be a peer id or \"all\"", websocket.ClosePolicyViolation, "bad message")
			return false
		}
		return true
	case protocol.FrameClose:
		s.conn.Close(true)
		return false
	default:
		s.fail(protocol.CodeBadMessage, fmt.Sprintf("unexpected frame type %q", frame.Type), websocket.ClosePolicyViolation, "bad message")
		return false
	}
}

// registered reports whether this connection still owns its peer id. A peer
// evicted for capacity may have frames in flight after losing it.
func (s *session) registered() bool {
	if s.peerID != "" {
		if p, ok := s.srv.cfg.Controller.Registry().Get(s.peerID); ok && p.Conn.ID() == s.conn.ID() {
			return true
		}
	}
	s.srv.cfg.Metrics.ObserveDropped(metrics.DropReasonNotRegistered)
	s.conn.Send(protocol.ErrorFrame(protocol.CodeNotRegistered, "send a ready frame before relaying messages"))
	return false
}

func (s *session) leave() {
	s.srv.cfg.Controller.Disconnect(s.conn)
	s.conn.Close(false)
}

func (s *session) fail(code, message string, closeCode int, closeReason string) {
	s.conn.Send(protocol.ErrorFrame(code, message))
	s.conn.closeWith(closeCode, closeReason, true)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
