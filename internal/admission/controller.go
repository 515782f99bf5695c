// Package admission decides which connections may join the relay and which
// peer leaves to make room for them.
package admission

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/peer"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/router"
)

const DefaultMaxPeerIDLength = 128

// Limiter counts connection attempts per source address.
type Limiter interface {
	Allow(source string) bool
}

type Config struct {
	// MaxPeers bounds the registry. Zero disables capacity enforcement.
	MaxPeers        int
	MaxPeerIDLength int
}

type Controller struct {
	cfg      Config
	limiter  Limiter
	registry *peer.Registry
	router   *router.Router
	metrics  *metrics.Recorder
	logger   *slog.Logger

	// mu orders membership changes with their announcements, so every pair
	// of peers sees exactly one politeness directive about each other.
	mu sync.Mutex
}

func New(cfg Config, limiter Limiter, registry *peer.Registry, rt *router.Router, m *metrics.Recorder, logger *slog.Logger) *Controller {
	if cfg.MaxPeerIDLength <= 0 {
		cfg.MaxPeerIDLength = DefaultMaxPeerIDLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		limiter:  limiter,
		registry: registry,
		router:   rt,
		metrics:  m,
		logger:   logger,
	}
}

func (c *Controller) Registry() *peer.Registry { return c.registry }
func (c *Controller) Router() *router.Router   { return c.router }

// AdmitConnection charges one attempt to source. It runs after
// authentication and before the connection may claim an identity.
func (c *Controller) AdmitConnection(source string) error {
	if c.limiter != nil && !c.limiter.Allow(source) {
		c.metrics.ObserveConnection(metrics.ConnectionRateLimited)
		c.logger.Warn("connection rate limited", "remote_addr", source)
		return fmt.Errorf("%w from %s, try again later", ErrRateLimited, source)
	}
	c.metrics.ObserveConnection(metrics.ConnectionAccepted)
	return nil
}

// Register claims an identity for conn.
//
// When the relay is full the oldest peer is evicted first: it is told why,
// its connection is closed, and the others see it leave. A colliding claim
// fails with ErrIdentityCollision after that eviction, and the evicted peer
// stays evicted. On success every peer learns about the newcomer.
func (c *Controller) Register(conn peer.Conn, claim peer.Claim) (peer.Peer, error) {
	if err := c.validatePeerID(claim.ID); err != nil {
		c.metrics.ObserveRegistration(metrics.RegistrationInvalid)
		return peer.Peer{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	registered, evicted, err := c.registry.RegisterEvicting(claim, conn, c.cfg.MaxPeers)
	if evicted != nil {
		c.evict(*evicted, conn)
	}
	c.metrics.SetPeers(c.registry.Size())

	switch {
	case errors.Is(err, peer.ErrAlreadyExists):
		c.metrics.ObserveRegistration(metrics.RegistrationCollision)
		c.logger.Info("peer id collision", "peer_id", claim.ID, "conn_id", conn.ID())
		return peer.Peer{}, fmt.Errorf("%s: %w", claim.ID, ErrIdentityCollision)
	case errors.Is(err, peer.ErrConnAlreadyRegistered):
		c.metrics.ObserveRegistration(metrics.RegistrationDuplicate)
		return peer.Peer{}, ErrAlreadyRegistered
	case err != nil:
		return peer.Peer{}, err
	}

	c.metrics.ObserveRegistration(metrics.RegistrationOK)
	c.logger.Info("peer registered",
		"peer_id", registered.ID,
		"peer_type", registered.Type,
		"conn_id", conn.ID(),
		"peers", c.registry.Size(),
	)
	if c.router != nil {
		c.router.AnnounceJoin(registered)
	}
	return registered, nil
}

// evict removes p to make room for the connection newcomer, which never saw p
// and is not told it left.
func (c *Controller) evict(p peer.Peer, newcomer peer.Conn) {
	c.metrics.ObserveEviction()
	c.logger.Info("evicting oldest peer", "peer_id", p.ID, "conn_id", p.Conn.ID(), "for_conn_id", newcomer.ID())

	if c.router != nil {
		notice, err := protocol.NewEnvelope(protocol.FromServer, p.ID, protocol.ClosePayload{
			Action: protocol.ActionClose,
			Reason: protocol.ReasonCapacity,
		})
		if err == nil {
			c.router.Notify(p, notice)
		}
	}
	p.Conn.Close(true)

	if c.router != nil {
		c.router.AnnounceLeave(p, protocol.ReasonCapacity, newcomer)
	}
}

// Disconnect releases the identity held by conn, if any, and announces the
// departure. A peer that was already evicted is not announced again.
func (c *Controller) Disconnect(conn peer.Conn) (peer.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.registry.RemoveByConnection(conn)
	if !ok {
		return peer.Peer{}, false
	}
	c.metrics.SetPeers(c.registry.Size())
	c.logger.Info("peer left", "peer_id", p.ID, "conn_id", conn.ID(), "peers", c.registry.Size())
	if c.router != nil {
		c.router.AnnounceLeave(p, protocol.ReasonLeft)
	}
	return p, true
}

func (c *Controller) validatePeerID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: must not be empty", ErrInvalidPeerID)
	case len(id) > c.cfg.MaxPeerIDLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidPeerID, c.cfg.MaxPeerIDLength)
	case !utf8.ValidString(id):
		return fmt.Errorf("%w: not valid utf-8", ErrInvalidPeerID)
	case protocol.IsReservedPeerID(id):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidPeerID, id)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidPeerID)
		}
	}
	return nil
}
