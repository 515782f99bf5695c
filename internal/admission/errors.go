package admission

import "errors"

var (
	// ErrRateLimited is returned when a source address exceeded its
	// connection attempt budget for the current window.
	ErrRateLimited = errors.New("too many connection attempts")
	// ErrIdentityCollision is returned when the claimed peer id is already
	// registered by another connection.
	ErrIdentityCollision = errors.New("peer id already connected")
	ErrInvalidPeerID     = errors.New("invalid peer id")
	// ErrAlreadyRegistered is returned when a connection that already owns an
	// identity tries to claim another.
	ErrAlreadyRegistered = errors.New("connection already registered")
)
