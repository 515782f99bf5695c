package peer

import "errors"

var (
	// ErrAlreadyExists is returned when the requested peer id is held by
	// another registered peer.
	ErrAlreadyExists = errors.New("peer id already registered")
	// ErrConnAlreadyRegistered is returned when a connection that already owns
	// a peer tries to claim a second identity.
	ErrConnAlreadyRegistered = errors.New("connection already registered")
)
