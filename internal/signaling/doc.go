// Package signaling exposes the relay over WebSocket.
//
// Each connection authenticates, is charged against the per-source attempt
// limit, and then claims a peer id with a ready frame. From then on it can
// broadcast and direct envelopes to other peers through the router.
package signaling
