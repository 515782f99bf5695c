// Package peertest provides an in-memory peer.Conn for tests.
package peertest

import (
	"encoding/json"
	"sync"
)

// Conn records every frame sent to it.
type Conn struct {
	id   string
	addr string

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	graceful bool
	full     bool
}

func NewConn(id string) *Conn {
	return &Conn{id: id, addr: "192.0.2.1:40000"}
}

func NewConnFrom(id, addr string) *Conn {
	return &Conn{id: id, addr: addr}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.addr }

func (c *Conn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return true
}

func (c *Conn) Close(graceful bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.graceful = graceful
}

// SetFull makes subsequent sends fail as if the outbound queue were full.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

func (c *Conn) Closed() (closed, graceful bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.graceful
}

func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Decoded returns every frame decoded into a generic JSON value.
func (c *Conn) Decoded() []map[string]any {
	var out []map[string]any
	for _, f := range c.Frames() {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
