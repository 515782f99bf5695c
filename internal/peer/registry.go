package peer

import (
	"sort"
	"sync"
	"time"
)

// Claim is a request to register an identity.
type Claim struct {
	ID       string
	Type     string
	Metadata map[string]any
}

// Registry maps peer ids to connections.
//
// All methods are safe for concurrent use. Methods never call into Conn while
// holding the registry lock, other than Conn.ID which must be a plain getter.
type Registry struct {
	now func() time.Time

	mu     sync.Mutex
	peers  map[string]*Peer
	byConn map[string]string // conn id -> peer id
	seq    uint64
}

// NewRegistry returns an empty registry. now defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:    now,
		peers:  make(map[string]*Peer),
		byConn: make(map[string]string),
	}
}

// TryRegister atomically claims c.ID for conn.
//
// If the id is taken the existing peer is left untouched and ErrAlreadyExists
// is returned.
func (r *Registry) TryRegister(c Claim, conn Conn) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(c, conn)
}

// RegisterEvicting claims c.ID for conn, first making room when the registry
// holds maxPeers or more entries by removing the oldest peer.
//
// The capacity check, eviction, and insert happen under a single lock
// acquisition, so concurrent callers can never push the registry above
// maxPeers. The evicted peer (if any) is returned even when the insert then
// fails; it is not restored. maxPeers <= 0 means unlimited.
func (r *Registry) RegisterEvicting(c Claim, conn Conn, maxPeers int) (registered Peer, evicted *Peer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[conn.ID()]; ok {
		return Peer{}, nil, ErrConnAlreadyRegistered
	}

	if maxPeers > 0 && len(r.peers) >= maxPeers {
		if oldest, ok := r.oldestLocked(); ok {
			r.deleteLocked(oldest)
			evicted = &oldest
		}
	}

	registered, err = r.insertLocked(c, conn)
	return registered, evicted, err
}

func (r *Registry) insertLocked(c Claim, conn Conn) (Peer, error) {
	if _, ok := r.byConn[conn.ID()]; ok {
		return Peer{}, ErrConnAlreadyRegistered
	}
	if _, ok := r.peers[c.ID]; ok {
		return Peer{}, ErrAlreadyExists
	}

	r.seq++
	p := &Peer{
		ID:          c.ID,
		Type:        c.Type,
		Metadata:    c.Metadata,
		Conn:        conn,
		ConnectedAt: r.now(),
		seq:         r.seq,
	}
	r.peers[p.ID] = p
	r.byConn[conn.ID()] = p.ID
	return *p, nil
}

// Remove deletes the peer with the given id. Removing an unknown id is a
// no-op that returns false.
func (r *Registry) Remove(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	removed := *p
	r.deleteLocked(removed)
	return removed, true
}

// RemoveByConnection deletes the peer bound to conn, if any.
func (r *Registry) RemoveByConnection(conn Conn) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[conn.ID()]
	if !ok {
		return Peer{}, false
	}
	p, ok := r.peers[id]
	if !ok {
		delete(r.byConn, conn.ID())
		return Peer{}, false
	}
	removed := *p
	r.deleteLocked(removed)
	return removed, true
}

func (r *Registry) deleteLocked(p Peer) {
	delete(r.peers, p.ID)
	if p.Conn != nil {
		delete(r.byConn, p.Conn.ID())
	}
}

func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Snapshot returns a copy of all registered peers in registration order.
func (r *Registry) Snapshot() []Peer {
	r.mu.Lock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Oldest returns the peer with the earliest ConnectedAt. Ties go to the peer
// that registered first.
func (r *Registry) Oldest() (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oldestLocked()
}

func (r *Registry) oldestLocked() (Peer, bool) {
	var oldest *Peer
	for _, p := range r.peers {
		if oldest == nil || before(p, oldest) {
			oldest = p
		}
	}
	if oldest == nil {
		return Peer{}, false
	}
	return *oldest, true
}

func before(a, b *Peer) bool {
	if a.ConnectedAt.Equal(b.ConnectedAt) {
		return a.seq < b.seq
	}
	return a.ConnectedAt.Before(b.ConnectedAt)
}
