// Package transport implements the mesh's peer transport (spec.md §4.D): a
// length-prefixed, stream-framed fan-out channel over Unix-domain stream
// sockets, with fixed-capacity peer-slot lifecycle management.
//
// The reference implementation multiplexes non-blocking file descriptors
// through poll(2) on a single thread. Go's net package does not expose
// non-blocking sockets to user code in that shape, so this package renders
// the same contract — one direction-independent session per peer slot,
// at-most-one-mutator-of-node-state — as one blocking reader goroutine per
// peer feeding a shared event channel that a single dispatcher goroutine
// drains (spec.md §5, §9). The accept loop and slot table, which do not
// depend on mesh-engine state, manage themselves; only frame delivery and
// disconnect notification cross into the dispatcher.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
)

// MaxPeers is the fixed capacity of the peer slot table (spec.md §6).
const MaxPeers = 32

var errPeerInactive = errors.New("transport: peer slot inactive")

// Transport owns the listening endpoint and the peer slot table.
type Transport struct {
	logger *slog.Logger

	mu       sync.RWMutex
	peers    [MaxPeers]*Peer
	listener net.Listener

	events chan Event
	nextID int
}

// New creates a Transport. logger defaults to slog.Default() if nil.
func New(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		logger: logger,
		events: make(chan Event, MaxPeers),
	}
}

// Events returns the channel on which every peer's frames and fatal read
// errors are delivered, for the dispatcher's select loop (spec.md §4.F).
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Listen binds path as a Unix-domain stream socket, replacing any stale
// socket file left over from a previous run, and starts the accept loop.
func (t *Transport) Listen(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transport: remove stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", path, err)
	}
	t.listener = ln
	t.logger.Info("listening", "path", path)

	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.logger.Debug("accept loop exiting", "error", err)
			return
		}
		t.accept(conn, "")
	}
}

// Connect dials path and admits the resulting session as a peer, identical
// to an accepted connection (spec.md §4.D). The dial itself is the one
// blocking syscall the core performs outside the readiness wait, expected to
// complete quickly for a local Unix-domain socket (spec.md §5).
func (t *Transport) Connect(path string) (*Peer, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", path, err)
	}
	return t.accept(conn, path)
}

// accept allocates a free slot for conn, or closes it immediately if the
// slot table is full (spec.md §4.D — "Accept when slot table full").
func (t *Transport) accept(conn net.Conn, dialedPath string) (*Peer, error) {
	t.mu.Lock()
	idx := -1
	for i, p := range t.peers {
		if p == nil || !p.Active() {
			idx = i
			break
		}
	}
	if idx == -1 {
		t.mu.Unlock()
		_ = conn.Close()
		t.logger.Warn("peer table full, closing incoming session")
		return nil, fmt.Errorf("transport: peer table full (capacity %d)", MaxPeers)
	}

	t.nextID++
	name := fmt.Sprintf("peer-%d", t.nextID)
	peer := newPeer(conn, name)
	t.peers[idx] = peer
	t.mu.Unlock()

	if dialedPath != "" {
		t.logger.Info("connected to peer", "name", name, "path", dialedPath)
	} else {
		t.logger.Info("accepted peer", "name", name)
	}

	go peer.readLoop(t.events)
	return peer, nil
}

// SendToAll writes frame to every active peer slot except the one given
// (nil for "none"), returning the number of peers the write succeeded for
// (spec.md §4.D, invariant 7).
func (t *Transport) SendToAll(frame []byte, except *Peer) int {
	sent := 0
	for _, p := range t.snapshot() {
		if p == except || !p.Active() {
			continue
		}
		if err := p.Write(frame); err != nil {
			t.logger.Warn("peer write failed, disconnecting", "name", p.Name, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// PeerCount returns the number of currently active slots, computed on
// demand rather than mutated from multiple sites, resolving the reference
// implementation's peer-count consistency hazard (spec.md §9).
func (t *Transport) PeerCount() int {
	n := 0
	for _, p := range t.snapshot() {
		if p.Active() {
			n++
		}
	}
	return n
}

// PeerInfo is a read-only snapshot of one peer slot, for the /peers command.
type PeerInfo struct {
	Name     string
	LastSeen int64 // unix seconds
}

// Peers returns a snapshot of every currently active peer.
func (t *Transport) Peers() []PeerInfo {
	var out []PeerInfo
	for _, p := range t.snapshot() {
		if !p.Active() {
			continue
		}
		p.mu.Lock()
		out = append(out, PeerInfo{Name: p.Name, LastSeen: p.LastSeen.Unix()})
		p.mu.Unlock()
	}
	return out
}

// snapshot returns the non-nil slots as a plain slice, taken under a brief
// read lock so the slow path (I/O) never runs while holding it.
func (t *Transport) snapshot() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, MaxPeers)
	for _, p := range t.peers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Close shuts down the listener and every active peer connection.
func (t *Transport) Close() error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	for _, p := range t.snapshot() {
		p.invalidate()
	}
	return nil
}
