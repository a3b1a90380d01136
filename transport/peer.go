package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/victorvexastor/vexconnect/wire"
)

// Peer is one slot in the transport's peer table (spec.md §3). Its active
// flag and underlying connection are guarded by mu so that a concurrent
// write (from the dispatcher, relaying a fan-out) and a read-loop-detected
// error (from the peer's own reader goroutine) never race on the same
// net.Conn — the Go-idiomatic analogue of the teacher's split rmu/wmu
// locking in circuit/circuit.go, collapsed to a single mutex here because a
// mesh peer slot has no per-direction cipher state to protect independently.
type Peer struct {
	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	active   bool
	Name     string
	LastSeen time.Time

	// Pubkey and RSSI are optional peer attributes carried by the slot per
	// spec.md §3; the broadcast core never reads or sets them.
	Pubkey *[32]byte
	RSSI   *int8
}

// Event is delivered on a Transport's shared channel for every frame a peer
// produces, or every fatal read error it encounters.
type Event struct {
	Peer  *Peer
	Frame []byte // nil when Err != nil
	Err   error
}

func newPeer(conn net.Conn, name string) *Peer {
	return &Peer{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		active:   true,
		Name:     name,
		LastSeen: time.Now(),
	}
}

// Active reports whether the slot currently holds a live peer session.
func (p *Peer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Write sends one length-prefixed frame to the peer. Any error invalidates
// the slot and closes its connection (spec.md §4.D).
func (p *Peer) Write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return errPeerInactive
	}
	if err := wire.WriteFrame(p.conn, frame); err != nil {
		p.active = false
		_ = p.conn.Close()
		return err
	}
	return nil
}

// invalidate marks the slot inactive and closes its connection. Safe to call
// multiple times or concurrently with Write.
func (p *Peer) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		p.active = false
		_ = p.conn.Close()
	}
}

// readLoop assembles frames off the wire and feeds them to events until the
// connection fails or is closed. It never treats a short read as fatal on
// its own — wire.ReadFrame blocks inside io.ReadFull until a full frame is
// assembled, the per-peer buffering redesign required by spec.md §9.
func (p *Peer) readLoop(events chan<- Event) {
	for {
		frame, err := wire.ReadFrame(p.reader)
		if err != nil {
			p.invalidate()
			events <- Event{Peer: p, Err: err}
			return
		}
		p.mu.Lock()
		p.LastSeen = time.Now()
		p.mu.Unlock()
		events <- Event{Peer: p, Frame: frame}
	}
}
