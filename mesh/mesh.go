// Package mesh implements the send/receive/relay control flow that sits at
// the intersection of the codec, dedup cache, crypto layer, and transport
// (spec.md §4.E): TTL decrement, dedup, source exclusion, and
// encrypted-payload handling.
package mesh

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/victorvexastor/vexconnect/meshcrypto"
	"github.com/victorvexastor/vexconnect/metrics"
	"github.com/victorvexastor/vexconnect/seen"
	"github.com/victorvexastor/vexconnect/transport"
	"github.com/victorvexastor/vexconnect/wire"
)

// DefaultTTL is the hop limit applied to locally originated broadcasts
// (spec.md §6).
const DefaultTTL = 7

// Counters mirrors the node's packet counters (spec.md §3), each
// independently atomic since the dispatcher is the only mutator in the
// common case but metrics reads may happen concurrently from an HTTP
// handler (§4.H).
type Counters struct {
	Sent     atomic.Uint64
	Received atomic.Uint64
	Relayed  atomic.Uint64
	Dropped  atomic.Uint64
}

// Mesh orchestrates send, receive, and relay over a Transport, using a
// shared mesh key and dedup cache.
type Mesh struct {
	Transport *transport.Transport
	Seen      *seen.Cache
	Key       meshcrypto.Key
	Logger    *slog.Logger

	DefaultTTL    uint8
	RelayEnabled  bool
	// RelayOnDecryptFailure resolves spec.md §9's open question: whether a
	// packet whose local decryption fails is still relayed. Default true,
	// the spec's recommended behavior — a neighbor may simply be on a
	// different key epoch and should not be starved of the frame.
	RelayOnDecryptFailure bool

	Counters Counters

	// Metrics mirrors Counters into Prometheus, incremented at the same call
	// sites as Counters (spec.md §4.H). Nil when -stats is not set.
	Metrics *metrics.Metrics

	// Deliver receives the plaintext of every successfully decrypted,
	// newly-seen broadcast. It is the out-of-scope local delivery sink
	// (spec.md §4.E step 5) — the event loop wires this to stdout.
	Deliver func(plaintext []byte, ttl uint8, hops uint8)
}

// New creates a Mesh with spec.md's default TTL and relay-enabled settings.
func New(t *transport.Transport, s *seen.Cache, key meshcrypto.Key, logger *slog.Logger) *Mesh {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mesh{
		Transport:             t,
		Seen:                  s,
		Key:                   key,
		Logger:                logger,
		DefaultTTL:            DefaultTTL,
		RelayEnabled:          true,
		RelayOnDecryptFailure: true,
	}
}

// Send encrypts messageText under the mesh key, builds a broadcast packet,
// seeds it into the seen cache to suppress its own echo, and fans it out to
// every peer (spec.md §4.E).
func (m *Mesh) Send(messageText string) error {
	plaintext := []byte(messageText)
	if len(plaintext) > wire.MaxPayload-meshcrypto.Overhead {
		return fmt.Errorf("mesh: message too long: %d bytes", len(plaintext))
	}

	ciphertext, err := meshcrypto.Encrypt(m.Key, plaintext)
	if err != nil {
		return fmt.Errorf("mesh: encrypt: %w", err)
	}

	id, err := wire.MakeID(ciphertext)
	if err != nil {
		return fmt.Errorf("mesh: make id: %w", err)
	}

	pkt := wire.Packet{
		Version: wire.ProtoVersion,
		ID:      id,
		TTL:     m.DefaultTTL,
		Flags:   wire.FlagEncrypted | wire.FlagBroadcast,
		Payload: ciphertext,
	}

	// Seed the seen cache with our own packet ID before it ever reaches the
	// wire, so a copy that loops back through the mesh is dropped as a
	// duplicate rather than redelivered to this node (spec.md §9, own-echo).
	m.Seen.Add(pkt.ID)

	buf := make([]byte, wire.MaxPacket)
	n, err := wire.Encode(&pkt, buf)
	if err != nil {
		return fmt.Errorf("mesh: encode: %w", err)
	}

	sent := m.Transport.SendToAll(buf[:n], nil)
	m.Counters.Sent.Add(1)
	if m.Metrics != nil {
		m.Metrics.Sent.Inc()
	}
	m.Logger.Info("sent", "packet_id", fmt.Sprintf("%x", pkt.ID), "ttl", pkt.TTL, "peers", sent, "bytes", len(plaintext))
	return nil
}

// Receive decodes rawFrame, applies dedup, delivers newly-seen plaintext
// locally, and relays onward if relay is enabled (spec.md §4.E).
func (m *Mesh) Receive(rawFrame []byte, source *transport.Peer) {
	pkt, err := wire.Decode(rawFrame)
	if err != nil {
		m.countDropped()
		m.Logger.Debug("dropped malformed frame", "error", err)
		return
	}

	if pkt.Version != wire.ProtoVersion {
		m.countDropped()
		return
	}

	if m.Seen.Check(pkt.ID) {
		m.countDropped()
		return
	}
	m.Seen.Add(pkt.ID)
	m.Counters.Received.Add(1)
	if m.Metrics != nil {
		m.Metrics.Received.Inc()
	}

	if pkt.HasFlag(wire.FlagEncrypted) {
		plaintext, err := meshcrypto.Decrypt(m.Key, pkt.Payload)
		if err != nil {
			m.Logger.Warn("decryption failed", "packet_id", fmt.Sprintf("%x", pkt.ID), "error", err)
			if !m.RelayOnDecryptFailure {
				return
			}
		} else if m.Deliver != nil {
			hops := m.DefaultTTL - pkt.TTL
			m.Deliver(plaintext, pkt.TTL, hops)
		}
	}

	if m.RelayEnabled {
		m.relay(rawFrame, source)
	}
}

// relay decrements TTL and re-encodes before fanning out, preserving the
// packet ID so dedup correctly suppresses the packet when it loops back
// through a cycle (spec.md §4.E).
func (m *Mesh) relay(rawFrame []byte, source *transport.Peer) {
	pkt, err := wire.Decode(rawFrame)
	if err != nil {
		return
	}
	if pkt.TTL <= 1 {
		return // end of the line
	}
	pkt.TTL--

	buf := make([]byte, wire.MaxPacket)
	n, err := wire.Encode(&pkt, buf)
	if err != nil {
		m.Logger.Warn("relay re-encode failed", "error", err)
		return
	}

	relayed := m.Transport.SendToAll(buf[:n], source)
	m.Counters.Relayed.Add(1)
	if m.Metrics != nil {
		m.Metrics.Relayed.Inc()
	}
	m.Logger.Debug("relayed", "packet_id", fmt.Sprintf("%x", pkt.ID), "ttl", pkt.TTL, "peers", relayed)
}

// countDropped increments the dropped counter and its Prometheus mirror, for
// the three rejection sites in Receive (malformed, wrong version, duplicate).
func (m *Mesh) countDropped() {
	m.Counters.Dropped.Add(1)
	if m.Metrics != nil {
		m.Metrics.Dropped.Inc()
	}
}
