// Package wire implements the mesh packet codec: a fixed 11-byte header
// followed by a variable-length payload, plus the content-derived packet
// identity used for loop suppression.
package wire

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	// ProtoVersion is the only wire-format version this codec accepts.
	ProtoVersion uint8 = 0x01

	// MaxPacket is the largest frame the transport will ever carry.
	MaxPacket = 512

	// HeaderSize is the fixed header length: version(1) + packet_id(8) + ttl(1) + flags(1).
	HeaderSize = 11

	// MaxPayload is the largest payload that fits a MaxPacket frame.
	MaxPayload = MaxPacket - HeaderSize

	idSaltLen = 8
)

// Flag bits recognized on a Packet.
const (
	FlagEncrypted    uint8 = 0x01
	FlagBroadcast    uint8 = 0x02
	FlagAckRequested uint8 = 0x04 // reserved; must be accepted without special handling
)

// ID is a packet's 8-byte content-derived identity, used solely for dedup.
type ID [8]byte

// Packet is the logical record carried by one wire frame.
type Packet struct {
	Version uint8
	ID      ID
	TTL     uint8
	Flags   uint8
	Payload []byte
}

// HasFlag reports whether f is set in p.Flags.
func (p *Packet) HasFlag(f uint8) bool {
	return p.Flags&f != 0
}

// MakeID draws 8 bytes of OS entropy and returns the first 8 bytes of the
// SHA3-512 hash of payload||entropy. The entropy salt means two identical
// payloads sent moments apart hash to distinct IDs.
func MakeID(payload []byte) (ID, error) {
	var salt [idSaltLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return ID{}, fmt.Errorf("read entropy: %w", err)
	}
	h := sha3.New512()
	h.Write(payload)
	h.Write(salt[:])
	sum := h.Sum(nil)

	var id ID
	copy(id[:], sum[:len(id)])
	return id, nil
}

// Encode writes p's wire representation into buf and returns the number of
// bytes written. buf must be at least HeaderSize+len(p.Payload) bytes.
func Encode(p *Packet, buf []byte) (int, error) {
	if p.Version != ProtoVersion {
		return 0, fmt.Errorf("wire: unsupported version %d", p.Version)
	}
	n := HeaderSize + len(p.Payload)
	if n > MaxPacket {
		return 0, fmt.Errorf("wire: frame too large: %d > %d", n, MaxPacket)
	}
	if n > len(buf) {
		return 0, fmt.Errorf("wire: buffer too small: need %d, have %d", n, len(buf))
	}

	buf[0] = p.Version
	copy(buf[1:9], p.ID[:])
	buf[9] = p.TTL
	buf[10] = p.Flags
	copy(buf[HeaderSize:n], p.Payload)
	return n, nil
}

// Decode parses a wire frame into a Packet. The payload length is inferred
// from len(frame) - HeaderSize.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, fmt.Errorf("wire: frame too short: %d bytes", len(frame))
	}
	version := frame[0]
	if version != ProtoVersion {
		return Packet{}, fmt.Errorf("wire: unsupported version %d", version)
	}
	payloadLen := len(frame) - HeaderSize
	if payloadLen > MaxPayload {
		return Packet{}, fmt.Errorf("wire: payload too large: %d > %d", payloadLen, MaxPayload)
	}

	p := Packet{
		Version: version,
		TTL:     frame[9],
		Flags:   frame[10],
	}
	copy(p.ID[:], frame[1:9])
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, frame[HeaderSize:])
	}
	return p, nil
}
