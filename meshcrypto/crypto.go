// Package meshcrypto implements the mesh-wide authenticated-symmetric
// broadcast layer (spec.md §4.C): a key derived from a fixed service
// identifier shared by every node of the mesh, and authenticated encryption
// of each broadcast payload under that key.
package meshcrypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"
)

const (
	// KeySize is the derived mesh key length.
	KeySize = 32
	// NonceSize is the secretbox nonce length.
	NonceSize = 24
	// TagSize is the secretbox (Poly1305) authentication tag length.
	TagSize = 16
	// Overhead is the total bytes an Encrypt call adds to a plaintext.
	Overhead = NonceSize + TagSize

	// serviceIdentifier is the fixed, UUID-shaped constant that binds a set
	// of consenting nodes into one mesh: any two processes built with the
	// same constant derive byte-identical mesh keys (spec.md §6).
	serviceIdentifier = "b3f2a9b4-6e7a-4d2a-9c3a-1f6e5c9d2a77"
)

// Key is a derived 32-byte mesh key.
type Key [KeySize]byte

// DeriveKey computes SHA3-512 of the fixed service identifier and returns
// the first 32 bytes. Every node built against the same serviceIdentifier
// constant derives the same key; this is the mesh's explicit, closed trust
// model (spec.md §4.C).
func DeriveKey() Key {
	sum := sha3.Sum512([]byte(serviceIdentifier))
	var k Key
	copy(k[:], sum[:KeySize])
	return k
}

// Encrypt authenticates and encrypts plaintext under key, returning
// nonce||tag||ciphertext (length len(plaintext)+Overhead), per spec.md §4.C
// and §6's wire layout for ENCRYPTED payloads.
func Encrypt(key Key, plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("meshcrypto: read nonce: %w", err)
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, (*[KeySize]byte)(&key))
	return out, nil
}

// Decrypt authenticates and decrypts ciphertext (nonce||secretbox-output)
// under key. It fails if ciphertext is too short to contain a nonce and tag,
// or if authentication fails.
func Decrypt(key Key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) <= NonceSize {
		return nil, fmt.Errorf("meshcrypto: ciphertext too short: %d bytes", len(ciphertext))
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, (*[KeySize]byte)(&key))
	if !ok {
		return nil, fmt.Errorf("meshcrypto: authentication failed")
	}
	return plaintext, nil
}
