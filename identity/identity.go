// Package identity manages the node's persisted key material: an Ed25519
// signing keypair and an X25519 ("box") keypair, held by the node but not
// consumed by the broadcast path (spec.md §3, §6). Persistence follows the
// directory layout and file-mode discipline of the reference C
// implementation's $HOME/.vexconnect/ key files.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

const (
	dirName            = ".vexconnect"
	signingKeyFileName = "identity.key"
	boxKeyFileName     = "ephemeral.key"
	dirMode            = 0700
	fileMode           = 0600
)

// Identity holds a node's signing and box keypairs.
type Identity struct {
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey
	BoxPublic      [32]byte
	BoxPrivate     [32]byte
}

// Dir returns the key-material directory: $HOME/.vexconnect, falling back to
// /tmp/.vexconnect if HOME is unset (spec.md §6).
func Dir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}
	return filepath.Join(home, dirName)
}

// LoadOrGenerate loads the identity from dir, generating and persisting a
// fresh one if the files are absent.
func LoadOrGenerate(dir string) (*Identity, error) {
	id, err := load(dir)
	if err == nil {
		return id, nil
	}

	id, err = generate()
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	if err := save(dir, id); err != nil {
		return nil, fmt.Errorf("identity: save: %w", err)
	}
	return id, nil
}

func generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	// Ephemeral X25519 keypair, ported from the teacher's ntor handshake
	// key-generation idiom: a random scalar and its basepoint multiple.
	var boxPriv [32]byte
	if _, err := rand.Read(boxPriv[:]); err != nil {
		return nil, fmt.Errorf("generate box private key: %w", err)
	}
	boxPubSlice, err := curve25519.X25519(boxPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive box public key: %w", err)
	}
	var boxPub [32]byte
	copy(boxPub[:], boxPubSlice)

	return &Identity{
		SigningPublic:  pub,
		SigningPrivate: priv,
		BoxPublic:      boxPub,
		BoxPrivate:     boxPriv,
	}, nil
}

func load(dir string) (*Identity, error) {
	signingRaw, err := os.ReadFile(filepath.Join(dir, signingKeyFileName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", signingKeyFileName, err)
	}
	if len(signingRaw) != ed25519.PublicKeySize+ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: %s has unexpected length %d", signingKeyFileName, len(signingRaw))
	}
	pub := ed25519.PublicKey(append([]byte(nil), signingRaw[:ed25519.PublicKeySize]...))
	priv := ed25519.PrivateKey(append([]byte(nil), signingRaw[ed25519.PublicKeySize:]...))

	if err := validatePoint(pub); err != nil {
		return nil, fmt.Errorf("identity: %s: %w", signingKeyFileName, err)
	}

	boxRaw, err := os.ReadFile(filepath.Join(dir, boxKeyFileName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", boxKeyFileName, err)
	}
	if len(boxRaw) != 64 {
		return nil, fmt.Errorf("identity: %s has unexpected length %d", boxKeyFileName, len(boxRaw))
	}

	id := &Identity{SigningPublic: pub, SigningPrivate: priv}
	copy(id.BoxPublic[:], boxRaw[:32])
	copy(id.BoxPrivate[:], boxRaw[32:])
	return id, nil
}

func save(dir string, id *Identity) error {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	signingRaw := append(append([]byte(nil), id.SigningPublic...), id.SigningPrivate...)
	if err := os.WriteFile(filepath.Join(dir, signingKeyFileName), signingRaw, fileMode); err != nil {
		return fmt.Errorf("write %s: %w", signingKeyFileName, err)
	}

	boxRaw := append(append([]byte(nil), id.BoxPublic[:]...), id.BoxPrivate[:]...)
	if err := os.WriteFile(filepath.Join(dir, boxKeyFileName), boxRaw, fileMode); err != nil {
		return fmt.Errorf("write %s: %w", boxKeyFileName, err)
	}
	return nil
}

// validatePoint checks that pub decodes to a valid point on the edwards25519
// curve, mirroring the teacher's address-validation pattern for untrusted
// key material read back off disk.
func validatePoint(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("wrong public key size %d", len(pub))
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("not a valid curve point: %w", err)
	}
	return nil
}

// Fingerprint returns a short hex fingerprint of the signing public key,
// suitable for a startup banner.
func (id *Identity) Fingerprint() string {
	return fmt.Sprintf("%x", id.SigningPublic[:8])
}
