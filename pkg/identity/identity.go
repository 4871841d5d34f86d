// Package identity derives the node's ed25519 keypair from its Tor
// hidden-service secret. The derived keypair is also the node's onion v3
// identity; see pkg/onion for the address encoding built from the same
// public key.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
)

// MinSecretLength is the minimum accepted length, in bytes, of a Tor
// hidden-service secret handed to Derive.
const MinSecretLength = 32

// PeerID is a node's 32-byte public identifier: its ed25519 public key.
type PeerID [32]byte

// Identity is a node's derived ed25519 keypair and PeerID.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	PeerID  PeerID
}

// Derive derives an ed25519 keypair deterministically from a Tor
// hidden-service secret. The same secret always yields the same keypair,
// so PeerID and onion v3 address denote the same entity (see pkg/onion).
func Derive(secret []byte) (*Identity, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("tor secret must be at least %d bytes", MinSecretLength)
	}

	seed := sha256.Sum256(secret)
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)

	id := &Identity{Private: priv, Public: pub}
	copy(id.PeerID[:], pub)
	return id, nil
}
