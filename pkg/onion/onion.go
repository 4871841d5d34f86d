// Package onion encodes and decodes Tor v3 hidden-service addresses and
// builds the dialable /onion3 multiaddr form the transport and gossip
// layers use. The bijection between a node's identity.PeerID and its
// onion address is what lets a peer be dialed by identity alone.
package onion

import (
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/sha3"

	"github.com/mwc-onion/torgossip/pkg/identity"
)

const (
	version       = 0x03
	checksumLen   = 2
	checksumLabel = ".onion checksum"

	// AddressLen is the length, in characters, of a v3 onion address
	// without the ".onion" suffix.
	AddressLen = 56

	// Suffix is appended to the base32-encoded body of a v3 address.
	Suffix = ".onion"

	// DialPort is the virtual port every torgossip node advertises its
	// hidden service on.
	DialPort = 81
)

var base32Enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// Address is a Tor v3 onion address, always lowercase and including the
// ".onion" suffix.
type Address string

// Encode computes the v3 onion address for an ed25519 public key,
// matching Tor's address format: base32(pubkey || checksum || version).
func Encode(pub ed25519.PublicKey) (Address, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	sum := checksum(pub)

	body := make([]byte, 0, len(pub)+checksumLen+1)
	body = append(body, pub...)
	body = append(body, sum...)
	body = append(body, version)

	return Address(strings.ToLower(base32Enc.EncodeToString(body)) + Suffix), nil
}

// PublicKey recovers the ed25519 public key embedded in a v3 onion
// address, validating its checksum and version byte.
func (a Address) PublicKey() (ed25519.PublicKey, error) {
	addr := strings.ToLower(strings.TrimSuffix(string(a), Suffix))
	if len(addr) != AddressLen {
		return nil, fmt.Errorf("invalid onion address length %d, want %d", len(addr), AddressLen)
	}

	body, err := base32Enc.DecodeString(strings.ToUpper(addr))
	if err != nil {
		return nil, fmt.Errorf("invalid onion address encoding: %w", err)
	}
	if len(body) != ed25519.PublicKeySize+checksumLen+1 {
		return nil, fmt.Errorf("invalid onion address body length %d", len(body))
	}

	pub := ed25519.PublicKey(body[:ed25519.PublicKeySize])
	sum := body[ed25519.PublicKeySize : ed25519.PublicKeySize+checksumLen]
	ver := body[len(body)-1]

	if ver != version {
		return nil, fmt.Errorf("unsupported onion address version %d", ver)
	}
	if !equalBytes(sum, checksum(pub)) {
		return nil, fmt.Errorf("onion address checksum mismatch")
	}

	return pub, nil
}

// PeerID recovers the identity.PeerID embedded in a v3 onion address.
func (a Address) PeerID() (identity.PeerID, error) {
	pub, err := a.PublicKey()
	if err != nil {
		return identity.PeerID{}, err
	}
	var id identity.PeerID
	copy(id[:], pub)
	return id, nil
}

// Multiaddr builds the dialable /onion3 multiaddr for this address on
// DialPort, the virtual port every torgossip hidden service forwards to
// the node's local libp2p listener.
func (a Address) Multiaddr() (ma.Multiaddr, error) {
	body := strings.TrimSuffix(string(a), Suffix)
	s := fmt.Sprintf("/onion3/%s:%d", body, DialPort)
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("building onion3 multiaddr: %w", err)
	}
	return addr, nil
}

// FromPeerID is a convenience for dialers that only have a PeerID and
// need the onion address to dial it at.
func FromPeerID(id identity.PeerID) (Address, error) {
	return Encode(ed25519.PublicKey(id[:]))
}

func checksum(pub ed25519.PublicKey) []byte {
	h := sha3.New256()
	h.Write([]byte(checksumLabel))
	h.Write(pub)
	h.Write([]byte{version})
	sum := h.Sum(nil)
	return sum[:checksumLen]
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
