// Package envelope implements the versioned wire frames the gossip mesh
// carries: the integrity envelope (kernel excess + signature + payload)
// published on application topics, and the peer-exchange frame published
// on the reserved peer-exchange topic.
package envelope

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/mwc-onion/torgossip/pkg/identity"
)

const (
	// Version is the only version byte either wire frame currently
	// accepts. Bumping it is a breaking wire change for wallet and node.
	Version = 1

	// KernelExcessSize is the length, in bytes, of a Pedersen commitment.
	KernelExcessSize = 33
	// SignatureSize is the length, in bytes, of a compact signature.
	SignatureSize = 64

	// PeerExchangeNumberLimit bounds how many onion peers a single
	// peer-exchange message may advertise. Larger claims are a protocol
	// violation (see pkg/gossip's disconnect+ban handling).
	PeerExchangeNumberLimit = 1000
)

// IntegrityFrame is the decoded form of the on-wire integrity envelope:
// version byte 1, then length-prefixed (kernel_excess, signature, payload).
type IntegrityFrame struct {
	KernelExcess [KernelExcessSize]byte
	Signature    [SignatureSize]byte
	Payload      []byte
}

// BuildIntegrityMessage frames (kernel_excess, signature, payload) for the
// wire. This is the wallet-side helper; the node only ever decodes.
func BuildIntegrityMessage(kernelExcess [KernelExcessSize]byte, signature [SignatureSize]byte, payload []byte) []byte {
	w := newPushSerializer(Version)
	w.pushVec(kernelExcess[:])
	w.pushVec(signature[:])
	w.pushVec(payload)
	return w.bytes()
}

// DecodeIntegrityFrame parses a length-prefixed integrity envelope. A
// version other than 1, or any truncated/malformed length prefix, is a
// decode error; callers treat a decode error as a protocol violation
// (reject, not ignore).
func DecodeIntegrityFrame(data []byte) (*IntegrityFrame, error) {
	r := newPopSerializer(data)
	if err := r.checkVersion(); err != nil {
		return nil, err
	}

	kernelExcess, err := r.popVec()
	if err != nil {
		return nil, fmt.Errorf("integrity frame: kernel excess: %w", err)
	}
	if len(kernelExcess) != KernelExcessSize {
		return nil, fmt.Errorf("integrity frame: kernel excess length %d, want %d", len(kernelExcess), KernelExcessSize)
	}

	signature, err := r.popVec()
	if err != nil {
		return nil, fmt.Errorf("integrity frame: signature: %w", err)
	}
	if len(signature) != SignatureSize {
		return nil, fmt.Errorf("integrity frame: signature length %d, want %d", len(signature), SignatureSize)
	}

	payload, err := r.popVec()
	if err != nil {
		return nil, fmt.Errorf("integrity frame: payload: %w", err)
	}

	frame := &IntegrityFrame{Payload: payload}
	copy(frame.KernelExcess[:], kernelExcess)
	copy(frame.Signature[:], signature)
	return frame, nil
}

// ReadMessageData skips the integrity envelope's header (kernel excess and
// signature) and returns the payload. Any parse failure yields an empty
// payload — callers must not distinguish "empty payload" from "unparsable
// frame"; both are treated as invalid by the validator.
func ReadMessageData(data []byte) []byte {
	frame, err := DecodeIntegrityFrame(data)
	if err != nil {
		return []byte{}
	}
	return frame.Payload
}

// PeerExchangeFrame is the decoded form of a peer-exchange message:
// version byte 1, a uint16 count, then that many wire peer identifiers.
type PeerExchangeFrame struct {
	Peers []identity.PeerID
}

// BuildPeerExchangeMessage frames a list of peer identifiers for
// publication on the reserved peer-exchange topic.
func BuildPeerExchangeMessage(peers []identity.PeerID) ([]byte, error) {
	if len(peers) > PeerExchangeNumberLimit {
		return nil, fmt.Errorf("peer exchange: %d peers exceeds limit %d", len(peers), PeerExchangeNumberLimit)
	}

	w := newPushSerializer(Version)
	w.pushU16(uint16(len(peers)))
	for _, p := range peers {
		w.pushVec(p[:])
	}
	return w.bytes(), nil
}

// DecodePeerExchangeFrame parses a peer-exchange message. A version other
// than 1, or a count exceeding PeerExchangeNumberLimit, is a protocol
// violation the caller must treat as disconnect-and-ban eligible.
func DecodePeerExchangeFrame(data []byte) (*PeerExchangeFrame, error) {
	r := newPopSerializer(data)
	if err := r.checkVersion(); err != nil {
		return nil, err
	}

	count, err := r.popU16()
	if err != nil {
		return nil, fmt.Errorf("peer exchange frame: count: %w", err)
	}
	if int(count) > PeerExchangeNumberLimit {
		return nil, fmt.Errorf("peer exchange frame: %d peers exceeds limit %d", count, PeerExchangeNumberLimit)
	}

	frame := &PeerExchangeFrame{Peers: make([]identity.PeerID, 0, count)}
	for i := 0; i < int(count); i++ {
		peerBytes, err := r.popVec()
		if err != nil {
			return nil, fmt.Errorf("peer exchange frame: peer %d: %w", i, err)
		}
		if len(peerBytes) != 32 {
			return nil, fmt.Errorf("peer exchange frame: peer %d length %d, want 32", i, len(peerBytes))
		}
		var peer identity.PeerID
		copy(peer[:], peerBytes)
		frame.Peers = append(frame.Peers, peer)
	}
	return frame, nil
}

// HashPeerID hashes the wire bytes of a PeerID with the domain hash the
// wallet uses when signing an integrity message (see validator.Validate
// step 2). This is SHA-256 over the raw 32-byte identifier.
func HashPeerID(peerID identity.PeerID) [32]byte {
	return sha256.Sum256(peerID[:])
}

// pushSerializer / popSerializer implement the shared wire framing: a
// version byte followed by zero or more length-prefixed byte vectors,
// with uint32 little-endian length prefixes. This mirrors the grin
// ecosystem's SimplePushSerializer/SimplePopSerializer that the wallet
// and node must agree on byte-for-byte.

type pushSerializer struct {
	buf []byte
}

func newPushSerializer(version byte) *pushSerializer {
	return &pushSerializer{buf: []byte{version}}
}

func (w *pushSerializer) pushVec(v []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, v...)
}

func (w *pushSerializer) pushU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *pushSerializer) bytes() []byte {
	return w.buf
}

type popSerializer struct {
	data    []byte
	offset  int
	version byte
	hasData bool
}

func newPopSerializer(data []byte) *popSerializer {
	p := &popSerializer{data: data}
	if len(data) >= 1 {
		p.version = data[0]
		p.offset = 1
		p.hasData = true
	}
	return p
}

// checkVersion rejects anything but the one supported frame version. The
// original implementation this was distilled from hit a debug assertion
// on an unexpected version byte; asserting on attacker-controlled wire
// input would be a new DoS surface, so this logs and returns an error
// instead.
func (r *popSerializer) checkVersion() error {
	if !r.hasData {
		return fmt.Errorf("empty frame")
	}
	if r.version != Version {
		slog.Debug("envelope: unexpected frame version", "version", r.version)
		return fmt.Errorf("unsupported frame version %d", r.version)
	}
	return nil
}

func (r *popSerializer) popU16() (uint16, error) {
	if r.offset+2 > len(r.data) {
		return 0, fmt.Errorf("truncated u16")
	}
	v := binary.LittleEndian.Uint16(r.data[r.offset : r.offset+2])
	r.offset += 2
	return v, nil
}

func (r *popSerializer) popVec() ([]byte, error) {
	if r.offset+4 > len(r.data) {
		return nil, fmt.Errorf("truncated length prefix")
	}
	length := binary.LittleEndian.Uint32(r.data[r.offset : r.offset+4])
	r.offset += 4
	if r.offset+int(length) > len(r.data) {
		return nil, fmt.Errorf("truncated vector of length %d", length)
	}
	v := r.data[r.offset : r.offset+int(length)]
	r.offset += int(length)
	return v, nil
}
