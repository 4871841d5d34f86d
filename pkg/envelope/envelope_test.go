package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mwc-onion/torgossip/pkg/identity"
)

func testKernelExcess() [KernelExcessSize]byte {
	var k [KernelExcessSize]byte
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func testSignature() [SignatureSize]byte {
	var s [SignatureSize]byte
	for i := range s {
		s[i] = byte(255 - i)
	}
	return s
}

func TestIntegrityFrameRoundTrip(t *testing.T) {
	kernelExcess := testKernelExcess()
	signature := testSignature()
	payload := []byte{1, 2, 3, 4, 3, 2, 1}

	wire := BuildIntegrityMessage(kernelExcess, signature, payload)

	frame, err := DecodeIntegrityFrame(wire)
	require.NoError(t, err)
	require.Equal(t, kernelExcess, frame.KernelExcess)
	require.Equal(t, signature, frame.Signature)
	require.Equal(t, payload, frame.Payload)
}

func TestReadMessageDataReturnsPayload(t *testing.T) {
	payload := []byte("hello mesh")
	wire := BuildIntegrityMessage(testKernelExcess(), testSignature(), payload)

	require.Equal(t, payload, ReadMessageData(wire))
}

func TestReadMessageDataEmptyOnGarbage(t *testing.T) {
	require.Empty(t, ReadMessageData([]byte{0xff, 0x01, 0x02}))
	require.Empty(t, ReadMessageData(nil))
}

func TestDecodeIntegrityFrameRejectsWrongVersion(t *testing.T) {
	wire := BuildIntegrityMessage(testKernelExcess(), testSignature(), []byte("x"))
	wire[0] = 2

	_, err := DecodeIntegrityFrame(wire)
	require.Error(t, err)
}

func TestDecodeIntegrityFrameRejectsTruncation(t *testing.T) {
	wire := BuildIntegrityMessage(testKernelExcess(), testSignature(), []byte("x"))

	_, err := DecodeIntegrityFrame(wire[:len(wire)-3])
	require.Error(t, err)
}

func TestDecodeIntegrityFrameRejectsShortKernelExcess(t *testing.T) {
	w := newPushSerializer(Version)
	w.pushVec([]byte{1, 2, 3})
	w.pushVec(testSignature()[:])
	w.pushVec([]byte("x"))

	_, err := DecodeIntegrityFrame(w.bytes())
	require.Error(t, err)
}

func TestPeerExchangeFrameRoundTrip(t *testing.T) {
	peers := []identity.PeerID{{1, 2, 3}, {4, 5, 6}}

	wire, err := BuildPeerExchangeMessage(peers)
	require.NoError(t, err)

	frame, err := DecodePeerExchangeFrame(wire)
	require.NoError(t, err)
	require.Equal(t, peers, frame.Peers)
}

func TestPeerExchangeFrameEmpty(t *testing.T) {
	wire, err := BuildPeerExchangeMessage(nil)
	require.NoError(t, err)

	frame, err := DecodePeerExchangeFrame(wire)
	require.NoError(t, err)
	require.Empty(t, frame.Peers)
}

func TestBuildPeerExchangeMessageRejectsOversizedList(t *testing.T) {
	peers := make([]identity.PeerID, PeerExchangeNumberLimit+1)

	_, err := BuildPeerExchangeMessage(peers)
	require.Error(t, err)
}

func TestDecodePeerExchangeFrameRejectsOversizedClaim(t *testing.T) {
	w := newPushSerializer(Version)
	w.pushU16(uint16(PeerExchangeNumberLimit + 1))

	_, err := DecodePeerExchangeFrame(w.bytes())
	require.Error(t, err)
}

func TestHashPeerIDIsDeterministic(t *testing.T) {
	peer := identity.PeerID{9, 9, 9}

	require.Equal(t, HashPeerID(peer), HashPeerID(peer))
	require.NotEqual(t, HashPeerID(peer), HashPeerID(identity.PeerID{8, 8, 8}))
}
