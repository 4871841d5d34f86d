package validator

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mwc-onion/torgossip/pkg/envelope"
	"github.com/mwc-onion/torgossip/pkg/identity"
	"github.com/mwc-onion/torgossip/pkg/kernel"
)

const feeBase = 1_000_000

// signedFrame builds an integrity frame whose kernel excess embeds pub
// (with a valid commitment parity prefix) and whose signature is a real
// ed25519 signature over the hash of publisher, so Validate's signature
// check passes.
func signedFrame(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey, publisher identity.PeerID, payload []byte) (frame []byte, kernelExcess [33]byte) {
	t.Helper()
	kernelExcess[0] = 0x02
	copy(kernelExcess[1:], pub)

	hashed := envelope.HashPeerID(publisher)
	sig := ed25519.Sign(priv, hashed[:])

	var sigArr [envelope.SignatureSize]byte
	copy(sigArr[:], sig)

	return envelope.BuildIntegrityMessage(kernelExcess, sigArr, payload), kernelExcess
}

func fixedLookup(rec *kernel.Record, err error) kernel.Lookup {
	return kernel.LookupFunc(func(ctx context.Context, k [33]byte) (*kernel.Record, error) {
		return rec, err
	})
}

func TestValidateMissingKernelReturnsZero(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	publisher := identity.PeerID{1, 2, 3}
	frame, _ := signedFrame(t, priv, pub, publisher, []byte{1, 2, 3, 4, 3, 2, 1})

	history := NewCallHistory()
	fee, verdict, err := Validate(context.Background(), publisher, frame, fixedLookup(nil, nil), history, feeBase, time.Now())

	require.NoError(t, err)
	require.Equal(t, Reject, verdict)
	require.Zero(t, fee)
}

func TestValidateAcceptsValidMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	publisher := identity.PeerID{1, 2, 3}
	frame, excess := signedFrame(t, priv, pub, publisher, []byte{1, 2, 3, 4, 3, 2, 1})

	history := NewCallHistory()
	fee, verdict, err := Validate(context.Background(), publisher, frame, fixedLookup(&kernel.Record{Fee: 10_000_000}, nil), history, feeBase, time.Now())

	require.NoError(t, err)
	require.Equal(t, Accept, verdict)
	require.Equal(t, uint64(10_000_000), fee)
	require.Equal(t, 1, history.Len(excess))
}

func TestValidateWrongPublisherRejects(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	publisher := identity.PeerID{1, 2, 3}
	frame, excess := signedFrame(t, priv, pub, publisher, []byte{1, 2, 3, 4, 3, 2, 1})

	otherPublisher := identity.PeerID{9, 9, 9}
	history := NewCallHistory()
	fee, verdict, err := Validate(context.Background(), otherPublisher, frame, fixedLookup(&kernel.Record{Fee: 10_000_000}, nil), history, feeBase, time.Now())

	require.NoError(t, err)
	require.Equal(t, Reject, verdict)
	require.Zero(t, fee)
	require.Zero(t, history.Len(excess))
}

func TestValidateFeeBelowFloorRejects(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	publisher := identity.PeerID{1, 2, 3}
	frame, _ := signedFrame(t, priv, pub, publisher, []byte{1, 2, 3})

	history := NewCallHistory()
	fee, verdict, err := Validate(context.Background(), publisher, frame, fixedLookup(&kernel.Record{Fee: 9_999_999}, nil), history, feeBase, time.Now())

	require.NoError(t, err)
	require.Equal(t, Reject, verdict)
	require.Zero(t, fee)
}

func TestValidateLookupErrorIgnores(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	publisher := identity.PeerID{1, 2, 3}
	frame, _ := signedFrame(t, priv, pub, publisher, []byte{1, 2, 3})

	history := NewCallHistory()
	fee, verdict, err := Validate(context.Background(), publisher, frame, fixedLookup(nil, context.DeadlineExceeded), history, feeBase, time.Now())

	require.NoError(t, err)
	require.Equal(t, Ignore, verdict)
	require.Zero(t, fee)
}

func TestValidateRateLimitTripsAtEleventhCall(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	publisher := identity.PeerID{1, 2, 3}
	frame, excess := signedFrame(t, priv, pub, publisher, []byte{1, 2, 3, 4, 3, 2, 1})

	lookup := fixedLookup(&kernel.Record{Fee: 10_000_000}, nil)
	history := NewCallHistory()
	base := time.Now()

	// Space the first 10 calls exactly at the allowed average period so
	// every one of them clears the quota (avg_period == 15s is not
	// "below" the floor).
	var last time.Time
	for i := 0; i < 10; i++ {
		last = base.Add(time.Duration(i) * IntegrityCallMaxPeriod)
		fee, verdict, err := Validate(context.Background(), publisher, frame, lookup, history, feeBase, last)
		require.NoError(t, err)
		require.Equal(t, Accept, verdict, "call %d", i)
		require.Equal(t, uint64(10_000_000), fee)
	}
	require.Equal(t, CallHistoryLenLimit, history.Len(excess))

	// The 11th call arrives almost immediately after the 10th, well
	// inside the quota window, so it trips the rate limit.
	fee, verdict, err := Validate(context.Background(), publisher, frame, lookup, history, feeBase, last.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, Reject, verdict)
	require.Zero(t, fee)
	require.Equal(t, CallHistoryLenLimit, history.Len(excess), "history keeps sliding on the violating call")
}

func TestValidateQuotaRecoversAfterIdle(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	publisher := identity.PeerID{1, 2, 3}
	frame, _ := signedFrame(t, priv, pub, publisher, []byte{1, 2, 3, 4, 3, 2, 1})

	lookup := fixedLookup(&kernel.Record{Fee: 10_000_000}, nil)
	history := NewCallHistory()
	base := time.Now()

	for i := 0; i < 11; i++ {
		_, _, err := Validate(context.Background(), publisher, frame, lookup, history, feeBase, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	recovered := base.Add(11*time.Second + 150*time.Second)
	fee, verdict, err := Validate(context.Background(), publisher, frame, lookup, history, feeBase, recovered)
	require.NoError(t, err)
	require.Equal(t, Accept, verdict)
	require.Equal(t, uint64(10_000_000), fee)
}

func TestCallHistoryGCRemovesStaleEntries(t *testing.T) {
	history := NewCallHistory()
	var excess [33]byte
	excess[0] = 7

	now := time.Now().Unix()
	history.record(excess, now)
	require.Equal(t, 1, history.Len(excess))

	history.GC(now + int64(CallHistoryRetention/time.Second) + 1)
	require.Zero(t, history.Len(excess))
}
