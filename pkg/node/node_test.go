package node

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/mwc-onion/torgossip/pkg/directory"
	"github.com/mwc-onion/torgossip/pkg/gossip"
	"github.com/mwc-onion/torgossip/pkg/identity"
	"github.com/mwc-onion/torgossip/pkg/onion"
)

func mustOnion(t *testing.T, id *identity.Identity) onion.Address {
	t.Helper()
	addr, err := onion.FromPeerID(id.PeerID)
	require.NoError(t, err)
	return addr
}

func fixedNow() time.Time { return time.Unix(1_700_000_000, 0) }

// fakeNetwork embeds network.Network so it satisfies the interface
// without implementing every method; only Peers and Connectedness are
// exercised by maintainMesh.
type fakeNetwork struct {
	network.Network
	peers     []peer.ID
	connected map[peer.ID]bool
}

func (f *fakeNetwork) Peers() []peer.ID { return f.peers }

func (f *fakeNetwork) Connectedness(pid peer.ID) network.Connectedness {
	if f.connected[pid] {
		return network.Connected
	}
	return network.NotConnected
}

type fakeHost struct {
	net        *fakeNetwork
	connectErr error
	connected  []peer.AddrInfo
}

func (f *fakeHost) Connect(ctx context.Context, pi peer.AddrInfo) error {
	f.connected = append(f.connected, pi)
	return f.connectErr
}

func (f *fakeHost) Network() network.Network { return f.net }

func (f *fakeHost) Close() error { return nil }

func TestRegisterHandlerPopulatesHandlerTable(t *testing.T) {
	n := New()
	n.RegisterHandler("torgossip/demo/1", func(identity.PeerID, string, []byte, uint64) bool { return true })

	require.Len(t, n.handlerTable, 1)
	_, ok := n.handlerTable["torgossip/demo/1"]
	require.True(t, ok)
}

func TestPeerIDFromPeerIDIsDeterministic(t *testing.T) {
	id, err := identity.Derive([]byte("a node test secret long enough for derivation"))
	require.NoError(t, err)

	first, err := peerIDFromPeerID(id.PeerID)
	require.NoError(t, err)
	second, err := peerIDFromPeerID(id.PeerID)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func selfIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Derive([]byte("a node self identity secret long enough for use"))
	require.NoError(t, err)
	return id
}

func TestMaintainMeshSkipsDialWhenMeshIsFull(t *testing.T) {
	peers := make([]peer.ID, gossip.MeshLowWatermark)
	fh := &fakeHost{net: &fakeNetwork{peers: peers}}

	n := &Node{
		host:      fh,
		directory: directory.New(),
		self:      mustOnion(t, selfIdentity(t)),
	}

	n.maintainMesh(context.Background())
	require.Empty(t, fh.connected)
}

func TestMaintainMeshDialsFromDirectoryWhenBelowWatermark(t *testing.T) {
	fh := &fakeHost{net: &fakeNetwork{peers: nil}}

	id, err := identity.Derive([]byte("a node dial test secret long enough for use"))
	require.NoError(t, err)

	dir := directory.New()
	dir.Reseed([]string{string(mustOnion(t, id))}, fixedNow())

	n := &Node{
		host:      fh,
		directory: dir,
		self:      mustOnion(t, selfIdentity(t)),
	}

	n.maintainMesh(context.Background())
	require.Len(t, fh.connected, 1)
}

func TestMaintainMeshSkipsSelfAndAlreadyConnectedCandidates(t *testing.T) {
	self := selfIdentity(t)
	selfAddr := mustOnion(t, self)
	selfP2PID, err := peerIDFromPeerID(self.PeerID)
	require.NoError(t, err)

	connectedID, err := identity.Derive([]byte("a node already-connected secret long enough"))
	require.NoError(t, err)
	connectedAddr := mustOnion(t, connectedID)
	connectedP2PID, err := peerIDFromPeerID(connectedID.PeerID)
	require.NoError(t, err)

	dialableID, err := identity.Derive([]byte("a node dialable candidate secret long enough"))
	require.NoError(t, err)
	dialableAddr := mustOnion(t, dialableID)

	fh := &fakeHost{net: &fakeNetwork{
		peers:     []peer.ID{connectedP2PID},
		connected: map[peer.ID]bool{connectedP2PID: true},
	}}

	dir := directory.New()
	// Reseed with self and the already-connected peer first; PopRandom is
	// randomized, so maintainMesh must skip both no matter the draw order
	// and fall through to the one legitimately dialable candidate.
	dir.Reseed([]string{string(selfAddr), string(connectedAddr), string(dialableAddr)}, fixedNow())

	n := &Node{
		host:      fh,
		directory: dir,
		self:      selfAddr,
	}

	dialableP2PID, err := peerIDFromPeerID(dialableID.PeerID)
	require.NoError(t, err)

	n.maintainMesh(context.Background())
	require.Len(t, fh.connected, 1)
	require.Equal(t, dialableP2PID, fh.connected[0].ID)
	require.NotEqual(t, selfP2PID, fh.connected[0].ID)
	require.NotEqual(t, connectedP2PID, fh.connected[0].ID)
}
