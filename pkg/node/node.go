// Package node wires identity, transport, and gossip into the runnable
// torgossip process: derive the node's onion identity, bring up the
// onion-only libp2p host, join the gossip topics registered in the
// handler table, and keep the mesh populated until the context is
// cancelled.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/transport"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/mwc-onion/torgossip/pkg/config"
	"github.com/mwc-onion/torgossip/pkg/directory"
	"github.com/mwc-onion/torgossip/pkg/gossip"
	"github.com/mwc-onion/torgossip/pkg/identity"
	"github.com/mwc-onion/torgossip/pkg/kernel"
	"github.com/mwc-onion/torgossip/pkg/onion"
	onetransport "github.com/mwc-onion/torgossip/pkg/transport"
)

const (
	// ReconnectTickInterval is the dialer's base tick; it acts once every
	// ReconnectActionEveryNTicks ticks.
	ReconnectTickInterval = time.Second
	// ReconnectActionEveryNTicks spaces out dial attempts so a thundering
	// herd of new connections doesn't hit the mesh every second.
	ReconnectActionEveryNTicks = 10
	// HistoryGCInterval is how often the validator's per-kernel call
	// history is swept for entries past CallHistoryRetention.
	HistoryGCInterval = 600 * time.Second
)

// registeredTopic is one entry of the handler table: the application
// handler a caller wants invoked for messages that pass the integrity
// validator on a given topic.
type registeredTopic struct {
	handler gossip.HandlerFunc
}

// minimal subset of host.Host this package calls directly, so tests can
// substitute a fake without building a real libp2p host.
type p2pHost interface {
	Connect(ctx context.Context, pi peer.AddrInfo) error
	Network() network.Network
	Close() error
}

// Node is a single torgossip process. Callers register application
// handlers with RegisterHandler before calling Run; Run performs the
// entire initialization sequence (identity derivation, transport and
// host construction, gossip behaviour setup, topic subscription) and
// then blocks until ctx is cancelled.
type Node struct {
	handlersMu   sync.Mutex
	handlerTable map[string]registeredTopic

	mu        sync.Mutex
	self      onion.Address
	host      p2pHost
	swarm     *gossip.Swarm
	directory *directory.Directory
	seedList  []string

	dialingMu sync.Mutex
	dialing   map[peer.ID]struct{}

	wg sync.WaitGroup
}

// New returns an empty Node. Register application topic handlers with
// RegisterHandler before calling Run.
func New() *Node {
	return &Node{handlerTable: make(map[string]registeredTopic)}
}

// RegisterHandler adds topic to the handler table. Must be called before
// Run; Run subscribes every registered topic as part of its init order.
func (n *Node) RegisterHandler(topic string, handler gossip.HandlerFunc) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	n.handlerTable[topic] = registeredTopic{handler: handler}
}

// Self returns this node's own onion address. Valid only after Run has
// completed its init phase.
func (n *Node) Self() onion.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}

// Swarm exposes the installed gossip swarm for publishing application
// messages. Valid only after Run has completed its init phase.
func (n *Node) Swarm() *gossip.Swarm {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.swarm
}

// Run derives the node's identity from cfg.TorSecret, builds the
// onion-only libp2p host and gossip swarm, subscribes every topic in the
// handler table, installs the swarm into the node's process-wide slot,
// and then blocks — running the reconnection task and the 600s
// CallHistory GC sweep — until ctx is cancelled.
func (n *Node) Run(ctx context.Context, cfg config.Config, lookup kernel.Lookup) error {
	id, err := identity.Derive([]byte(cfg.TorSecret))
	if err != nil {
		return fmt.Errorf("node: deriving identity: %w", err)
	}

	selfAddr, err := onion.FromPeerID(id.PeerID)
	if err != nil {
		return fmt.Errorf("node: computing onion address: %w", err)
	}
	selfMultiaddr, err := selfAddr.Multiaddr()
	if err != nil {
		return fmt.Errorf("node: building onion multiaddr: %w", err)
	}

	priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(id.Private)
	if err != nil {
		return fmt.Errorf("node: converting identity to libp2p key: %w", err)
	}

	socksAddr := fmt.Sprintf("127.0.0.1:%d", cfg.TorSOCKSPort)

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(selfMultiaddr),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.Transport(func(upgrader transport.Upgrader, rcmgr network.ResourceManager) (transport.Transport, error) {
			return onetransport.New(upgrader, rcmgr, socksAddr, selfMultiaddr, cfg.Libp2pPort), nil
		}),
	)
	if err != nil {
		return fmt.Errorf("node: building libp2p host: %w", err)
	}

	dir := directory.New()
	if len(cfg.SeedList) > 0 {
		dir.Reseed(cfg.SeedList, time.Now())
	}

	sw, err := gossip.New(ctx, h, id.PeerID, cfg.FeeBase, lookup, dir)
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("node: building gossip swarm: %w", err)
	}

	n.handlersMu.Lock()
	topics := make(map[string]registeredTopic, len(n.handlerTable))
	for name, rt := range n.handlerTable {
		topics[name] = rt
	}
	n.handlersMu.Unlock()

	for name, rt := range topics {
		if err := sw.AddTopic(ctx, name, rt.handler); err != nil {
			_ = h.Close()
			return fmt.Errorf("node: registering topic %q: %w", name, err)
		}
	}

	// Install into the process-wide slot. The swarm mutex is always taken
	// before the directory's own mutex at call sites that need both, so
	// the dial loop below locks n.mu, reads n.directory, then unlocks
	// before calling into directory's own locking.
	n.mu.Lock()
	n.self = selfAddr
	n.host = h
	n.swarm = sw
	n.directory = dir
	n.seedList = cfg.SeedList
	n.mu.Unlock()

	slog.Info("node: running", "self", string(selfAddr), "topics", len(topics))

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.dialLoop(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.historyGCLoop(ctx)
	}()

	<-ctx.Done()
	slog.Info("node: context cancelled, shutting down")
	n.wg.Wait()
	return h.Close()
}

// dialLoop is the mesh-maintenance task: every ReconnectActionEveryNTicks
// seconds, if the live connection count is below the low watermark, pop
// a random onion address from the directory and dial it; if the
// directory is empty and there are no live connections, reseed it from
// the configured seed list.
func (n *Node) dialLoop(ctx context.Context) {
	ticker := time.NewTicker(ReconnectTickInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			if tick%ReconnectActionEveryNTicks != 0 {
				continue
			}
			n.maintainMesh(ctx)
		}
	}
}

// maxDialCandidatesPerTick bounds how many directory entries maintainMesh
// will pop and discard in a single tick while looking for a peer it is
// actually allowed to dial, so a directory full of stale self/already-
// connected entries cannot spin the loop indefinitely.
const maxDialCandidatesPerTick = 5

func (n *Node) maintainMesh(ctx context.Context) {
	n.mu.Lock()
	h, dir, seeds, self := n.host, n.directory, n.seedList, n.self
	n.mu.Unlock()

	connected := len(h.Network().Peers())
	if connected >= gossip.MeshLowWatermark {
		return
	}

	selfIdentityID, err := self.PeerID()
	if err != nil {
		slog.Warn("node: own onion address is invalid", "error", err)
		return
	}
	selfPeerID, err := peerIDFromPeerID(selfIdentityID)
	if err != nil {
		slog.Warn("node: could not derive own libp2p peer id", "error", err)
		return
	}

	for attempt := 0; attempt < maxDialCandidatesPerTick; attempt++ {
		onionStr, ok := dir.PopRandom()
		if !ok {
			if connected == 0 && len(seeds) > 0 {
				dir.Reseed(seeds, time.Now())
			}
			return
		}

		addr := onion.Address(onionStr)
		pid, err := addr.PeerID()
		if err != nil {
			slog.Warn("node: directory held an invalid onion address", "address", onionStr, "error", err)
			continue
		}
		p2pPeerID, err := peerIDFromPeerID(pid)
		if err != nil {
			slog.Warn("node: could not derive libp2p peer id", "address", onionStr, "error", err)
			continue
		}

		// Never dial ourselves, a peer we are already connected to, or a
		// peer another dialLoop tick is already in the middle of dialing.
		if p2pPeerID == selfPeerID {
			continue
		}
		if h.Network().Connectedness(p2pPeerID) == network.Connected {
			continue
		}
		if !n.markDialing(p2pPeerID) {
			continue
		}

		maddr, err := addr.Multiaddr()
		if err != nil {
			n.unmarkDialing(p2pPeerID)
			slog.Warn("node: directory address has no dialable multiaddr", "address", onionStr, "error", err)
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		err = h.Connect(dialCtx, peer.AddrInfo{ID: p2pPeerID, Addrs: []ma.Multiaddr{maddr}})
		cancel()
		n.unmarkDialing(p2pPeerID)
		if err != nil {
			slog.Debug("node: dial failed", "address", onionStr, "error", err)
		}
		return
	}
}

// markDialing records pid as being actively dialed, reporting false if
// it is already in flight so the caller can skip it. unmarkDialing
// clears the record once the dial attempt (successful or not) completes.
func (n *Node) markDialing(pid peer.ID) bool {
	n.dialingMu.Lock()
	defer n.dialingMu.Unlock()
	if n.dialing == nil {
		n.dialing = make(map[peer.ID]struct{})
	}
	if _, inFlight := n.dialing[pid]; inFlight {
		return false
	}
	n.dialing[pid] = struct{}{}
	return true
}

func (n *Node) unmarkDialing(pid peer.ID) {
	n.dialingMu.Lock()
	defer n.dialingMu.Unlock()
	delete(n.dialing, pid)
}

// historyGCLoop periodically discards rate-limiter history entries for
// kernels that have gone quiet, bounding the validator's memory use.
func (n *Node) historyGCLoop(ctx context.Context) {
	ticker := time.NewTicker(HistoryGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			sw := n.swarm
			n.mu.Unlock()
			if sw != nil {
				sw.History.GC(time.Now().Unix())
			}
		}
	}
}

func peerIDFromPeerID(id identity.PeerID) (peer.ID, error) {
	pub, err := libp2pcrypto.UnmarshalEd25519PublicKey(id[:])
	if err != nil {
		return "", fmt.Errorf("unmarshaling ed25519 public key: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}
