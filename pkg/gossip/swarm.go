// Package gossip wraps go-libp2p-pubsub's gossipsub router into the
// Swarm the node runtime installs into its process-wide slot: a single
// host plus a handler table of registered topics, each backed by an
// explicit-validation topic validator that runs the integrity check (for
// application topics) or the peer-exchange ingestion rule (for the
// reserved PeerTopic) before the gossip layer ever forwards a message.
package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mwc-onion/torgossip/pkg/directory"
	"github.com/mwc-onion/torgossip/pkg/envelope"
	"github.com/mwc-onion/torgossip/pkg/identity"
	"github.com/mwc-onion/torgossip/pkg/kernel"
	"github.com/mwc-onion/torgossip/pkg/onion"
	"github.com/mwc-onion/torgossip/pkg/otelboot"
	"github.com/mwc-onion/torgossip/pkg/validator"
)

const (
	// PeerTopic is the reserved topic carrying peer-exchange frames. We
	// subscribe and consume but never publish on it; propagation of
	// peer-exchange messages beyond one hop is intentionally disabled
	// (see handlePeerExchange).
	PeerTopic = "torgossip/peer-exchange/1"

	// HeartbeatInterval is the gossipsub heartbeat period.
	HeartbeatInterval = 5 * time.Second

	// MeshLowWatermark is the connection count below which the dialer
	// attempts another dial. It equals DefaultMeshHigh: the dialer keeps
	// dialing until the mesh is full.
	MeshLowWatermark = DefaultMeshHigh
	// DefaultMeshHigh is the target mesh degree the dialer aims for.
	DefaultMeshHigh = 12
)

// HandlerFunc is the per-topic application handler. It receives the
// decoded payload and the fee the validator resolved for this message,
// and returns whether the message is accepted.
type HandlerFunc func(publisher identity.PeerID, topic string, payload []byte, paidFee uint64) bool

type registeredTopic struct {
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler HandlerFunc
}

// peerBanner is the subset of *pubsub.PubSub's API disconnectAndBan
// needs. Declared separately so tests can exercise the directory-poison
// defense against a fake without standing up a real gossipsub router.
type peerBanner interface {
	BlacklistPeer(pid peer.ID)
}

// Swarm holds the single process-wide libp2p host and pubsub instance,
// plus the handler table mapping topic name to its registered handler.
// All access is mediated through mu so the gossip-event pump and the
// reconnection task never race on topic membership.
type Swarm struct {
	Host      host.Host
	PS        *pubsub.PubSub
	Self      identity.PeerID
	FeeBase   uint64
	Lookup    kernel.Lookup
	History   *validator.CallHistory
	Directory *directory.Directory

	// banner defaults to PS (set in New); tests substitute a fake so
	// disconnectAndBan's BlacklistPeer call can be asserted without a
	// real pubsub instance.
	banner peerBanner

	mu     sync.Mutex
	topics map[string]*registeredTopic
}

// New builds a Swarm over h with gossipsub behaviour configured per the
// node runtime's contract: 5s heartbeat, strict signing, explicit
// validation (every delivered message requires a validator verdict
// before gossip forwards it), and an ed25519-only peer filter.
func New(ctx context.Context, h host.Host, self identity.PeerID, feeBase uint64, lookup kernel.Lookup, dir *directory.Directory) (*Swarm, error) {
	params := pubsub.DefaultGossipSubParams()
	params.HeartbeatInterval = HeartbeatInterval

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithGossipSubParams(params),
		pubsub.WithPeerFilter(ed25519OnlyFilter(h)),
	)
	if err != nil {
		return nil, fmt.Errorf("gossip: building gossipsub: %w", err)
	}

	sw := &Swarm{
		Host:      h,
		PS:        ps,
		Self:      self,
		FeeBase:   feeBase,
		Lookup:    lookup,
		History:   validator.NewCallHistory(),
		Directory: dir,
		banner:    ps,
		topics:    make(map[string]*registeredTopic),
	}

	if err := sw.addPeerTopic(); err != nil {
		return nil, err
	}
	return sw, nil
}

func ed25519OnlyFilter(h host.Host) pubsub.PeerFilter {
	return func(pid peer.ID, topic string) bool {
		pub := h.Peerstore().PubKey(pid)
		if pub == nil {
			return false
		}
		return pub.Type() == crypto.Ed25519
	}
}

// AddTopic joins topic, registers an explicit validator that runs
// validator.Validate and then handler, and subscribes. Safe to call
// after Run has started; the initial Handler Table is subscribed at
// startup per the node runtime's init order, but later registration is
// also supported (see design note on handler registration ordering).
func (s *Swarm) AddTopic(ctx context.Context, name string, handler HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.topics[name]; exists {
		return fmt.Errorf("gossip: topic %q already registered", name)
	}

	topic, err := s.PS.Join(name)
	if err != nil {
		return fmt.Errorf("gossip: joining topic %q: %w", name, err)
	}

	val := s.applicationValidator(name, handler)
	if err := s.PS.RegisterTopicValidator(name, val); err != nil {
		return fmt.Errorf("gossip: registering validator for %q: %w", name, err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("gossip: subscribing to %q: %w", name, err)
	}

	s.topics[name] = &registeredTopic{topic: topic, sub: sub, handler: handler}
	go s.drain(ctx, name, sub)
	return nil
}

// RemoveTopic unregisters and leaves a previously added topic.
func (s *Swarm) RemoveTopic(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.topics[name]
	if !ok {
		return fmt.Errorf("gossip: topic %q not registered", name)
	}
	rt.sub.Cancel()
	if err := s.PS.UnregisterTopicValidator(name); err != nil {
		slog.Warn("gossip: unregister validator failed", "topic", name, "error", err)
	}
	if err := rt.topic.Close(); err != nil {
		slog.Warn("gossip: topic close failed", "topic", name, "error", err)
	}
	delete(s.topics, name)
	return nil
}

// Publish sends frame on topic. The caller is the host application, not
// a handler — handlers never publish from within a validator callback.
func (s *Swarm) Publish(ctx context.Context, name string, frame []byte) error {
	s.mu.Lock()
	rt, ok := s.topics[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("gossip: topic %q not registered", name)
	}
	return rt.topic.Publish(ctx, frame)
}

// applicationValidator wraps validator.Validate and handler into the
// shape go-libp2p-pubsub's explicit validation mode expects: the
// returned ValidationResult IS the report back to the gossip layer,
// replacing the spec's separate report_message_validation_result call.
func (s *Swarm) applicationValidator(topicName string, handler HandlerFunc) pubsub.ValidatorEx {
	return func(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
		publisher, err := peerIDToIdentity(from)
		if err != nil {
			slog.Debug("gossip: could not recover publisher identity", "topic", topicName, "error", err)
			return pubsub.ValidationReject
		}

		spanCtx, span := otelboot.StartSpan(ctx, "torgossip.validate")
		fee, verdict, err := validator.Validate(spanCtx, publisher, msg.Data, s.Lookup, s.History, s.FeeBase, time.Now())
		span.SetAttributes(attribute.String("torgossip.verdict", verdict.String()))
		span.End()
		if err != nil {
			slog.Debug("gossip: validate error", "topic", topicName, "error", err)
			return pubsub.ValidationReject
		}
		switch verdict {
		case validator.Ignore:
			return pubsub.ValidationIgnore
		case validator.Reject:
			return pubsub.ValidationReject
		}

		payload := envelope.ReadMessageData(msg.Data)
		if !handler(publisher, topicName, payload, fee) {
			return pubsub.ValidationReject
		}
		return pubsub.ValidationAccept
	}
}

// addPeerTopic wires PeerTopic's validator: reject-and-ban messages from
// peers we are not currently connected to (directory poisoning defense),
// otherwise decode the PeerExchangeFrame into the directory and report
// Ignore so the message is not re-propagated — an explicit design
// choice, not a bug (see spec open questions).
func (s *Swarm) addPeerTopic() error {
	topic, err := s.PS.Join(PeerTopic)
	if err != nil {
		return fmt.Errorf("gossip: joining peer topic: %w", err)
	}

	val := func(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
		return s.handlePeerExchange(from, msg.Data)
	}

	if err := s.PS.RegisterTopicValidator(PeerTopic, val); err != nil {
		return fmt.Errorf("gossip: registering peer topic validator: %w", err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("gossip: subscribing to peer topic: %w", err)
	}
	s.topics[PeerTopic] = &registeredTopic{topic: topic, sub: sub}
	go s.drain(context.Background(), PeerTopic, sub)
	return nil
}

// drain pumps a subscription's channel so go-libp2p-pubsub's internal
// delivery queue does not block; the actual accept/reject decision was
// already made by the registered validator, so this loop has no work
// beyond keeping the channel flowing.
func (s *Swarm) drain(ctx context.Context, name string, sub *pubsub.Subscription) {
	for {
		if _, err := sub.Next(ctx); err != nil {
			return
		}
	}
}

// handlePeerExchange is PeerTopic's validation rule: reject and ban
// messages from peers we are not currently connected to (the directory-
// poisoning defense, spec §4.1/§7 scenario 6), reject and ban malformed
// or non-ed25519 frames, and otherwise fold the announced neighbor list
// into the directory, reporting Ignore so the message is never
// re-propagated.
func (s *Swarm) handlePeerExchange(from peer.ID, data []byte) pubsub.ValidationResult {
	if !s.isConnected(from) {
		slog.Warn("gossip: peer exchange from non-neighbor, banning", "peer", from)
		s.disconnectAndBan(from)
		return pubsub.ValidationReject
	}

	frame, err := envelope.DecodePeerExchangeFrame(data)
	if err != nil {
		slog.Warn("gossip: malformed peer exchange frame, banning", "peer", from, "error", err)
		s.disconnectAndBan(from)
		return pubsub.ValidationReject
	}

	sourceID, err := peerIDToIdentity(from)
	if err != nil {
		slog.Warn("gossip: peer exchange from a non-ed25519 peer, banning", "peer", from, "error", err)
		s.disconnectAndBan(from)
		return pubsub.ValidationReject
	}
	addresses := make([]string, 0, len(frame.Peers))
	for _, p := range frame.Peers {
		addresses = append(addresses, peerIDToOnion(p))
	}
	s.Directory.Learn(peerIDToOnion(sourceID), addresses, time.Now())

	return pubsub.ValidationIgnore
}

func (s *Swarm) isConnected(pid peer.ID) bool {
	return s.Host.Network().Connectedness(pid).String() == "Connected"
}

// disconnectAndBan forcibly closes the connection to pid and blacklists
// it at the pubsub layer, so the stranger cannot immediately reconnect
// and resume publishing peer-exchange frames.
func (s *Swarm) disconnectAndBan(pid peer.ID) {
	_ = s.Host.Network().ClosePeer(pid)
	s.banner.BlacklistPeer(pid)
}

// peerIDToIdentity recovers the raw ed25519 public key a libp2p peer.ID
// was derived from. This only works for "identity" multihash peer IDs,
// which is what every peer in this mesh has since the ed25519-only peer
// filter rejects everything else at the swarm level.
func peerIDToIdentity(pid peer.ID) (identity.PeerID, error) {
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("extracting public key from peer id: %w", err)
	}
	if pub.Type() != crypto.Ed25519 {
		return identity.PeerID{}, fmt.Errorf("peer id is not backed by an ed25519 key")
	}
	raw, err := pub.Raw()
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("reading raw public key bytes: %w", err)
	}
	var id identity.PeerID
	copy(id[:], raw)
	return id, nil
}

func peerIDToOnion(id identity.PeerID) string {
	addr, err := onion.FromPeerID(id)
	if err != nil {
		// id is always 32 raw ed25519 pubkey bytes, so Encode cannot
		// fail; this only guards against a future PeerID size change.
		return fmt.Sprintf("%x", id[:])
	}
	return string(addr)
}
