// Package transport implements the onion-only libp2p transport: outbound
// dials go through a local Tor SOCKS5 proxy to the peer's onion3 address,
// and inbound connections arrive on a plain loopback TCP listener that the
// operator's Tor hidden service configuration forwards virtual port 81 to.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/transport"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/net/proxy"
)

// DefaultDialTimeout bounds a single SOCKS5 dial attempt when the caller's
// context carries no deadline.
const DefaultDialTimeout = 30 * time.Second

// Transport dials and accepts onion3 multiaddrs only; CanDial rejects every
// other protocol, so the libp2p swarm never falls back to clearnet.
type Transport struct {
	upgrader  transport.Upgrader
	rcmgr     network.ResourceManager
	socksAddr string
	selfAddr  ma.Multiaddr
	localPort int
}

var _ transport.Transport = (*Transport)(nil)

// New builds a Transport that dials through the Tor SOCKS5 proxy at
// socksAddr (e.g. "127.0.0.1:9050") and upgrades connections with upgrader
// (Noise security plus the yamux muxer the host was built with). selfAddr is this node's own onion3 multiaddr, reported as the
// local address of outbound connections. localPort is the unprivileged
// TCP port Listen binds on; the operator's hidden service configuration
// is responsible for forwarding the advertised virtual port (DialPort) to
// it, so the two need not (and for ports below 1024, must not) match.
func New(upgrader transport.Upgrader, rcmgr network.ResourceManager, socksAddr string, selfAddr ma.Multiaddr, localPort int) *Transport {
	return &Transport{upgrader: upgrader, rcmgr: rcmgr, socksAddr: socksAddr, selfAddr: selfAddr, localPort: localPort}
}

// Protocols reports the multiaddr protocol codes this transport handles.
func (t *Transport) Protocols() []int {
	return []int{ma.P_ONION3}
}

// Proxy reports that connections made by this transport are not
// transparent to higher layers (mirrors the onion3 convention used by
// other libp2p onion transports).
func (t *Transport) Proxy() bool { return true }

// CanDial reports whether addr is a dialable onion3 multiaddr.
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	_, _, err := onionHostPort(addr)
	return err == nil
}

// Dial opens a connection to raddr through the Tor SOCKS5 proxy and
// upgrades it to a secure, muxed connection to peer p.
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, p peer.ID) (transport.CapableConn, error) {
	host, port, err := onionHostPort(raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	scope, err := t.rcmgr.OpenConnection(network.DirOutbound, true, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resource manager denied outbound connection: %w", err)
	}

	baseDialer := &net.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		baseDialer.Deadline = deadline
	} else {
		baseDialer.Timeout = DefaultDialTimeout
	}

	socksDialer, err := proxy.SOCKS5("tcp", t.socksAddr, nil, baseDialer)
	if err != nil {
		scope.Done()
		return nil, fmt.Errorf("transport: building SOCKS5 dialer: %w", err)
	}

	target := fmt.Sprintf("%s:%d", host, port)
	conn, err := socksDialer.Dial("tcp", target)
	if err != nil {
		scope.Done()
		return nil, fmt.Errorf("transport: dialing %s via tor: %w", target, err)
	}

	local := t.selfAddr
	if local == nil {
		local = emptyOnionAddr()
	}
	wrapped := &manetConn{Conn: conn, local: local, remote: raddr}
	capable, err := t.upgrader.Upgrade(ctx, t, wrapped, network.DirOutbound, p, scope)
	if err != nil {
		scope.Done()
		_ = conn.Close()
		return nil, fmt.Errorf("transport: upgrading connection to %s: %w", target, err)
	}
	return capable, nil
}

// Listen starts the loopback TCP listener the hidden service forwards its
// virtual port (DialPort) to. laddr must be an onion3 multiaddr
// identifying this node's own address; the network side is always a
// plain TCP socket since Tor, not this process, terminates the
// onion-routed circuit. The socket binds to t.localPort, not to the
// onion port embedded in laddr: the advertised virtual port is always
// DialPort (81, a privileged port this process must not itself bind),
// and it is the operator's hidden service configuration that forwards it
// to t.localPort.
func (t *Transport) Listen(laddr ma.Multiaddr) (transport.Listener, error) {
	if _, _, err := onionHostPort(laddr); err != nil {
		return nil, fmt.Errorf("transport: listen address is not onion3: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.localPort))
	if err != nil {
		return nil, fmt.Errorf("transport: binding loopback listener for hidden service forward: %w", err)
	}

	return &listener{t: t, ln: ln, laddr: laddr}, nil
}

type listener struct {
	t     *Transport
	ln    net.Listener
	laddr ma.Multiaddr
}

func (l *listener) Accept() (transport.CapableConn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}

	scope, err := l.t.rcmgr.OpenConnection(network.DirInbound, true, l.laddr)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: resource manager denied inbound connection: %w", err)
	}

	// The hidden service forwards the caller's onion-routed circuit to this
	// loopback socket; Tor itself never reveals the caller's onion address
	// at the TCP layer, so the remote multiaddr here is opaque local Tor
	// plumbing, not the peer's real address. The Noise handshake performed
	// by the upgrader is what actually authenticates the remote PeerID.
	remote, err := manet.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		remote = emptyOnionAddr()
	}
	wrapped := &manetConn{Conn: conn, local: l.laddr, remote: remote}

	capable, err := l.t.upgrader.Upgrade(context.Background(), l.t, wrapped, network.DirInbound, "", scope)
	if err != nil {
		scope.Done()
		_ = conn.Close()
		return nil, fmt.Errorf("transport: upgrading inbound connection: %w", err)
	}
	return capable, nil
}

func (l *listener) Close() error { return l.ln.Close() }

func (l *listener) Addr() net.Addr { return l.ln.Addr() }

func (l *listener) Multiaddr() ma.Multiaddr { return l.laddr }

var _ transport.Listener = (*listener)(nil)

// manetConn adapts a plain net.Conn into manet.Conn by attaching the
// multiaddrs the transport already computed, since Tor's net.Conn carries
// no usable address information of its own.
type manetConn struct {
	net.Conn
	local, remote ma.Multiaddr
}

func (c *manetConn) LocalMultiaddr() ma.Multiaddr { return c.local }

func (c *manetConn) RemoteMultiaddr() ma.Multiaddr { return c.remote }

var _ manet.Conn = (*manetConn)(nil)

func onionHostPort(addr ma.Multiaddr) (host string, port int, err error) {
	val, err := addr.ValueForProtocol(ma.P_ONION3)
	if err != nil {
		return "", 0, fmt.Errorf("not an onion3 multiaddr: %w", err)
	}
	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed onion3 value %q", val)
	}
	port, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("malformed onion3 port in %q: %w", val, err)
	}
	return parts[0] + ".onion", port, nil
}

func emptyOnionAddr() ma.Multiaddr {
	addr, err := ma.NewMultiaddr("/onion3/" + strings.Repeat("a", 55) + "a:0")
	if err != nil {
		panic(err)
	}
	return addr
}
