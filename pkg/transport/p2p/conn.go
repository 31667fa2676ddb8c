package p2p

import (
	"net"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Addr is the address of a stream endpoint whose multiaddr has no
// net.Addr form, e.g. a relayed or QUIC connection
type Addr struct {
	Peer      peer.ID
	Multiaddr multiaddr.Multiaddr
}

func (a Addr) Network() string { return "libp2p" }

func (a Addr) String() string {
	if a.Multiaddr == nil {
		return "/p2p/" + a.Peer.String()
	}
	return a.Multiaddr.String() + "/p2p/" + a.Peer.String()
}

// streamConn adapts a libp2p stream to net.Conn so a channel can run
// over it unchanged
type streamConn struct {
	network.Stream
}

// NewConn wraps s as a net.Conn
func NewConn(s network.Stream) net.Conn {
	return &streamConn{Stream: s}
}

func (c *streamConn) LocalAddr() net.Addr {
	conn := c.Stream.Conn()
	return netAddr(conn.LocalMultiaddr(), conn.LocalPeer())
}

func (c *streamConn) RemoteAddr() net.Addr {
	conn := c.Stream.Conn()
	return netAddr(conn.RemoteMultiaddr(), conn.RemotePeer())
}

// netAddr converts a thin-waist multiaddr to its net.Addr and falls back
// to Addr for everything else
func netAddr(m multiaddr.Multiaddr, id peer.ID) net.Addr {
	if m != nil {
		if addr, err := manet.ToNetAddr(m); err == nil {
			return addr
		}
	}
	return Addr{Peer: id, Multiaddr: m}
}
