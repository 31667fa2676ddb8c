// Package p2p carries channels over libp2p streams. Streams are already
// encrypted and authenticated by libp2p, so channels skip their own
// encryption step, and payload transfers are not offered.
package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/device"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

// ProtocolID identifies channel streams
const ProtocolID = protocol.ID("/zentalk/link/1.0.0")

var (
	ErrNoAddress      = errors.New("peer has no known address")
	ErrNoPeerIdentity = errors.New("peer identity required")
)

// Config configures the libp2p host
type Config struct {
	ListenAddrs []string

	// BootstrapPeers are full /p2p multiaddrs. When set, a Kademlia DHT
	// is started and used to find addresses of peers dialed by id only.
	BootstrapPeers []string

	// PrivateKey is the host identity; a fresh Ed25519 key when nil
	PrivateKey crypto.PrivKey

	Timeouts channel.Timeouts
}

// Transport accepts and opens channels over libp2p streams
type Transport struct {
	host     host.Host
	routing  *dht.IpfsDHT
	identity func() *packet.Packet
	devices  *device.Manager
	timeouts channel.Timeouts
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// Callbacks
	OnAttached func(d *device.Device)
}

// New starts a libp2p host and registers the channel protocol
func New(ctx context.Context, cfg Config, identity func() *packet.Packet, devices *device.Manager, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("p2p")

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		host:     h,
		identity: identity,
		devices:  devices,
		timeouts: cfg.Timeouts,
		log:      logger,
		ctx:      tctx,
		cancel:   cancel,
	}

	if len(cfg.BootstrapPeers) > 0 {
		if err := t.startRouting(cfg.BootstrapPeers); err != nil {
			t.Close()
			return nil, err
		}
	}

	h.SetStreamHandler(ProtocolID, t.handleStream)

	logger.Info("libp2p host started",
		zap.String("peer", h.ID().String()),
		zap.Stringers("addrs", h.Addrs()))
	return t, nil
}

func (t *Transport) startRouting(bootstrap []string) error {
	var peers []peer.AddrInfo
	for _, s := range bootstrap {
		maddr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			t.log.Warn("invalid bootstrap peer address", zap.String("addr", s), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			t.log.Warn("failed to parse bootstrap peer", zap.String("addr", s), zap.Error(err))
			continue
		}
		peers = append(peers, *info)
	}
	if len(peers) == 0 {
		return errors.New("no usable bootstrap peers")
	}

	kad, err := dht.New(t.ctx, t.host,
		dht.Mode(dht.ModeAutoServer),
		dht.BootstrapPeers(peers...),
	)
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := kad.Bootstrap(t.ctx); err != nil {
		_ = kad.Close()
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	t.routing = kad
	t.log.Info("peer routing enabled", zap.Int("bootstrap_peers", len(peers)))
	return nil
}

// ID returns the host's peer id
func (t *Transport) ID() peer.ID {
	return t.host.ID()
}

// Addrs returns the dialable /p2p addresses of this host
func (t *Transport) Addrs() []multiaddr.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()})
	if err != nil {
		return nil
	}
	return addrs
}

func (t *Transport) options(peerIdentity *packet.Packet) channel.Options {
	return channel.Options{
		Identity:     t.identity,
		PeerIdentity: peerIdentity,
		Timeouts:     t.timeouts,
		Logger:       t.log,
	}
}

func (t *Transport) handleStream(s network.Stream) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = s.Reset()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	remote := s.Conn().RemotePeer()
	ch := channel.New(t.options(nil))
	if err := ch.Accept(t.ctx, NewConn(s)); err != nil {
		t.log.Debug("inbound channel rejected", zap.String("peer", remote.String()), zap.Error(err))
		return
	}

	if _, err := t.attach(ch); err != nil {
		t.log.Debug("inbound channel not attached", zap.String("peer", remote.String()), zap.Error(err))
	}
}

// Connect opens a channel to the peer at a /p2p multiaddr, or to a bare
// /p2p/<id> when peer routing is enabled
func (t *Transport) Connect(ctx context.Context, target string, peerIdentity *packet.Packet) (*device.Device, error) {
	maddr, err := multiaddr.NewMultiaddr(target)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", target, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", target, err)
	}
	return t.ConnectPeer(ctx, *info, peerIdentity)
}

// ConnectPeer opens a channel to info. Missing addresses are looked up
// through the DHT.
func (t *Transport) ConnectPeer(ctx context.Context, info peer.AddrInfo, peerIdentity *packet.Packet) (*device.Device, error) {
	if _, err := packet.ParseIdentity(peerIdentity); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoPeerIdentity, err)
	}

	if len(info.Addrs) == 0 && len(t.host.Peerstore().Addrs(info.ID)) == 0 {
		if t.routing == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoAddress, info.ID)
		}
		found, err := t.routing.FindPeer(ctx, info.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNoAddress, info.ID, err)
		}
		info = found
	}

	if err := t.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("connect %s: %w", info.ID, err)
	}

	s, err := t.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", info.ID, err)
	}

	ch := channel.New(t.options(peerIdentity))
	if err := ch.Open(ctx, NewConn(s)); err != nil {
		return nil, err
	}
	return t.attach(ch)
}

// attach hands the channel to its device; payload transfers are not
// supported on this transport
func (t *Transport) attach(ch *channel.Channel) (*device.Device, error) {
	d, err := t.devices.Attach(ch, nil, t.timeouts)
	if err != nil {
		return nil, err
	}
	if cb := t.OnAttached; cb != nil {
		cb(d)
	}
	return d, nil
}

// Close stops the host and waits for pending handshakes
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.host.RemoveStreamHandler(ProtocolID)
	t.cancel()
	t.wg.Wait()

	if t.routing != nil {
		_ = t.routing.Close()
	}
	return t.host.Close()
}
