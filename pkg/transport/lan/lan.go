// Package lan carries channels over plain TCP on the local network, with
// payload transfers on a separate short-lived connection per transfer.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/device"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

// Default ports
const (
	DefaultPort           = 1716
	DefaultPayloadPortMin = 1739
	DefaultPayloadPortMax = 1764
)

var (
	ErrNoPeerIdentity = errors.New("peer identity required")
	ErrSelfConnection = errors.New("connection from own device id")
	ErrNotListening   = errors.New("transport not listening")
)

// Negotiator provides the encryption hooks for both roles. secure.TLS and
// secure.Noise implement it.
type Negotiator interface {
	Server() channel.Hook
	Client() channel.Hook
}

// Config configures the LAN transport
type Config struct {
	// ListenAddr is the TCP address channels are accepted on
	ListenAddr string

	// PayloadPortMin and PayloadPortMax bound the ports uploads listen
	// on. Zero picks an ephemeral port.
	PayloadPortMin int
	PayloadPortMax int

	// KeepAlive is the idle time before keepalive probes start; zero
	// leaves the system default
	KeepAlive time.Duration

	Timeouts channel.Timeouts
}

// DefaultConfig returns the standard ports and timeouts
func DefaultConfig() Config {
	return Config{
		ListenAddr:     fmt.Sprintf(":%d", DefaultPort),
		PayloadPortMin: DefaultPayloadPortMin,
		PayloadPortMax: DefaultPayloadPortMax,
		KeepAlive:      10 * time.Second,
		Timeouts: channel.Timeouts{
			Handshake: 10 * time.Second,
		},
	}
}

// Transport accepts and dials TCP channels and attaches them to devices
type Transport struct {
	cfg        Config
	identity   func() *packet.Packet
	negotiator Negotiator
	devices    *device.Manager
	payload    *Payload
	log        *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup

	// Callbacks
	OnAttached func(d *device.Device)
}

// New creates a transport. identity returns the local identity packet;
// negotiator may be nil, in which case channels stay unencrypted.
func New(cfg Config, identity func() *packet.Packet, negotiator Negotiator, devices *device.Manager, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("lan")

	return &Transport{
		cfg:        cfg,
		identity:   identity,
		negotiator: negotiator,
		devices:    devices,
		payload:    NewPayload(cfg.PayloadPortMin, cfg.PayloadPortMax, negotiator, cfg.Timeouts.Handshake, logger),
		log:        logger,
	}
}

// Payload returns the payload transport handed to attached devices
func (t *Transport) Payload() *Payload {
	return t.payload
}

func (t *Transport) options(peer *packet.Packet) channel.Options {
	hooks := channel.Hooks{SetupSocket: SetupSocket(t.cfg.KeepAlive)}
	if t.negotiator != nil {
		hooks.EncryptServer = t.negotiator.Server()
		hooks.EncryptClient = t.negotiator.Client()
	}

	return channel.Options{
		Identity:     t.identity,
		PeerIdentity: peer,
		Hooks:        hooks,
		Timeouts:     t.cfg.Timeouts,
		Logger:       t.log,
	}
}

// Listen binds the listening socket and returns its address
func (t *Transport) Listen() (net.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return t.listener.Addr(), nil
	}

	listener, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("lan listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = listener

	t.log.Info("listening", zap.String("addr", listener.Addr().String()))
	return listener.Addr(), nil
}

// Serve accepts channels until ctx is cancelled or Close is called
func (t *Transport) Serve(ctx context.Context) error {
	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()
	if listener == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				t.wg.Wait()
				return nil
			}
			t.log.Warn("accept failed", zap.Error(err))
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if _, err := t.accept(ctx, conn); err != nil {
				t.log.Debug("inbound channel rejected",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
			}
		}()
	}
}

func (t *Transport) accept(ctx context.Context, conn net.Conn) (*device.Device, error) {
	ch := channel.New(t.options(nil))
	if err := ch.Accept(ctx, conn); err != nil {
		return nil, err
	}

	if id := ch.Identity().GetString(packet.KeyDeviceID); id == t.localID() {
		ch.Close()
		return nil, ErrSelfConnection
	}

	return t.attach(ch)
}

// Connect dials addr and opens a channel to the device described by peer.
// The peer identity is needed up front because the dialing side never
// reads one from the wire.
func (t *Transport) Connect(ctx context.Context, addr string, peer *packet.Packet) (*device.Device, error) {
	if _, err := packet.ParseIdentity(peer); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoPeerIdentity, err)
	}

	dialer := net.Dialer{Timeout: t.cfg.Timeouts.Handshake}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	ch := channel.New(t.options(peer))
	if err := ch.Open(ctx, conn); err != nil {
		return nil, err
	}

	return t.attach(ch)
}

func (t *Transport) attach(ch *channel.Channel) (*device.Device, error) {
	d, err := t.devices.Attach(ch, t.payload, t.cfg.Timeouts)
	if err != nil {
		return nil, err
	}

	if cb := t.OnAttached; cb != nil {
		cb(d)
	}
	return d, nil
}

// Maintain keeps a channel to addr open until ctx is cancelled,
// reconnecting with exponential backoff after failures and drops.
func (t *Transport) Maintain(ctx context.Context, addr string, peer *packet.Packet) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		d, err := t.Connect(ctx, addr, peer)
		if err == nil {
			backoff = time.Second
			if ch := d.PrimaryChannel(); ch != nil {
				select {
				case <-ctx.Done():
					return
				case <-ch.Done():
				}
			}
			t.log.Info("connection lost, reconnecting", zap.String("addr", addr))
		} else {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("connect failed",
				zap.String("addr", addr),
				zap.Duration("retry", backoff),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err != nil {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Close stops listening and waits for pending handshakes
func (t *Transport) Close() error {
	t.mu.Lock()
	listener := t.listener
	t.listener = nil
	t.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	t.wg.Wait()
	t.payload.Close()
	return err
}

func (t *Transport) localID() string {
	if t.identity == nil {
		return ""
	}
	if p := t.identity(); p != nil {
		return p.GetString(packet.KeyDeviceID)
	}
	return ""
}
