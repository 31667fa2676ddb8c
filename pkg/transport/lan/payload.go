package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

var (
	ErrNoFreePort      = errors.New("no free payload port")
	ErrPortNotReserved = errors.New("payload port not reserved")
	ErrNoPayloadPort   = errors.New("offer carries no payload port")
	ErrNoPeerAddress   = errors.New("peer address unknown")
)

// Payload moves transfer bytes over a dedicated TCP connection. The
// uploading side listens on a reserved port and acts as the encryption
// server; the downloading side dials the address of the device's primary
// channel and acts as the client.
type Payload struct {
	min, max   int
	negotiator Negotiator
	timeout    time.Duration
	log        *zap.Logger

	mu       sync.Mutex
	reserved map[int]net.Listener
}

var (
	_ channel.PayloadTransport = (*Payload)(nil)
	_ channel.PortReserver     = (*Payload)(nil)
)

// NewPayload creates a payload transport listening in [min, max].
// timeout bounds waiting for the peer and the encryption handshake; zero
// waits until the context ends.
func NewPayload(min, max int, negotiator Negotiator, timeout time.Duration, logger *zap.Logger) *Payload {
	if logger == nil {
		logger = zap.NewNop()
	}
	if max < min {
		max = min
	}

	return &Payload{
		min:        min,
		max:        max,
		negotiator: negotiator,
		timeout:    timeout,
		log:        logger.Named("payload"),
		reserved:   make(map[int]net.Listener),
	}
}

// ReservePort listens on the first free port in range and returns it
func (p *Payload) ReservePort(ctx context.Context) (int, error) {
	if p.min == 0 {
		return p.listen(0)
	}

	for port := p.min; port <= p.max; port++ {
		if ctx.Err() != nil {
			return 0, context.Cause(ctx)
		}
		if got, err := p.listen(port); err == nil {
			return got, nil
		}
	}
	return 0, fmt.Errorf("%w in %d-%d", ErrNoFreePort, p.min, p.max)
}

func (p *Payload) listen(port int) (int, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return 0, err
	}
	port = listener.Addr().(*net.TCPAddr).Port

	p.mu.Lock()
	p.reserved[port] = listener
	p.mu.Unlock()

	p.log.Debug("payload port reserved", zap.Int("port", port))
	return port, nil
}

func (p *Payload) take(port int) (net.Listener, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	listener, ok := p.reserved[port]
	delete(p.reserved, port)
	return listener, ok
}

// ReleasePort closes a reserved port that will not be used
func (p *Payload) ReleasePort(port int) {
	if listener, ok := p.take(port); ok {
		_ = listener.Close()
	}
}

// Upload waits on a reserved port for the peer to connect
func (p *Payload) Upload(ctx context.Context, t *channel.Transfer, port int) (net.Conn, error) {
	listener, ok := p.take(port)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPortNotReserved, port)
	}
	defer listener.Close()

	ctx, cancel := p.waitContext(ctx, t)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for payload peer: %w", context.Cause(ctx))
		}
		return nil, err
	}

	p.log.Debug("payload peer connected",
		zap.String("transfer", t.ID()),
		zap.String("remote", conn.RemoteAddr().String()))

	return p.encrypt(ctx, conn, t.Identity(), false)
}

// Download dials the port announced by offer on the peer's address
func (p *Payload) Download(ctx context.Context, t *channel.Transfer, offer *packet.Packet) (net.Conn, error) {
	port := offer.PayloadPort()
	if port == 0 {
		return nil, ErrNoPayloadPort
	}

	host, err := peerHost(t)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.waitContext(ctx, t)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial payload: %w", err)
	}

	return p.encrypt(ctx, conn, t.Identity(), true)
}

// waitContext bounds a payload connection setup by the timeout and by
// the transfer closing
func (p *Payload) waitContext(ctx context.Context, t *channel.Transfer) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	stop := context.AfterFunc(t.Context(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (p *Payload) encrypt(ctx context.Context, conn net.Conn, peer *packet.Packet, client bool) (net.Conn, error) {
	if p.negotiator == nil {
		return conn, nil
	}

	hook := p.negotiator.Server()
	if client {
		hook = p.negotiator.Client()
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	secured, err := hook(ctx, conn, peer)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("payload encryption: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return secured, nil
}

// Close releases every reserved port
func (p *Payload) Close() {
	p.mu.Lock()
	reserved := p.reserved
	p.reserved = make(map[int]net.Listener)
	p.mu.Unlock()

	for _, listener := range reserved {
		_ = listener.Close()
	}
}

func peerHost(t *channel.Transfer) (string, error) {
	primary := t.Device().PrimaryChannel()
	if primary == nil {
		return "", ErrNoPeerAddress
	}

	conn := primary.Conn()
	if conn == nil || conn.RemoteAddr() == nil {
		return "", ErrNoPeerAddress
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoPeerAddress, err)
	}
	return host, nil
}
