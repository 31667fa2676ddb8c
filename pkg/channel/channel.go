package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

// DefaultMaxPacketSize bounds a single inbound line
const DefaultMaxPacketSize = 4 << 20

// Hook is a pluggable handshake step. It receives the connection produced
// by the previous step and returns the one the next step should use, for
// example a TLS connection wrapping it. peer is the peer identity when
// known at that point, nil otherwise.
type Hook func(ctx context.Context, conn net.Conn, peer *packet.Packet) (net.Conn, error)

// Hooks holds the transport-specific handshake steps. A nil hook passes
// the connection through unchanged, so transports without encryption
// degrade to identity exchange only.
type Hooks struct {
	SetupSocket Hook

	// EncryptServer runs on the side that dialed (Open), EncryptClient on
	// the side that accepted. The network client is the cryptographic
	// server and vice versa.
	EncryptServer Hook
	EncryptClient Hook
}

// Timeouts bound blocking operations. Zero disables the corresponding
// limit; a hung peer is then only noticed through I/O errors or an
// explicit Close by the owner.
type Timeouts struct {
	Handshake time.Duration
	Read      time.Duration
	Write     time.Duration
}

// Options configures a channel
type Options struct {
	// ID overrides the random identifier
	ID string

	// Identity returns the local identity packet sent by Open
	Identity func() *packet.Packet

	// PeerIdentity is the peer identity when it is known before the
	// handshake, e.g. from discovery. Accept replaces it with the one
	// received on the wire.
	PeerIdentity *packet.Packet

	Hooks         Hooks
	Timeouts      Timeouts
	MaxPacketSize int
	Logger        *zap.Logger
}

// Channel carries packets between this host and one peer over a single
// bidirectional stream.
type Channel struct {
	id   string
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	raw      net.Conn
	conn     net.Conn
	reader   *bufio.Reader
	identity *packet.Packet
	secure   bool
	state    State
	err      error

	device       Device
	attached     bool
	stopObserver func() bool

	queue    []*outgoing
	draining bool

	closeHooks   []func()
	observers    map[int]StateFunc
	nextObserver int

	ctxOnce   sync.Once
	ctx       context.Context
	cancel    context.CancelCauseFunc
	closeOnce sync.Once
}

// New creates an idle channel
func New(opts Options) *Channel {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = DefaultMaxPacketSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Channel{
		id:        opts.ID,
		opts:      opts,
		log:       opts.Logger.With(zap.String("channel", opts.ID)),
		identity:  opts.PeerIdentity,
		observers: make(map[int]StateFunc),
	}

	return c
}

// ID returns the channel identifier
func (c *Channel) ID() string {
	return c.id
}

// Identity returns the peer identity packet, nil before it is known
func (c *Channel) Identity() *packet.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// State returns the current lifecycle state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Secure reports whether an encryption step ran during the handshake
func (c *Channel) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

// Device returns the device this channel is attached to
func (c *Channel) Device() Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Conn returns the negotiated connection
func (c *Channel) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Done is closed once the channel is closed
func (c *Channel) Done() <-chan struct{} {
	return c.context().Done()
}

// Err returns the reason the channel closed, nil while open or after a
// clean close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// context returns the cancellation token, creating it on first use
func (c *Channel) context() context.Context {
	c.ctxOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancelCause(context.Background())
	})
	return c.ctx
}

// Context returns a context cancelled when the channel closes
func (c *Channel) Context() context.Context {
	return c.context()
}

// addCloseHook registers fn to run first thing on close
func (c *Channel) addCloseHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHooks = append(c.closeHooks, fn)
}

// Close tears the channel down. It is idempotent and never fails: errors
// from closing the underlying streams are swallowed.
func (c *Channel) Close() error {
	c.closeWithError(nil)
	return nil
}

// closeWithError closes the channel recording cause as the reason. Only
// the first call has any effect.
func (c *Channel) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		hooks := c.closeHooks
		c.closeHooks = nil
		c.mu.Unlock()

		for _, hook := range hooks {
			hook()
		}

		c.context()
		if cause != nil {
			c.cancel(cause)
		} else {
			c.cancel(ErrClosed)
		}

		c.mu.Lock()
		c.err = cause
		dropped := c.queue
		c.queue = nil
		conn, raw := c.conn, c.raw
		from, notify := c.setStateLocked(StateClosed)
		c.mu.Unlock()

		failAll(dropped, ErrClosed)

		if conn != nil {
			_ = conn.Close()
		}
		if raw != nil && raw != conn {
			_ = raw.Close()
		}

		if cause != nil {
			c.log.Debug("channel closed", zap.Error(cause))
		} else {
			c.log.Debug("channel closed")
		}

		c.notifyState(from, StateClosed, notify)
	})
}

// bind takes ownership of conn for the handshake
func (c *Channel) bind(conn net.Conn) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.raw != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection already bound", ErrHandshakeFailed)
	}
	c.raw = conn
	c.conn = conn
	from, notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.notifyState(from, StateConnecting, notify)
	return nil
}

// swap installs the connection returned by a handshake step. If the
// channel was closed meanwhile the new connection is closed too.
func (c *Channel) swap(conn net.Conn) {
	c.mu.Lock()
	closed := c.state == StateClosed
	if !closed {
		c.conn = conn
	}
	c.mu.Unlock()

	if closed {
		_ = conn.Close()
	}
}

// Open runs the handshake for the side that initiated the connection:
// socket setup, send the local identity, then encryption as the server.
func (c *Channel) Open(ctx context.Context, conn net.Conn) error {
	return c.handshake(ctx, conn, true)
}

// Accept runs the handshake for the side that received the connection:
// socket setup, read the peer identity, then encryption as the client.
func (c *Channel) Accept(ctx context.Context, conn net.Conn) error {
	return c.handshake(ctx, conn, false)
}

func (c *Channel) handshake(ctx context.Context, conn net.Conn, initiator bool) (err error) {
	if err := c.bind(conn); err != nil {
		_ = conn.Close()
		return err
	}

	hctx, release := c.handshakeContext(ctx, conn)
	defer release()

	defer func() {
		if err == nil {
			return
		}
		// surface why a step was interrupted: caller cancel, timeout or Close
		if hctx.Err() != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", err, context.Cause(hctx))
		}
		c.closeWithError(err)
	}()

	conn, err = c.runHook(hctx, "socket setup", c.opts.Hooks.SetupSocket, conn, c.Identity())
	if err != nil {
		return err
	}

	if initiator {
		if err = c.sendIdentity(conn); err != nil {
			return err
		}
	} else {
		if conn, err = c.receiveIdentity(conn); err != nil {
			return err
		}
	}
	c.setState(StateIdentityExchanged)

	encrypt := c.opts.Hooks.EncryptClient
	if initiator {
		encrypt = c.opts.Hooks.EncryptServer
	}
	if encrypt != nil {
		c.setState(StateEncrypting)
		if conn, err = c.runHook(hctx, "encryption", encrypt, conn, c.Identity()); err != nil {
			return err
		}
		c.mu.Lock()
		c.secure = true
		c.mu.Unlock()
		c.setState(StateIdentityExchanged)
	}

	if hctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, context.Cause(hctx))
	}
	release()
	_ = c.raw.SetDeadline(time.Time{})

	c.log.Debug("handshake complete", zap.Bool("initiator", initiator), zap.Bool("secure", c.Secure()))
	return nil
}

// handshakeContext derives the context handshake steps run under. It is
// cancelled by the caller, by the handshake timeout, or by the channel
// closing; cancellation also expires the connection deadline so blocked
// reads and writes return. The returned release func is idempotent.
func (c *Channel) handshakeContext(ctx context.Context, conn net.Conn) (context.Context, func()) {
	var (
		hctx   context.Context
		cancel context.CancelFunc
	)
	if d := c.opts.Timeouts.Handshake; d > 0 {
		hctx, cancel = context.WithTimeout(ctx, d)
		_ = conn.SetDeadline(time.Now().Add(d))
	} else {
		hctx, cancel = context.WithCancel(ctx)
	}

	stopClose := context.AfterFunc(c.context(), cancel)
	stopExpire := context.AfterFunc(hctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	var once sync.Once
	return hctx, func() {
		once.Do(func() {
			stopClose()
			stopExpire()
			cancel()
		})
	}
}

func (c *Channel) runHook(ctx context.Context, stage string, hook Hook, conn net.Conn, peer *packet.Packet) (net.Conn, error) {
	if hook == nil {
		return conn, nil
	}

	next, err := hook(ctx, conn, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrHandshakeFailed, stage, err)
	}
	if next == nil {
		return nil, fmt.Errorf("%w: %s returned no connection", ErrHandshakeFailed, stage)
	}

	c.swap(next)
	return next, nil
}

func (c *Channel) sendIdentity(conn net.Conn) error {
	if c.opts.Identity == nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrNoIdentity)
	}

	local := c.opts.Identity()
	if local == nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrNoIdentity)
	}
	local, err := local.Clone()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	data, err := local.Serialize()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: send identity: %w", ErrHandshakeFailed, err)
	}

	return nil
}

func (c *Channel) receiveIdentity(conn net.Conn) (net.Conn, error) {
	br := bufio.NewReader(conn)

	line, err := readLine(br, c.opts.MaxPacketSize)
	if err != nil {
		if errors.Is(err, ErrMalformedPacket) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read identity: %w", ErrHandshakeFailed, err)
	}

	identity, err := packet.FromText(line)
	if err != nil {
		return nil, err
	}
	if _, err := packet.ParseIdentity(identity); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()

	// bytes already read past the identity line belong to the next step
	if br.Buffered() > 0 {
		conn = &bufferedConn{Conn: conn, r: br}
		c.swap(conn)
	}

	return conn, nil
}

// Attach makes this channel the primary channel of dev and starts
// exchanging packets.
func (c *Channel) Attach(dev Device) error {
	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case c.attached:
		c.mu.Unlock()
		return fmt.Errorf("channel already attached to %s", c.device.ID())
	case c.conn == nil:
		c.mu.Unlock()
		return ErrNotAttached
	case c.identity == nil:
		c.mu.Unlock()
		return ErrNoIdentity
	}
	identity := c.identity
	c.mu.Unlock()

	if old := dev.PrimaryChannel(); old != nil && old != c {
		old.detach()
		_ = old.Close()
	}

	dev.SetPrimaryChannel(c)

	stop := context.AfterFunc(c.context(), dev.SetDisconnected)

	c.mu.Lock()
	c.device = dev
	c.stopObserver = stop
	c.mu.Unlock()

	dev.HandleIdentity(identity)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if bc, ok := c.conn.(*bufferedConn); ok {
		c.reader = bc.r
	} else {
		c.reader = bufio.NewReader(c.conn)
	}
	c.queue = nil
	c.attached = true
	from, notify := c.setStateLocked(StateAttached)
	c.mu.Unlock()

	c.notifyState(from, StateAttached, notify)

	c.startReceive(dev)

	if !dev.Connected() && c.context().Err() == nil {
		dev.SetConnected()
	}

	c.log.Info("channel attached", zap.String("device", dev.ID()))
	return nil
}

// detach stops the disconnect observer installed by Attach
func (c *Channel) detach() {
	c.mu.Lock()
	stop := c.stopObserver
	c.stopObserver = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// bufferedConn replays bytes a bufio.Reader consumed ahead of time
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// readLine reads one newline-terminated line of at most limit bytes. A
// final unterminated line before EOF is returned without error.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > limit {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedPacket, limit)
		}

		switch {
		case err == nil:
			return string(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return string(buf), nil
		default:
			return "", err
		}
	}
}
