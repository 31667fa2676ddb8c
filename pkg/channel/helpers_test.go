package channel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

// fakeDevice records everything the channel layer asks of a device
type fakeDevice struct {
	id string

	mu          sync.Mutex
	primary     *Channel
	connected   bool
	connects    int
	disconnects int
	identity    *packet.Packet
	calls       int
	onPacket    func(p *packet.Packet) error

	packets   chan *packet.Packet
	transfers *TransferRegistry
}

func newFakeDevice(id string) *fakeDevice {
	return &fakeDevice{
		id:        id,
		packets:   make(chan *packet.Packet, 256),
		transfers: NewTransferRegistry(),
	}
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) ReceivePacket(p *packet.Packet) error {
	d.mu.Lock()
	d.calls++
	handler := d.onPacket
	d.mu.Unlock()

	if handler != nil {
		if err := handler(p); err != nil {
			return err
		}
	}
	d.packets <- p
	return nil
}

func (d *fakeDevice) HandleIdentity(identity *packet.Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identity = identity
}

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) SetConnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	d.connects++
}

func (d *fakeDevice) SetDisconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.disconnects++
}

func (d *fakeDevice) PrimaryChannel() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.primary
}

func (d *fakeDevice) SetPrimaryChannel(c *Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.primary = c
}

func (d *fakeDevice) Transfers() *TransferRegistry { return d.transfers }

func (d *fakeDevice) counts() (calls, connects, disconnects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls, d.connects, d.disconnects
}

func identityFor(id string) func() *packet.Packet {
	return func() *packet.Packet {
		return packet.NewIdentity(packet.Identity{
			DeviceID:   id,
			DeviceName: "device " + id,
			DeviceType: "desktop",
		})
	}
}

// handshakePair runs Open and Accept against each other over net.Pipe
func handshakePair(t *testing.T, openOpts, acceptOpts Options) (opener, accepter *Channel) {
	t.Helper()

	if openOpts.Identity == nil {
		openOpts.Identity = identityFor("opener")
	}
	if openOpts.PeerIdentity == nil {
		openOpts.PeerIdentity = identityFor("accepter")()
	}

	left, right := net.Pipe()
	opener = New(openOpts)
	accepter = New(acceptOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- accepter.Accept(ctx, right) }()

	require.NoError(t, opener.Open(ctx, left))
	require.NoError(t, <-errs)

	t.Cleanup(func() {
		opener.Close()
		accepter.Close()
	})
	return opener, accepter
}

// attachedPair returns two attached channels and their devices
func attachedPair(t *testing.T) (a, b *Channel, devA, devB *fakeDevice) {
	t.Helper()

	a, b = handshakePair(t, Options{}, Options{})
	devA = newFakeDevice("accepter")
	devB = newFakeDevice("opener")
	require.NoError(t, a.Attach(devA))
	require.NoError(t, b.Attach(devB))
	return a, b, devA, devB
}

// trackingConn counts concurrent writers and records what was written
type trackingConn struct {
	net.Conn

	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
	failAfter int32
	writes    atomic.Int32
}

func (c *trackingConn) Write(p []byte) (int, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		cur := c.maxActive.Load()
		if n <= cur || c.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	if c.failAfter > 0 && c.writes.Add(1) > c.failAfter {
		return 0, net.ErrClosed
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.Conn.Write(p)
}

func waitClosed(t *testing.T, c *Channel) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("channel %s did not close", c.ID())
	}
}
