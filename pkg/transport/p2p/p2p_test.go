package p2p

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/device"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

func identityOf(id string) *packet.Packet {
	return packet.NewIdentity(packet.Identity{DeviceID: id, DeviceName: id, DeviceType: "phone"})
}

type node struct {
	id        string
	devices   *device.Manager
	transport *Transport
}

func startNode(t *testing.T, id string) *node {
	t.Helper()

	n := &node{id: id, devices: device.NewManager(nil, nil)}
	local := identityOf(id)

	tr, err := New(context.Background(), Config{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Timeouts:    channel.Timeouts{Handshake: 5 * time.Second},
	}, func() *packet.Packet { return local }, n.devices, nil)
	require.NoError(t, err)
	n.transport = tr

	t.Cleanup(func() {
		n.devices.Close()
		tr.Close()
	})
	return n
}

func TestConnectOverStream(t *testing.T) {
	laptop := startNode(t, "laptop")
	phone := startNode(t, "phone")

	received := make(chan string, 1)
	laptop.devices.Handle("zentalk.ping", func(d *device.Device, p *packet.Packet) error {
		received <- p.GetString("message")
		return nil
	})

	addrs := laptop.transport.Addrs()
	require.NotEmpty(t, addrs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	toLaptop, err := phone.transport.Connect(ctx, addrs[0].String(), identityOf("laptop"))
	require.NoError(t, err)
	assert.Equal(t, "laptop", toLaptop.ID())
	assert.True(t, toLaptop.Connected())
	assert.False(t, toLaptop.Info().Secure)

	ping, err := packet.New("zentalk.ping", map[string]any{"message": "hello"})
	require.NoError(t, err)
	require.NoError(t, toLaptop.Send(ping))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(10 * time.Second):
		t.Fatal("ping not delivered")
	}

	fromPhone, ok := laptop.devices.Device("phone")
	require.True(t, ok)
	assert.True(t, fromPhone.Connected())

	// stream endpoints expose their TCP addresses
	conn := toLaptop.PrimaryChannel().Conn()
	_, isTCP := conn.RemoteAddr().(*net.TCPAddr)
	assert.True(t, isTCP)
}

func TestPayloadNotSupported(t *testing.T) {
	laptop := startNode(t, "laptop")
	phone := startNode(t, "phone")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	toLaptop, err := phone.transport.Connect(ctx, laptop.transport.Addrs()[0].String(), identityOf("laptop"))
	require.NoError(t, err)

	offer, err := packet.New("zentalk.share.request", nil)
	require.NoError(t, err)
	offer.SetPayload(4, 1739)

	_, err = toLaptop.Download(ctx, offer, &bytes.Buffer{})
	assert.ErrorIs(t, err, channel.ErrNotSupported)

	_, err = toLaptop.Upload(ctx, offer, bytes.NewReader([]byte("data")), 4)
	assert.ErrorIs(t, err, channel.ErrNotSupported)
}

func TestConnectErrors(t *testing.T) {
	phone := startNode(t, "phone")
	laptop := startNode(t, "laptop")
	ctx := context.Background()

	_, err := phone.transport.Connect(ctx, "not-a-multiaddr", identityOf("laptop"))
	assert.Error(t, err)

	_, err = phone.transport.Connect(ctx, laptop.transport.Addrs()[0].String(), nil)
	assert.ErrorIs(t, err, ErrNoPeerIdentity)

	// a bare peer id without routing has nowhere to dial
	_, err = phone.transport.ConnectPeer(ctx, peer.AddrInfo{ID: laptop.transport.ID()}, identityOf("laptop"))
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "p2p.key")

	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))

	a, err := peer.IDFromPrivateKey(first)
	require.NoError(t, err)
	b, err := peer.IDFromPrivateKey(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNetAddr(t *testing.T) {
	id := peer.ID("peer")

	tcp, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	require.NoError(t, err)
	addr := netAddr(tcp, id)
	require.IsType(t, &net.TCPAddr{}, addr)
	assert.Equal(t, "127.0.0.1:4001", addr.String())

	relay, err := multiaddr.NewMultiaddr("/dns4/relay.example.com/tcp/4001")
	require.NoError(t, err)
	addr = netAddr(relay, id)
	require.IsType(t, Addr{}, addr)
	assert.Equal(t, "libp2p", addr.Network())
}
