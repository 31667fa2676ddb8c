package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

// closeTracker records whether Close was called on a stream
type closeTracker struct {
	io.Reader
	io.Writer

	mu     sync.Mutex
	closed bool
}

func (c *closeTracker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *closeTracker) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// pipeTransport hands out one end of a pipe for every negotiation
type pipeTransport struct {
	conn     net.Conn
	err      error
	lastPort int
	offer    *packet.Packet
}

func (p *pipeTransport) Download(ctx context.Context, t *Transfer, offer *packet.Packet) (net.Conn, error) {
	p.offer = offer
	return p.conn, p.err
}

func (p *pipeTransport) Upload(ctx context.Context, t *Transfer, port int) (net.Conn, error) {
	p.lastPort = port
	return p.conn, p.err
}

func payloadBytes(n int) []byte {
	return bytes.Repeat([]byte{0xAB}, n)
}

func TestTransferSplice(t *testing.T) {
	dev := newFakeDevice("peer")
	var out bytes.Buffer

	tr := NewTransfer(dev, bytes.NewReader(payloadBytes(1000)), &out, 1000, nil, Options{})
	assert.Equal(t, 1, dev.Transfers().Len())

	n, err := tr.Splice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	assert.Equal(t, int64(1000), tr.Copied())
	assert.Equal(t, payloadBytes(1000), out.Bytes())

	assert.Equal(t, StateClosed, tr.State())
	assert.NoError(t, tr.Err())
	assert.Zero(t, dev.Transfers().Len())
}

func TestTransferCopiesExactlySize(t *testing.T) {
	dev := newFakeDevice("peer")
	var out bytes.Buffer

	// trailing bytes past the announced size are not part of the payload
	tr := NewTransfer(dev, bytes.NewReader(payloadBytes(1500)), &out, 1000, nil, Options{})

	n, err := tr.Splice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	assert.Equal(t, 1000, out.Len())
}

func TestTransferShortInput(t *testing.T) {
	dev := newFakeDevice("peer")
	var out bytes.Buffer

	tr := NewTransfer(dev, bytes.NewReader(payloadBytes(900)), &out, 1000, nil, Options{})
	id := tr.ID()

	n, err := tr.Splice(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteTransfer)
	assert.Equal(t, int64(900), n)

	_, registered := dev.Transfers().Get(id)
	assert.False(t, registered)
	assert.ErrorIs(t, tr.Err(), ErrIncompleteTransfer)
	assert.Equal(t, StateClosed, tr.State())
}

func TestTransferUnboundStreams(t *testing.T) {
	dev := newFakeDevice("peer")
	tr := NewTransfer(dev, nil, nil, 10, nil, Options{})

	_, err := tr.Splice(context.Background())
	assert.ErrorIs(t, err, ErrIncompleteTransfer)
	assert.Zero(t, dev.Transfers().Len())
}

func TestTransferClosesStreams(t *testing.T) {
	dev := newFakeDevice("peer")
	in := &closeTracker{Reader: bytes.NewReader(payloadBytes(10))}
	out := &closeTracker{Writer: io.Discard}

	tr := NewTransfer(dev, in, out, 10, nil, Options{})
	_, err := tr.Splice(context.Background())
	require.NoError(t, err)

	assert.True(t, in.isClosed())
	assert.True(t, out.isClosed())
}

func TestTransferCloseUnregisters(t *testing.T) {
	dev := newFakeDevice("peer")
	in := &closeTracker{Reader: bytes.NewReader(nil)}

	tr := NewTransfer(dev, in, io.Discard, 10, nil, Options{})
	require.Equal(t, 1, dev.Transfers().Len())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.Zero(t, dev.Transfers().Len())
	assert.True(t, in.isClosed())

	_, err := tr.Splice(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransferCancel(t *testing.T) {
	dev := newFakeDevice("peer")
	reader, writer := io.Pipe()
	defer writer.Close()

	tr := NewTransfer(dev, reader, io.Discard, 1000, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := tr.Splice(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteTransfer)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, dev.Transfers().Len())
}

func TestTransferWithoutPayloadTransport(t *testing.T) {
	tests := []struct {
		name string
		run  func(tr *Transfer) error
	}{
		{
			name: "download",
			run: func(tr *Transfer) error {
				offer, _ := packet.New("zentalk.share.request", nil)
				return tr.Download(context.Background(), offer)
			},
		},
		{
			name: "upload",
			run: func(tr *Transfer) error {
				return tr.Upload(context.Background(), 1739)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice("peer")
			tr := NewTransfer(dev, nil, io.Discard, 10, nil, Options{})

			err := tt.run(tr)
			assert.ErrorIs(t, err, ErrNotSupported)
			assert.Equal(t, StateClosed, tr.State())
			assert.Zero(t, dev.Transfers().Len())
		})
	}
}

func TestTransferDownload(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	dev := newFakeDevice("peer")
	var out bytes.Buffer
	transport := &pipeTransport{conn: local}

	offer, err := packet.New("zentalk.share.request", map[string]any{"filename": "a.bin"})
	require.NoError(t, err)
	offer.SetPayload(64, 1740)

	go func() { _, _ = remote.Write(payloadBytes(64)) }()

	tr := NewTransfer(dev, nil, &out, 64, transport, Options{})
	require.NoError(t, tr.Download(context.Background(), offer))

	assert.Same(t, offer, transport.offer)
	assert.Equal(t, payloadBytes(64), out.Bytes())
	assert.Zero(t, dev.Transfers().Len())
}

func TestTransferUpload(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	dev := newFakeDevice("peer")
	transport := &pipeTransport{conn: local}

	received := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(remote)
		received <- data
	}()

	tr := NewTransfer(dev, bytes.NewReader(payloadBytes(32)), nil, 32, transport, Options{})
	require.NoError(t, tr.Upload(context.Background(), 1741))

	assert.Equal(t, 1741, transport.lastPort)
	select {
	case data := <-received:
		assert.Equal(t, payloadBytes(32), data)
	case <-time.After(5 * time.Second):
		t.Fatal("upload not received")
	}
}

func TestTransferNegotiationFailure(t *testing.T) {
	refused := errors.New("connection refused")
	dev := newFakeDevice("peer")

	tr := NewTransfer(dev, nil, io.Discard, 10, &pipeTransport{err: refused}, Options{})
	offer, _ := packet.New("zentalk.share.request", nil)

	err := tr.Download(context.Background(), offer)
	assert.ErrorIs(t, err, refused)
	assert.ErrorIs(t, tr.Err(), refused)
	assert.Zero(t, dev.Transfers().Len())
}

func TestTransferIdentityFollowsPrimary(t *testing.T) {
	dev := newFakeDevice("peer")
	tr := NewTransfer(dev, nil, nil, 1, nil, Options{})
	defer tr.Close()

	assert.Nil(t, tr.Identity())

	primary, _ := acceptRaw(t, Options{}, "")
	require.NoError(t, primary.Attach(dev))

	require.NotNil(t, tr.Identity())
	assert.Equal(t, "peer", tr.Identity().GetString(packet.KeyDeviceID))
	assert.Equal(t, Device(dev), tr.Device())
}

func TestTransferRegistry(t *testing.T) {
	dev := newFakeDevice("peer")

	b := NewTransfer(dev, nil, nil, 1, nil, Options{ID: "b"})
	a := NewTransfer(dev, nil, nil, 1, nil, Options{ID: "a"})
	c := NewTransfer(dev, nil, nil, 1, nil, Options{ID: "c"})

	assert.Equal(t, []string{"a", "b", "c"}, dev.Transfers().IDs())

	got, ok := dev.Transfers().Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	dev.Transfers().CloseAll()
	assert.Zero(t, dev.Transfers().Len())
	for _, tr := range []*Transfer{a, b, c} {
		assert.Equal(t, StateClosed, tr.State())
	}

	assert.False(t, dev.Transfers().Remove("a"))
}
