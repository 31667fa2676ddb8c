package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

// PayloadTransport negotiates the out-of-band connection a Transfer copies
// over. Download dials the peer described by the offer packet; Upload
// waits on port for the peer to dial in. Both return a ready, possibly
// encrypted, connection.
type PayloadTransport interface {
	Download(ctx context.Context, t *Transfer, offer *packet.Packet) (net.Conn, error)
	Upload(ctx context.Context, t *Transfer, port int) (net.Conn, error)
}

// PortReserver is implemented by payload transports that listen for
// uploads. The reserved port is announced to the peer in the offer
// packet before Upload waits on it; ReleasePort gives it back when the
// offer could not be sent.
type PortReserver interface {
	ReservePort(ctx context.Context) (int, error)
	ReleasePort(port int)
}

// Transfer is a one-shot channel that moves exactly Size bytes from an
// input stream to an output stream. It is registered in its device's
// transfer registry from construction until close.
type Transfer struct {
	*Channel

	device  Device
	size    int64
	payload PayloadTransport

	streamMu sync.Mutex
	input    io.Reader
	output   io.Writer
	copied   int64
}

// NewTransfer creates a transfer for dev and registers it. Either stream
// may be nil when Download or Upload provides it.
func NewTransfer(dev Device, input io.Reader, output io.Writer, size int64, payload PayloadTransport, opts Options) *Transfer {
	t := &Transfer{
		Channel: New(opts),
		device:  dev,
		size:    size,
		payload: payload,
		input:   input,
		output:  output,
	}
	t.log = t.log.With(zap.String("device", dev.ID()), zap.Int64("size", size))

	dev.Transfers().Add(t)

	// runs first on every close path, exactly once
	t.addCloseHook(func() {
		dev.Transfers().Remove(t.ID())
		t.closeStreams()
	})

	return t
}

// Size returns the announced payload size in bytes
func (t *Transfer) Size() int64 {
	return t.size
}

// Copied returns the bytes spliced so far
func (t *Transfer) Copied() int64 {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	return t.copied
}

// Identity returns the peer identity of the owning device's primary
// channel; transfers do not negotiate their own.
func (t *Transfer) Identity() *packet.Packet {
	if primary := t.device.PrimaryChannel(); primary != nil {
		return primary.Identity()
	}
	return nil
}

// Device returns the owning device
func (t *Transfer) Device() Device {
	return t.device
}

// SetInput binds the stream to read the payload from
func (t *Transfer) SetInput(r io.Reader) {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	t.input = r
}

// SetOutput binds the stream to write the payload to
func (t *Transfer) SetOutput(w io.Writer) {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	t.output = w
}

// Close unregisters the transfer and closes the channel and its streams
func (t *Transfer) Close() error {
	return t.Channel.Close()
}

func (t *Transfer) closeStreams() {
	t.streamMu.Lock()
	in, out := t.input, t.output
	t.streamMu.Unlock()

	if closer, ok := in.(io.Closer); ok {
		_ = closer.Close()
	}
	// a connection bound as both ends is closed twice; the error is ignored
	if closer, ok := out.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Splice copies the payload from input to output and closes the transfer
// on every outcome. Fewer than Size bytes is ErrIncompleteTransfer.
func (t *Transfer) Splice(ctx context.Context) (n int64, err error) {
	defer func() {
		if err != nil {
			t.log.Warn("transfer failed", zap.Int64("copied", n), zap.Error(err))
		} else {
			t.log.Info("transfer complete", zap.Int64("copied", n))
		}
		t.closeWithError(err)
	}()

	select {
	case <-t.Done():
		return 0, ErrClosed
	default:
	}

	t.streamMu.Lock()
	in, out := t.input, t.output
	t.streamMu.Unlock()
	if in == nil || out == nil {
		return 0, fmt.Errorf("%w: streams not bound", ErrIncompleteTransfer)
	}

	// cancellation closes the streams, which unblocks the copy
	stop := context.AfterFunc(ctx, func() {
		t.closeWithError(fmt.Errorf("transfer cancelled: %w", context.Cause(ctx)))
	})
	defer stop()

	n, err = io.CopyN(out, &countingReader{r: in, t: t}, t.size)
	if n < t.size {
		if err == nil || errors.Is(err, io.EOF) {
			return n, fmt.Errorf("%w: %d of %d bytes", ErrIncompleteTransfer, n, t.size)
		}
		if ctx.Err() != nil {
			return n, fmt.Errorf("%w: %d of %d bytes: %w", ErrIncompleteTransfer, n, t.size, context.Cause(ctx))
		}
		if cause := t.Err(); cause != nil {
			return n, fmt.Errorf("%w: %d of %d bytes: %w", ErrIncompleteTransfer, n, t.size, cause)
		}
		return n, fmt.Errorf("%w: %d of %d bytes: %w", ErrIncompleteTransfer, n, t.size, err)
	}
	if err != nil {
		return n, err
	}

	return n, nil
}

// Download fetches the payload announced by offer into the output stream
func (t *Transfer) Download(ctx context.Context, offer *packet.Packet) error {
	if t.payload == nil {
		t.closeWithError(ErrNotSupported)
		return ErrNotSupported
	}

	conn, err := t.payload.Download(ctx, t, offer)
	if err != nil {
		t.closeWithError(err)
		return err
	}
	if err := t.bind(conn); err != nil {
		_ = conn.Close()
		return err
	}
	t.SetInput(conn)

	_, err = t.Splice(ctx)
	return err
}

// Upload serves the input stream to the peer that connects on port
func (t *Transfer) Upload(ctx context.Context, port int) error {
	if t.payload == nil {
		t.closeWithError(ErrNotSupported)
		return ErrNotSupported
	}

	conn, err := t.payload.Upload(ctx, t, port)
	if err != nil {
		t.closeWithError(err)
		return err
	}
	if err := t.bind(conn); err != nil {
		_ = conn.Close()
		return err
	}
	t.SetOutput(conn)

	_, err = t.Splice(ctx)
	return err
}

type countingReader struct {
	r io.Reader
	t *Transfer
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.t.streamMu.Lock()
		c.t.copied += int64(n)
		c.t.streamMu.Unlock()
	}
	return n, err
}

// TransferRegistry tracks the open transfers of one device by id
type TransferRegistry struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer
}

// NewTransferRegistry creates an empty registry
func NewTransferRegistry() *TransferRegistry {
	return &TransferRegistry{transfers: make(map[string]*Transfer)}
}

// Add registers t under its id
func (r *TransferRegistry) Add(t *Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[t.ID()] = t
}

// Remove unregisters id and reports whether it was present
func (r *TransferRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.transfers[id]
	delete(r.transfers, id)
	return ok
}

// Get looks up a transfer by id
func (r *TransferRegistry) Get(id string) (*Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transfers[id]
	return t, ok
}

// Len returns the number of open transfers
func (r *TransferRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transfers)
}

// IDs returns the registered ids in sorted order
func (r *TransferRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.transfers))
	for id := range r.transfers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every registered transfer
func (r *TransferRegistry) CloseAll() {
	r.mu.RLock()
	all := make([]*Transfer, 0, len(r.transfers))
	for _, t := range r.transfers {
		all = append(all, t)
	}
	r.mu.RUnlock()

	for _, t := range all {
		_ = t.Close()
	}
}
