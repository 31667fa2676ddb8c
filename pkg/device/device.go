package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
)

var (
	ErrNoPayload     = errors.New("packet carries no payload")
	ErrUnexpected    = errors.New("unexpected packet")
	ErrNotPaired     = errors.New("device not paired")
	ErrNotConnected  = errors.New("device not connected")
	ErrUnknownDevice = errors.New("unknown device")
)

// Handler processes one inbound packet of a registered type
type Handler func(d *Device, p *packet.Packet) error

// Info is the public view of a device
type Info struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Type                 string    `json:"type"`
	ProtocolVersion      int       `json:"protocolVersion"`
	IncomingCapabilities []string  `json:"incomingCapabilities"`
	OutgoingCapabilities []string  `json:"outgoingCapabilities"`
	Connected            bool      `json:"connected"`
	Paired               bool      `json:"paired"`
	Secure               bool      `json:"secure"`
	LastSeen             time.Time `json:"lastSeen"`
	Transfers            int       `json:"transfers"`
}

// Device is a remote peer. It owns at most one primary channel at a time
// and routes inbound packets to handlers keyed by packet type.
type Device struct {
	id    string
	log   *zap.Logger
	store *storage.DB

	mu        sync.RWMutex
	info      Info
	identity  *packet.Packet
	primary   *channel.Channel
	payload   channel.PayloadTransport
	handlers  map[string]Handler
	transfers *channel.TransferRegistry
	timeouts  channel.Timeouts

	// outboxMu orders live sends against the outbox flush. While flushing
	// is set, sends are appended to the outbox behind older packets.
	outboxMu sync.Mutex
	flushing bool

	// Callbacks
	OnConnected    func(d *Device)
	OnDisconnected func(d *Device)
	OnPacket       func(d *Device, p *packet.Packet)
}

// New creates a device. store may be nil, in which case nothing is
// persisted and Send fails while the device is offline.
func New(id string, store *storage.DB, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Device{
		id:        id,
		log:       logger.With(zap.String("device", id)),
		store:     store,
		info:      Info{ID: id},
		handlers:  make(map[string]Handler),
		transfers: channel.NewTransferRegistry(),
	}
	d.handlers[packet.TypePair] = handlePair
	return d
}

// ID returns the device id
func (d *Device) ID() string {
	return d.id
}

// Info returns a snapshot of the device state
func (d *Device) Info() Info {
	d.mu.RLock()
	info := d.info
	info.IncomingCapabilities = append([]string(nil), d.info.IncomingCapabilities...)
	info.OutgoingCapabilities = append([]string(nil), d.info.OutgoingCapabilities...)
	primary := d.primary
	d.mu.RUnlock()

	if primary != nil {
		info.Secure = primary.Secure()
	}
	info.Transfers = d.transfers.Len()
	return info
}

// Handle registers h for packets of the given type, replacing any
// previous handler
func (d *Device) Handle(packetType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[packetType] = h
}

// ReceivePacket routes p to its handler. Packets without a handler are
// logged and dropped; a handler error closes the channel.
func (d *Device) ReceivePacket(p *packet.Packet) error {
	if p.Type == packet.TypeIdentity {
		return fmt.Errorf("%w: identity after handshake", ErrUnexpected)
	}

	d.mu.RLock()
	h := d.handlers[p.Type]
	onPacket := d.OnPacket
	d.mu.RUnlock()

	if onPacket != nil {
		onPacket(d, p)
	}

	if h == nil {
		d.log.Debug("no handler for packet", zap.String("type", p.Type))
		return nil
	}
	return h(d, p)
}

// HandleIdentity updates the device description from its identity
// packet and persists it
func (d *Device) HandleIdentity(identity *packet.Packet) {
	id, err := packet.ParseIdentity(identity)
	if err != nil {
		d.log.Warn("ignoring bad identity", zap.Error(err))
		return
	}

	d.mu.Lock()
	d.identity = identity
	d.info.Name = id.DeviceName
	d.info.Type = id.DeviceType
	d.info.ProtocolVersion = id.ProtocolVersion
	d.info.IncomingCapabilities = id.IncomingCapabilities
	d.info.OutgoingCapabilities = id.OutgoingCapabilities
	d.info.LastSeen = time.Now()
	d.mu.Unlock()

	if d.store == nil {
		return
	}

	err = d.store.SaveDevice(&storage.KnownDevice{
		ID:       d.id,
		Name:     id.DeviceName,
		Type:     id.DeviceType,
		LastSeen: time.Now().Unix(),
	})
	if err != nil {
		d.log.Warn("failed to save device", zap.Error(err))
	}
}

// Identity returns the last identity packet received from the device
func (d *Device) Identity() *packet.Packet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.identity
}

// Connected reports whether a primary channel is attached
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.Connected
}

// SetConnected marks the device connected and flushes its outbox
func (d *Device) SetConnected() {
	d.mu.Lock()
	d.info.Connected = true
	d.info.LastSeen = time.Now()
	cb := d.OnConnected
	d.mu.Unlock()

	d.log.Info("device connected")

	if d.store != nil {
		if err := d.store.TouchLastSeen(d.id, time.Now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			d.log.Warn("failed to update last seen", zap.Error(err))
		}
		d.outboxMu.Lock()
		start := !d.flushing
		d.flushing = true
		d.outboxMu.Unlock()

		if start {
			go d.flushOutbox()
		}
	}

	if cb != nil {
		cb(d)
	}
}

// SetDisconnected marks the device disconnected
func (d *Device) SetDisconnected() {
	d.mu.Lock()
	d.info.Connected = false
	cb := d.OnDisconnected
	d.mu.Unlock()

	d.log.Info("device disconnected")

	if cb != nil {
		cb(d)
	}
}

// PrimaryChannel returns the attached channel, nil if none
func (d *Device) PrimaryChannel() *channel.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.primary
}

// SetPrimaryChannel installs c as the primary channel
func (d *Device) SetPrimaryChannel(c *channel.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.primary = c
}

// Transfers returns the open payload transfers
func (d *Device) Transfers() *channel.TransferRegistry {
	return d.transfers
}

// SetPayloadTransport sets how payloads reach this device. It is set by
// the transport that attached the current channel.
func (d *Device) SetPayloadTransport(pt channel.PayloadTransport, timeouts channel.Timeouts) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payload = pt
	d.timeouts = timeouts
}

// Paired reports whether the device is paired
func (d *Device) Paired() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.Paired
}

func (d *Device) setPaired(paired bool) {
	d.mu.Lock()
	d.info.Paired = paired
	d.mu.Unlock()

	if d.store == nil {
		return
	}
	if err := d.store.SetPaired(d.id, paired); err != nil {
		d.log.Warn("failed to save pairing", zap.Error(err))
	}
}

// Send queues a packet-like value for the device. While the device is
// offline, or older packets are still being flushed, the packet is stored
// and delivered in order on the connection.
func (d *Device) Send(v any) error {
	p, err := packet.From(v)
	if err != nil {
		return err
	}

	d.outboxMu.Lock()
	defer d.outboxMu.Unlock()

	if primary := d.PrimaryChannel(); primary != nil && !d.flushing {
		err = primary.Send(p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, channel.ErrClosed) && !errors.Is(err, channel.ErrNotAttached) {
			return err
		}
	}

	if d.store == nil {
		return ErrNotConnected
	}

	data, err := p.Serialize()
	if err != nil {
		return err
	}
	if _, err := d.store.Enqueue(d.id, data); err != nil {
		return err
	}
	d.log.Debug("packet queued", zap.String("type", p.Type))
	return nil
}

// flushOutbox writes queued packets oldest first over the primary
// channel. A row is removed only once its packet has been written; a
// failed write leaves it and everything after it for the next connection.
func (d *Device) flushOutbox() {
	delivered := 0
	defer func() {
		if delivered > 0 {
			d.log.Info("delivered queued packets", zap.Int("count", delivered))
		}
	}()

	for {
		primary := d.PrimaryChannel()
		if primary == nil {
			d.endFlush()
			return
		}

		queued, err := d.store.Pending(d.id)
		if err != nil {
			d.log.Warn("failed to read outbox", zap.Error(err))
			d.endFlush()
			return
		}

		var failed *channel.Channel
		for _, q := range queued {
			p, err := packet.FromText(q.Packet)
			if err != nil {
				d.log.Warn("dropping unreadable queued packet", zap.Int64("id", q.ID), zap.Error(err))
				_ = d.store.Ack(q.ID)
				continue
			}

			if err := primary.SendWait(context.Background(), p); err != nil {
				d.log.Debug("queued packet not delivered", zap.Int64("id", q.ID), zap.Error(err))
				_ = d.store.IncrementAttempts(q.ID)
				failed = primary
				break
			}
			if err := d.store.Ack(q.ID); err != nil {
				d.log.Warn("failed to ack queued packet", zap.Int64("id", q.ID), zap.Error(err))
			}
			delivered++
		}

		if !d.finishFlush(failed) {
			return
		}
	}
}

// finishFlush ends the flush unless there is more to do: packets queued
// since the last read, or a newer channel to retry on after failed.
func (d *Device) finishFlush(failed *channel.Channel) bool {
	d.outboxMu.Lock()
	defer d.outboxMu.Unlock()

	if failed != nil {
		if current := d.PrimaryChannel(); current != nil && current != failed && d.Connected() {
			return true
		}
	} else if n, err := d.store.PendingCount(d.id); err == nil && n > 0 {
		return true
	}

	d.flushing = false
	return false
}

func (d *Device) endFlush() {
	d.outboxMu.Lock()
	d.flushing = false
	d.outboxMu.Unlock()
}

// Flushing reports whether queued packets are being delivered
func (d *Device) Flushing() bool {
	d.outboxMu.Lock()
	defer d.outboxMu.Unlock()
	return d.flushing
}

// RequestPair asks the device to pair
func (d *Device) RequestPair() error {
	return d.sendPair(true)
}

// Unpair revokes pairing on both sides
func (d *Device) Unpair() error {
	d.setPaired(false)
	return d.sendPair(false)
}

func (d *Device) sendPair(pair bool) error {
	p, err := packet.New(packet.TypePair, map[string]any{"pair": pair})
	if err != nil {
		return err
	}

	primary := d.PrimaryChannel()
	if primary == nil {
		return ErrNotConnected
	}
	return primary.Send(p)
}

// handlePair accepts a pair request or acknowledgement and records an
// unpair
func handlePair(d *Device, p *packet.Packet) error {
	if p.GetBool("pair") {
		if d.Paired() {
			return nil
		}
		// acknowledge before recording, so an Unpair issued once Paired
		// reports true is queued behind the ack
		if err := d.sendPair(true); err != nil {
			return err
		}
		d.log.Info("paired")
		d.setPaired(true)
		return nil
	}

	if d.Paired() {
		d.log.Info("unpaired by peer")
		d.setPaired(false)
	}
	return nil
}

func (d *Device) payloadTransport() (channel.PayloadTransport, channel.Timeouts) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.payload, d.timeouts
}

// Download fetches the payload announced by offer into w
func (d *Device) Download(ctx context.Context, offer *packet.Packet, w io.Writer) (*channel.Transfer, error) {
	size := offer.PayloadSize()
	if size < 0 {
		return nil, ErrNoPayload
	}

	pt, timeouts := d.payloadTransport()
	t := channel.NewTransfer(d, nil, w, size, pt, channel.Options{
		Logger:   d.log,
		Timeouts: timeouts,
	})
	return t, t.Download(ctx, offer)
}

// Upload sends p with r as its payload. The payload port is reserved and
// written into p before it is sent, then the upload waits for the peer.
// The offer is never stored for later: the device must be connected.
func (d *Device) Upload(ctx context.Context, p *packet.Packet, r io.Reader, size int64) (*channel.Transfer, error) {
	primary := d.PrimaryChannel()
	if primary == nil || !d.Connected() {
		return nil, ErrNotConnected
	}

	pt, timeouts := d.payloadTransport()
	t := channel.NewTransfer(d, r, nil, size, pt, channel.Options{
		Logger:   d.log,
		Timeouts: timeouts,
	})

	reserver, ok := pt.(channel.PortReserver)
	if !ok {
		// without a listener there is nothing to announce
		return t, t.Upload(ctx, 0)
	}

	port, err := reserver.ReservePort(ctx)
	if err != nil {
		t.Close()
		return t, err
	}

	offer, err := p.Clone()
	if err != nil {
		reserver.ReleasePort(port)
		t.Close()
		return t, err
	}
	offer.SetPayload(size, port)

	if err := primary.Send(offer); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		reserver.ReleasePort(port)
		t.Close()
		return t, err
	}
	return t, t.Upload(ctx, port)
}

// Close closes the primary channel and every open transfer
func (d *Device) Close() {
	d.transfers.CloseAll()
	if primary := d.PrimaryChannel(); primary != nil {
		primary.Close()
	}
}

// sortDevices orders devices by id
func sortDevices(devices []*Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].id < devices[j].id })
}
