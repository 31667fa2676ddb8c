package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
)

// Manager owns every known device and hands negotiated channels to them
type Manager struct {
	store *storage.DB
	log   *zap.Logger

	mu       sync.RWMutex
	devices  map[string]*Device
	handlers map[string]Handler

	// Callbacks
	OnDeviceAdded func(d *Device)
}

// NewManager creates a manager. store may be nil.
func NewManager(store *storage.DB, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		log:      logger.Named("devices"),
		devices:  make(map[string]*Device),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for packets of the given type on every current and
// future device
func (m *Manager) Handle(packetType string, h Handler) {
	m.mu.Lock()
	m.handlers[packetType] = h
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, d := range devices {
		d.Handle(packetType, h)
	}
}

// Load creates a device for every entry in the store
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}

	known, err := m.store.ListDevices()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	for _, k := range known {
		d := m.getOrCreate(k.ID)
		d.mu.Lock()
		d.info.Name = k.Name
		d.info.Type = k.Type
		d.info.Paired = k.Paired
		if k.LastSeen > 0 {
			d.info.LastSeen = time.Unix(k.LastSeen, 0)
		}
		d.mu.Unlock()
	}

	m.log.Info("loaded known devices", zap.Int("count", len(known)))
	return nil
}

// Device looks up a device by id
func (m *Manager) Device(id string) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

// Devices returns all devices ordered by id
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	sortDevices(devices)
	return devices
}

// Resolve returns the device an identity packet describes, creating it on
// first contact
func (m *Manager) Resolve(identity *packet.Packet) (*Device, error) {
	id, err := packet.ParseIdentity(identity)
	if err != nil {
		return nil, err
	}
	return m.getOrCreate(id.DeviceID), nil
}

func (m *Manager) getOrCreate(id string) *Device {
	m.mu.Lock()
	if d, ok := m.devices[id]; ok {
		m.mu.Unlock()
		return d
	}

	d := New(id, m.store, m.log)
	for t, h := range m.handlers {
		d.handlers[t] = h
	}
	m.devices[id] = d
	cb := m.OnDeviceAdded
	m.mu.Unlock()

	m.log.Info("new device", zap.String("device", id))
	if cb != nil {
		cb(d)
	}
	return d
}

// Attach resolves the device behind a negotiated channel and attaches the
// channel to it. pt is how that device's payloads travel; nil disables
// payload transfers.
func (m *Manager) Attach(ch *channel.Channel, pt channel.PayloadTransport, timeouts channel.Timeouts) (*Device, error) {
	d, err := m.Resolve(ch.Identity())
	if err != nil {
		ch.Close()
		return nil, err
	}

	d.SetPayloadTransport(pt, timeouts)
	if err := ch.Attach(d); err != nil {
		ch.Close()
		return nil, err
	}
	return d, nil
}

// Forget closes and removes a device and deletes it from the store
func (m *Manager) Forget(id string) error {
	m.mu.Lock()
	d, ok := m.devices[id]
	delete(m.devices, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.Close()

	if m.store != nil {
		if err := m.store.DeleteDevice(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Close closes every device channel and transfer
func (m *Manager) Close() {
	for _, d := range m.Devices() {
		d.Close()
	}
}
