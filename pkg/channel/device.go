package channel

import "github.com/ZentaChain/zentalk-link/pkg/packet"

// Device is the owner of channels. It routes inbound packets to its
// plugins, tracks connection state and keeps the transfer registry.
type Device interface {
	ID() string

	// ReceivePacket dispatches one inbound packet. A returned error is a
	// protocol violation and closes the channel.
	ReceivePacket(p *packet.Packet) error

	// HandleIdentity receives the peer identity captured during the
	// handshake, for capability negotiation.
	HandleIdentity(identity *packet.Packet)

	Connected() bool
	SetConnected()
	SetDisconnected()

	PrimaryChannel() *Channel
	SetPrimaryChannel(c *Channel)

	Transfers() *TransferRegistry
}
