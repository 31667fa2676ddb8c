package packet

import "fmt"

// Packet types known to the channel layer. Everything else belongs to the
// device and its plugins.
const (
	TypeIdentity = "zentalk.identity"
	TypePair     = "zentalk.pair"

	ProtocolVersion = 7
)

// Body keys
const (
	KeyDeviceID             = "deviceId"
	KeyDeviceName           = "deviceName"
	KeyDeviceType           = "deviceType"
	KeyProtocolVersion      = "protocolVersion"
	KeyIncomingCapabilities = "incomingCapabilities"
	KeyOutgoingCapabilities = "outgoingCapabilities"
	KeyTCPPort              = "tcpPort"
	KeyPayloadSize          = "payloadSize"
	KeyPayloadTransferInfo  = "payloadTransferInfo"
)

// Identity is the typed view of an identity packet body
type Identity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string
	TCPPort              int
}

// NewIdentity builds the identity packet announcing id
func NewIdentity(id Identity) *Packet {
	if id.ProtocolVersion == 0 {
		id.ProtocolVersion = ProtocolVersion
	}

	body := map[string]any{
		KeyDeviceID:             id.DeviceID,
		KeyDeviceName:           id.DeviceName,
		KeyDeviceType:           id.DeviceType,
		KeyProtocolVersion:      int64(id.ProtocolVersion),
		KeyIncomingCapabilities: stringList(id.IncomingCapabilities),
		KeyOutgoingCapabilities: stringList(id.OutgoingCapabilities),
	}
	if id.TCPPort > 0 {
		body[KeyTCPPort] = int64(id.TCPPort)
	}

	return &Packet{Type: TypeIdentity, Body: body}
}

// ParseIdentity extracts the identity fields. Only deviceId is required;
// the rest is passed through for the device layer.
func ParseIdentity(p *Packet) (Identity, error) {
	if p == nil {
		return Identity{}, fmt.Errorf("%w: nil packet", ErrMalformedPacket)
	}

	id := Identity{
		DeviceID:             p.GetString(KeyDeviceID),
		DeviceName:           p.GetString(KeyDeviceName),
		DeviceType:           p.GetString(KeyDeviceType),
		IncomingCapabilities: p.GetStrings(KeyIncomingCapabilities),
		OutgoingCapabilities: p.GetStrings(KeyOutgoingCapabilities),
	}
	if id.DeviceID == "" {
		return id, ErrMissingDeviceID
	}

	if v, ok := p.GetInt(KeyProtocolVersion); ok {
		id.ProtocolVersion = int(v)
	}
	if v, ok := p.GetInt(KeyTCPPort); ok {
		id.TCPPort = int(v)
	}

	return id, nil
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
