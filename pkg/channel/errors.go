package channel

import (
	"errors"

	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

var (
	ErrHandshakeFailed    = errors.New("handshake failed")
	ErrWriteFailed        = errors.New("write failed")
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	ErrNotSupported       = errors.New("payload transfer not supported")
	ErrClosed             = errors.New("channel closed")
	ErrNotAttached        = errors.New("channel not attached")
	ErrNoIdentity         = errors.New("no identity")

	// Re-exported so callers can match handshake failures without
	// importing the packet package.
	ErrMalformedPacket = packet.ErrMalformedPacket
	ErrMissingDeviceID = packet.ErrMissingDeviceID
)
