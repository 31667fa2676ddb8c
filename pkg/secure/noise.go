package secure

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

const (
	// maxNoiseMessage is the Noise protocol limit for a single message
	maxNoiseMessage = 65535
	noiseTagSize    = 16
	maxNoisePayload = maxNoiseMessage - noiseTagSize
)

var noisePrologue = []byte("zentalk-link/noise/1")

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// GenerateNoiseKey creates a static Curve25519 key pair
func GenerateNoiseKey() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// LoadOrCreateNoiseKey reads the hex-encoded static private key at path,
// generating and saving a new key pair on first run
func LoadOrCreateNoiseKey(path string) (noise.DHKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		private, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(private) != noise.DH25519.DHLen() {
			return noise.DHKey{}, fmt.Errorf("%w: %s", ErrInvalidKey, path)
		}
		public, err := curve25519.X25519(private, curve25519.Basepoint)
		if err != nil {
			return noise.DHKey{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		return noise.DHKey{Private: private, Public: public}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return noise.DHKey{}, err
	}

	key, err := GenerateNoiseKey()
	if err != nil {
		return noise.DHKey{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return noise.DHKey{}, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Private)+"\n"), 0600); err != nil {
		return noise.DHKey{}, err
	}
	return key, nil
}

// Noise upgrades channels with a Noise XX handshake. Each side proves a
// static key; the Verifier decides whether that key may speak for the
// peer's device id.
type Noise struct {
	static noise.DHKey
	verify Verifier
}

// NewNoise creates a Noise negotiator using the static key pair
func NewNoise(static noise.DHKey, verify Verifier) *Noise {
	return &Noise{static: static, verify: verify}
}

// Fingerprint returns the fingerprint of the local static public key
func (n *Noise) Fingerprint() (string, error) {
	return FingerprintString(n.static.Public)
}

// Server returns the hook for the responder side
func (n *Noise) Server() channel.Hook {
	return func(ctx context.Context, conn net.Conn, peer *packet.Packet) (net.Conn, error) {
		return n.handshake(ctx, conn, false, peerDeviceID(peer))
	}
}

// Client returns the hook for the initiator side
func (n *Noise) Client() channel.Hook {
	return func(ctx context.Context, conn net.Conn, peer *packet.Packet) (net.Conn, error) {
		return n.handshake(ctx, conn, true, peerDeviceID(peer))
	}
}

func (n *Noise) handshake(ctx context.Context, conn net.Conn, initiator bool, peerID string) (net.Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      noisePrologue,
		StaticKeypair: n.static,
	})
	if err != nil {
		return nil, err
	}

	// the channel expires the deadline on cancellation; this covers
	// callers that use the hook directly
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var send, recv *noise.CipherState

	// XX: -> e, <- e ee s es, -> s se
	if initiator {
		if _, _, err = writeHandshake(conn, hs); err != nil {
			return nil, err
		}
		if _, _, err = readHandshake(conn, hs); err != nil {
			return nil, err
		}
		if send, recv, err = writeHandshake(conn, hs); err != nil {
			return nil, err
		}
	} else {
		if _, _, err = readHandshake(conn, hs); err != nil {
			return nil, err
		}
		if _, _, err = writeHandshake(conn, hs); err != nil {
			return nil, err
		}
		var c1, c2 *noise.CipherState
		if c1, c2, err = readHandshake(conn, hs); err != nil {
			return nil, err
		}
		send, recv = c2, c1
	}

	if send == nil || recv == nil {
		return nil, errors.New("noise handshake did not complete")
	}

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	fingerprint, err := FingerprintString(hs.PeerStatic())
	if err != nil {
		return nil, err
	}
	if n.verify != nil {
		if err := n.verify(peerID, fingerprint); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUntrusted, err)
		}
	}

	return &noiseConn{Conn: conn, send: send, recv: recv, peerKey: hs.PeerStatic()}, nil
}

func writeHandshake(conn net.Conn, hs *noise.HandshakeState) (*noise.CipherState, *noise.CipherState, error) {
	msg, c1, c2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("noise write: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, fmt.Errorf("noise write: %w", err)
	}
	return c1, c2, nil
}

func readHandshake(conn net.Conn, hs *noise.HandshakeState) (*noise.CipherState, *noise.CipherState, error) {
	msg, err := readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("noise read: %w", err)
	}
	_, c1, c2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("noise read: %w", err)
	}
	return c1, c2, nil
}

// writeFrame writes msg with a two byte big-endian length prefix
func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) > maxNoiseMessage {
		return fmt.Errorf("noise frame too large: %d bytes", len(msg))
	}
	frame := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(frame, uint16(len(msg)))
	copy(frame[2:], msg)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}

// noiseConn carries application bytes as encrypted length-prefixed frames
type noiseConn struct {
	net.Conn

	peerKey []byte

	readMu  sync.Mutex
	recv    *noise.CipherState
	pending []byte

	writeMu sync.Mutex
	send    *noise.CipherState
}

// PeerKey returns the static public key the peer proved during the
// handshake
func (c *noiseConn) PeerKey() []byte {
	return c.peerKey
}

func (c *noiseConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		frame, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return 0, fmt.Errorf("noise decrypt: %w", err)
		}
		c.pending = plain
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *noiseConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > maxNoisePayload {
			chunk = chunk[:maxNoisePayload]
		}

		frame, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, fmt.Errorf("noise encrypt: %w", err)
		}
		if err := writeFrame(c.Conn, frame); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}
