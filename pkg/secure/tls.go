package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
)

var (
	ErrUntrusted        = errors.New("peer not trusted")
	ErrIdentityMismatch = errors.New("certificate does not match identity")
)

// Verifier decides whether a peer presenting the given key fingerprint
// may speak for deviceID. A nil Verifier trusts everyone.
type Verifier func(deviceID, fingerprint string) error

// TLS upgrades channels with mutually authenticated TLS 1.3 using
// self-signed device certificates. Trust is decided by the Verifier, not
// by a CA.
type TLS struct {
	cert   tls.Certificate
	verify Verifier
}

// NewTLS creates a TLS negotiator presenting cert
func NewTLS(cert tls.Certificate, verify Verifier) *TLS {
	return &TLS{cert: cert, verify: verify}
}

// Certificate returns the local certificate
func (t *TLS) Certificate() tls.Certificate {
	return t.cert
}

// Server returns the hook for the side acting as TLS server
func (t *TLS) Server() channel.Hook {
	return func(ctx context.Context, conn net.Conn, peer *packet.Packet) (net.Conn, error) {
		return t.ServerConn(ctx, conn, peerDeviceID(peer))
	}
}

// Client returns the hook for the side acting as TLS client
func (t *TLS) Client() channel.Hook {
	return func(ctx context.Context, conn net.Conn, peer *packet.Packet) (net.Conn, error) {
		return t.ClientConn(ctx, conn, peerDeviceID(peer))
	}
}

// ServerConn runs a server handshake over conn. When peerID is set the
// client certificate must name it.
func (t *TLS) ServerConn(ctx context.Context, conn net.Conn, peerID string) (*tls.Conn, error) {
	cfg := t.config(peerID)
	cfg.ClientAuth = tls.RequireAnyClientCert
	cfg.SessionTicketsDisabled = true

	tc := tls.Server(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return nil, fmt.Errorf("tls server handshake: %w", err)
	}
	return tc, nil
}

// ClientConn runs a client handshake over conn
func (t *TLS) ClientConn(ctx context.Context, conn net.Conn, peerID string) (*tls.Conn, error) {
	cfg := t.config(peerID)
	// self-signed peers; VerifyPeerCertificate does the real check
	cfg.InsecureSkipVerify = true

	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return nil, fmt.Errorf("tls client handshake: %w", err)
	}
	return tc, nil
}

func (t *TLS) config(peerID string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"zentalk-link"},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return t.verifyPeer(rawCerts, peerID)
		},
	}
}

func (t *TLS) verifyPeer(rawCerts [][]byte, peerID string) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificate", ErrUntrusted)
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
	}

	name := leaf.Subject.CommonName
	if peerID != "" && name != peerID {
		return fmt.Errorf("%w: got %q, want %q", ErrIdentityMismatch, name, peerID)
	}

	fingerprint, err := FingerprintString(rawCerts[0])
	if err != nil {
		return err
	}

	if t.verify == nil {
		return nil
	}
	if err := t.verify(name, fingerprint); err != nil {
		return fmt.Errorf("%w: %w", ErrUntrusted, err)
	}
	return nil
}

// PeerFingerprint returns the fingerprint of the certificate presented by
// the other side of an established TLS connection
func PeerFingerprint(conn net.Conn) (string, error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("%w: not a tls connection", ErrInvalidCertificate)
	}

	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "", fmt.Errorf("%w: no peer certificate", ErrInvalidCertificate)
	}
	return FingerprintString(certs[0].Raw)
}

func peerDeviceID(peer *packet.Packet) string {
	if peer == nil {
		return ""
	}
	return peer.GetString(packet.KeyDeviceID)
}
