package secure

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrInvalidKey         = errors.New("invalid key")
	ErrInvalidCertificate = errors.New("invalid certificate")
)

// CertificateLifetime is the validity of generated device certificates
const CertificateLifetime = 10 * 365 * 24 * time.Hour

// GenerateCertificate creates a self-signed ECDSA P-256 certificate whose
// common name is the device id
func GenerateCertificate(deviceID string) (tls.Certificate, error) {
	if deviceID == "" {
		return tls.Certificate{}, fmt.Errorf("%w: empty device id", ErrInvalidCertificate)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"zentalk"},
			OrganizationalUnit: []string{"zentalk-link"},
		},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(CertificateLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// ExportCertificatePEM encodes the certificate and its private key
func ExportCertificatePEM(cert tls.Certificate) (certPEM, keyPEM []byte, err error) {
	if len(cert.Certificate) == 0 {
		return nil, nil, ErrInvalidCertificate
	}

	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, nil, ErrInvalidKey
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// ImportCertificatePEM parses a certificate and key pair
func ImportCertificatePEM(certPEM, keyPEM []byte) (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
		}
		cert.Leaf = leaf
	}
	return cert, nil
}

// LoadOrCreateCertificate reads the pair at certPath/keyPath, generating
// and saving a new one for deviceID when neither file exists
func LoadOrCreateCertificate(certPath, keyPath, deviceID string) (tls.Certificate, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)

	switch {
	case certErr == nil && keyErr == nil:
		return ImportCertificatePEM(certPEM, keyPEM)
	case !errors.Is(certErr, os.ErrNotExist) && certErr != nil:
		return tls.Certificate{}, certErr
	case !errors.Is(keyErr, os.ErrNotExist) && keyErr != nil:
		return tls.Certificate{}, keyErr
	case (certErr == nil) != (keyErr == nil):
		return tls.Certificate{}, fmt.Errorf("%w: only one of %s and %s exists", ErrInvalidCertificate, certPath, keyPath)
	}

	cert, err := GenerateCertificate(deviceID)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM, keyPEM, err = ExportCertificatePEM(cert)
	if err != nil {
		return tls.Certificate{}, err
	}

	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return tls.Certificate{}, err
		}
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}

// CommonName returns the subject common name of the leaf certificate
func CommonName(cert tls.Certificate) string {
	if cert.Leaf != nil {
		return cert.Leaf.Subject.CommonName
	}
	if len(cert.Certificate) == 0 {
		return ""
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return ""
	}
	return leaf.Subject.CommonName
}

// CertificateFingerprint returns the hex fingerprint of the leaf
func CertificateFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", ErrInvalidCertificate
	}
	return FingerprintString(cert.Certificate[0])
}
