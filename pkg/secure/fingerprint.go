package secure

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns the BLAKE2b-256 digest of a DER certificate or raw
// public key
func Fingerprint(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// FingerprintString returns the fingerprint as lowercase hex
func FingerprintString(data []byte) (string, error) {
	sum, err := Fingerprint(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// MatchFingerprint compares two hex fingerprints in constant time,
// ignoring case and colon separators
func MatchFingerprint(a, b string) bool {
	a = normalizeFingerprint(a)
	b = normalizeFingerprint(b)
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalizeFingerprint(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, ":", ""))
}
