package storage

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// VerifyFingerprint pins key fingerprints on first use. An unknown device
// is recorded with the presented fingerprint. A paired device must keep
// presenting the pinned one; an unpaired device may replace it, since
// nothing was trusted on the strength of the old key. Blocked devices
// are always refused.
func (s *DB) VerifyFingerprint(deviceID, fingerprint string) error {
	if deviceID == "" {
		return nil
	}
	fingerprint = strings.ToLower(fingerprint)

	dev, err := s.GetDevice(deviceID)
	if errors.Is(err, ErrNotFound) {
		s.log.Info("pinning fingerprint for new device", zap.String("device", deviceID))
		return s.SaveDevice(&KnownDevice{
			ID:          deviceID,
			Fingerprint: fingerprint,
			LastSeen:    time.Now().Unix(),
		})
	}
	if err != nil {
		return err
	}

	if dev.Blocked {
		return fmt.Errorf("%w: %s", ErrBlocked, deviceID)
	}

	if subtle.ConstantTimeCompare([]byte(dev.Fingerprint), []byte(fingerprint)) == 1 {
		return nil
	}

	if dev.Paired && dev.Fingerprint != "" {
		s.log.Warn("paired device presented a different key",
			zap.String("device", deviceID),
			zap.String("pinned", dev.Fingerprint),
			zap.String("presented", fingerprint))
		return fmt.Errorf("%w: %s", ErrFingerprintMismatch, deviceID)
	}

	return s.update(`UPDATE devices SET fingerprint = ? WHERE id = ?`, fingerprint, deviceID)
}
