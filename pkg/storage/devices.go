package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KnownDevice is a device this host has seen at least once
type KnownDevice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Paired      bool   `json:"paired"`
	Blocked     bool   `json:"blocked"`
	Address     string `json:"address,omitempty"`
	AddedAt     int64  `json:"addedAt"`
	LastSeen    int64  `json:"lastSeen"`
}

const deviceColumns = `id, name, type, fingerprint, paired, blocked, address, added_at, last_seen`

// SaveDevice adds or updates a device. The pinned fingerprint, pairing
// and blocking state are only changed by their dedicated calls.
func (s *DB) SaveDevice(dev *KnownDevice) error {
	if dev.AddedAt == 0 {
		dev.AddedAt = time.Now().Unix()
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			address = CASE WHEN excluded.address = '' THEN devices.address ELSE excluded.address END,
			last_seen = MAX(devices.last_seen, excluded.last_seen)
	`

	_, err := s.db.Exec(
		query,
		dev.ID,
		dev.Name,
		dev.Type,
		dev.Fingerprint,
		boolToInt(dev.Paired),
		boolToInt(dev.Blocked),
		dev.Address,
		dev.AddedAt,
		dev.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("failed to save device %s: %w", dev.ID, err)
	}
	return nil
}

// GetDevice retrieves a device by id
func (s *DB) GetDevice(id string) (*KnownDevice, error) {
	row := s.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)

	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// ListDevices returns all known devices, most recently seen first
func (s *DB) ListDevices() ([]*KnownDevice, error) {
	rows, err := s.db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY last_seen DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*KnownDevice
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	return devices, rows.Err()
}

// DeleteDevice forgets a device and drops its queued packets
func (s *DB) DeleteDevice(id string) error {
	result, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = s.db.Exec(`DELETE FROM outbox WHERE device_id = ?`, id)
	return err
}

// SetPaired records the pairing decision for a device
func (s *DB) SetPaired(id string, paired bool) error {
	return s.update(`UPDATE devices SET paired = ? WHERE id = ?`, boolToInt(paired), id)
}

// SetBlocked records whether connections from a device are refused
func (s *DB) SetBlocked(id string, blocked bool) error {
	return s.update(`UPDATE devices SET blocked = ? WHERE id = ?`, boolToInt(blocked), id)
}

// TouchLastSeen updates the last seen time of a device
func (s *DB) TouchLastSeen(id string, at time.Time) error {
	return s.update(`UPDATE devices SET last_seen = ? WHERE id = ?`, at.Unix(), id)
}

func (s *DB) update(query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*KnownDevice, error) {
	var dev KnownDevice
	var paired, blocked int

	err := row.Scan(
		&dev.ID,
		&dev.Name,
		&dev.Type,
		&dev.Fingerprint,
		&paired,
		&blocked,
		&dev.Address,
		&dev.AddedAt,
		&dev.LastSeen,
	)
	if err != nil {
		return nil, err
	}

	dev.Paired = intToBool(paired)
	dev.Blocked = intToBool(blocked)
	return &dev, nil
}
