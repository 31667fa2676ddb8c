package storage

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// QueuedPacket is a serialized packet waiting for its device to connect
type QueuedPacket struct {
	ID        int64  `json:"id"`
	DeviceID  string `json:"deviceId"`
	Packet    string `json:"packet"`
	QueuedAt  int64  `json:"queuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Attempts  int    `json:"attempts"`
}

// Enqueue stores a serialized packet for an offline device
func (s *DB) Enqueue(deviceID string, packet []byte) (int64, error) {
	now := time.Now()
	expiresAt := now.Add(s.outboxTTL).Unix()

	result, err := s.db.Exec(
		`INSERT INTO outbox (device_id, packet, queued_at, expires_at) VALUES (?, ?, ?, ?)`,
		deviceID, string(packet), now.Unix(), expiresAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to queue packet: %w", err)
	}

	id, _ := result.LastInsertId()
	s.log.Debug("queued packet for offline device",
		zap.String("device", deviceID),
		zap.Int64("id", id),
		zap.Duration("ttl", s.outboxTTL))
	return id, nil
}

// Pending returns the unexpired packets queued for a device, oldest first
func (s *DB) Pending(deviceID string) ([]*QueuedPacket, error) {
	query := `
		SELECT id, device_id, packet, queued_at, expires_at, attempts
		FROM outbox
		WHERE device_id = ? AND expires_at > ?
		ORDER BY id ASC
	`

	rows, err := s.db.Query(query, deviceID, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to get queued packets: %w", err)
	}
	defer rows.Close()

	var queued []*QueuedPacket
	for rows.Next() {
		q := &QueuedPacket{}
		if err := rows.Scan(&q.ID, &q.DeviceID, &q.Packet, &q.QueuedAt, &q.ExpiresAt, &q.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan packet: %w", err)
		}
		queued = append(queued, q)
	}

	return queued, rows.Err()
}

// PendingCount returns the number of unexpired packets for a device
func (s *DB) PendingCount(deviceID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM outbox WHERE device_id = ? AND expires_at > ?`,
		deviceID, time.Now().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued packets: %w", err)
	}
	return count, nil
}

// Ack removes a delivered packet
func (s *DB) Ack(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete packet: %w", err)
	}
	return nil
}

// IncrementAttempts records a failed delivery attempt
func (s *DB) IncrementAttempts(id int64) error {
	_, err := s.db.Exec(`UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`, id)
	return err
}

// OldestPending returns when the oldest queued packet for a device was
// stored, zero when nothing is queued
func (s *DB) OldestPending(deviceID string) (time.Time, error) {
	var oldest sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MIN(queued_at) FROM outbox WHERE device_id = ? AND expires_at > ?`,
		deviceID, time.Now().Unix(),
	).Scan(&oldest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get oldest packet time: %w", err)
	}

	if !oldest.Valid {
		return time.Time{}, nil
	}
	return time.Unix(oldest.Int64, 0), nil
}

// PurgeExpired deletes packets past their expiry and returns the count
func (s *DB) PurgeExpired(now time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM outbox WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *DB) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			count, err := s.PurgeExpired(now)
			if err != nil {
				s.log.Warn("failed to purge expired packets", zap.Error(err))
				continue
			}
			if count > 0 {
				s.log.Info("purged expired packets", zap.Int64("count", count))
			}
		}
	}
}
