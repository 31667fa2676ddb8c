package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrFingerprintMismatch = errors.New("fingerprint mismatch")
	ErrBlocked             = errors.New("device blocked")
)

// DefaultOutboxTTL is how long undelivered packets are kept
const DefaultOutboxTTL = 7 * 24 * time.Hour

// DB keeps known devices, their pinned key fingerprints and packets
// waiting for devices that are offline
type DB struct {
	db  *sql.DB
	log *zap.Logger

	outboxTTL time.Duration
	stopOnce  sync.Once
	stop      chan struct{}
}

// Open opens (creating if needed) the database at dbPath. ":memory:" is
// accepted for tests. A zero outboxTTL uses DefaultOutboxTTL.
func Open(dbPath string, outboxTTL time.Duration, logger *zap.Logger) (*DB, error) {
	if outboxTTL == 0 {
		outboxTTL = DefaultOutboxTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// a second in-memory connection would see an empty database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &DB{
		db:        db,
		log:       logger.Named("storage"),
		outboxTTL: outboxTTL,
		stop:      make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	go store.cleanupLoop(time.Hour)

	return store, nil
}

// initSchema creates database tables
func (s *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		paired INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		address TEXT NOT NULL DEFAULT '',
		added_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		packet TEXT NOT NULL,
		queued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_device ON outbox(device_id, id);
	CREATE INDEX IF NOT EXISTS idx_outbox_expires ON outbox(expires_at);
	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close stops background cleanup and closes the database
func (s *DB) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.db.Close()
}
