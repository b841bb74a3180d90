// Package devices resolves user-facing device ids to the entity ids used to
// route device logs.
package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shoot3rs/fleetstream/internal/apperr"

	_ "modernc.org/sqlite"
)

// Device is one fleet device. An empty EntityID means the device was never
// provisioned with one.
type Device struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	EntityID string `json:"device_entity_id"`
}

// Store looks devices up by id.
type Store interface {
	Lookup(ctx context.Context, id int64) (Device, error)
}

// SQLiteStore keeps devices in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open device db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping device db: %w", err)
	}

	s, err := NewFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an existing database and runs migrations. Tests use it with
// an in-memory database.
func NewFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate device db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE INDEX IF NOT EXISTS idx_devices_entity_id ON devices(entity_id);
	`)
	return err
}

// Lookup returns the device with id, or a not-found error.
func (s *SQLiteStore) Lookup(ctx context.Context, id int64) (Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, entity_id FROM devices WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.EntityID)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, apperr.NotFound("device %d not found", id)
	}
	if err != nil {
		return Device{}, fmt.Errorf("lookup device %d: %w", id, err)
	}
	return d, nil
}

// Upsert inserts d or replaces the stored name and entity id.
func (s *SQLiteStore) Upsert(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, entity_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			entity_id = excluded.entity_id,
			updated_at = datetime('now')
	`, d.ID, d.Name, d.EntityID)
	if err != nil {
		return fmt.Errorf("upsert device %d: %w", d.ID, err)
	}
	return nil
}

// ResolveEntityID looks up id and fails with a not-found error when the
// device has no entity id.
func ResolveEntityID(ctx context.Context, store Store, id int64) (string, error) {
	d, err := store.Lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if d.EntityID == "" {
		return "", apperr.NotFound("device %d has no entity id", id)
	}
	return d.EntityID, nil
}
