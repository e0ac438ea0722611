// Package devicestore persists enrolled device identifiers — the
// SQLite-backed peripheral that stands in for the database collaborator
// the core's runtime façade is consumed by. It never touches the HPS or
// the WASM engine; it only tracks which device public keys are known to
// the deployment so a front-end can authorize who may become an expected
// data source or shutdown requester.
package devicestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when an enrolled device cannot be located.
var ErrNotFound = errors.New("device not found")

// Device is one enrolled device record.
type Device struct {
	ClientID   uint64
	Identifier string // hex-encoded Keccak256 derivation of the device's public key
	Revoked    bool
	EnrolledAt time.Time
}

// Store is a SQLite-backed device identifier store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) a SQLite database at dsn and ensures
// the devices table exists.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	// SQLite allows only one writer at a time; capping the pool at one
	// connection avoids both "database is locked" errors under concurrent
	// access and, for in-memory DSNs, silently talking to a second,
	// separate in-memory database on a second connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping device store: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS devices (
			client_id   INTEGER PRIMARY KEY,
			identifier  TEXT NOT NULL UNIQUE,
			revoked     INTEGER NOT NULL DEFAULT 0,
			enrolled_at DATETIME NOT NULL
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create devices table: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeriveIdentifier hashes a device's raw public key bytes with Keccak256,
// the derivation used throughout the rest of the pack for account/identity
// identifiers, and returns it hex-encoded.
func DeriveIdentifier(publicKey []byte) string {
	return fmt.Sprintf("%x", crypto.Keccak256(publicKey))
}

// Enroll records a new device, or re-enrolls (clearing Revoked) an existing
// one with the same client ID.
func (s *Store) Enroll(ctx context.Context, clientID uint64, publicKey []byte) (Device, error) {
	identifier := DeriveIdentifier(publicKey)
	now := time.Now()

	const upsert = `
		INSERT INTO devices (client_id, identifier, revoked, enrolled_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			identifier  = excluded.identifier,
			revoked     = 0,
			enrolled_at = excluded.enrolled_at
	`
	if _, err := s.db.ExecContext(ctx, upsert, clientID, identifier, now); err != nil {
		return Device{}, fmt.Errorf("enroll device %d: %w", clientID, err)
	}

	return Device{ClientID: clientID, Identifier: identifier, EnrolledAt: now}, nil
}

// Revoke marks clientID's device as revoked without deleting its history.
func (s *Store) Revoke(ctx context.Context, clientID uint64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE devices SET revoked = 1 WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("revoke device %d: %w", clientID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the enrolled device record for clientID.
func (s *Store) Get(ctx context.Context, clientID uint64) (Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT client_id, identifier, revoked, enrolled_at FROM devices WHERE client_id = ?`, clientID)

	var d Device
	var revoked int
	if err := row.Scan(&d.ClientID, &d.Identifier, &revoked, &d.EnrolledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		return Device{}, fmt.Errorf("get device %d: %w", clientID, err)
	}
	d.Revoked = revoked != 0
	return d, nil
}

// List returns every enrolled device, ordered by client ID, optionally
// including revoked ones.
func (s *Store) List(ctx context.Context, includeRevoked bool) ([]Device, error) {
	query := `SELECT client_id, identifier, revoked, enrolled_at FROM devices`
	if !includeRevoked {
		query += ` WHERE revoked = 0`
	}
	query += ` ORDER BY client_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var revoked int
		if err := rows.Scan(&d.ClientID, &d.Identifier, &revoked, &d.EnrolledAt); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		d.Revoked = revoked != 0
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
