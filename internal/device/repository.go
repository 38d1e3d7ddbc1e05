package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is the persisted identity of a device. Canonical state is not
// persisted; it is rebuilt from live traffic.
type Record struct {
	ID        string
	Type      string
	Address   string
	Mode      string
	MQTTName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordOf extracts the persisted fields of a device.
func RecordOf(d *Device) Record {
	return Record{
		ID:        d.ID,
		Type:      d.Type,
		Address:   d.Address,
		Mode:      d.Mode,
		MQTTName:  d.MQTTName,
		CreatedAt: d.CreatedAt,
	}
}

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device record by its identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Record, error)

	// List retrieves all device records.
	List(ctx context.Context) ([]Record, error)

	// Save inserts or updates a device record.
	Save(ctx context.Context, rec *Record) error

	// Delete removes a device record by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device record by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, type, address, mode, mqtt_name, created_at, updated_at
		FROM devices
		WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return rec, nil
}

// List retrieves all device records ordered by ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	query := `
		SELECT id, type, address, mode, mqtt_name, created_at, updated_at
		FROM devices
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return records, nil
}

// Save inserts a record or updates the mutable fields of an existing one.
// CreatedAt is kept from the first insert.
func (r *SQLiteRepository) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" || rec.Type == "" {
		return fmt.Errorf("%w: id and type are required", ErrInvalidDevice)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO devices (id, type, address, mode, mqtt_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			address = excluded.address,
			mode = excluded.mode,
			mqtt_name = excluded.mqtt_name,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Type,
		rec.Address,
		rec.Mode,
		rec.MQTTName,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving device: %w", err)
	}
	return nil
}

// Delete removes a device record and its state history.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	result, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDeviceNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM state_history WHERE device_id = ?", id); err != nil {
		return fmt.Errorf("deleting state history: %w", err)
	}

	return tx.Commit()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec                  Record
		createdAt, updatedAt string
	)
	if err := s.Scan(&rec.ID, &rec.Type, &rec.Address, &rec.Mode, &rec.MQTTName, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}
