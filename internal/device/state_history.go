package device

import (
	"context"
	"time"
)

// StateHistoryEntry is one recorded canonical change of a unit.
//
// Each entry stores the unit state and attributes at the time of the change,
// giving a local trail even when InfluxDB is not configured.
type StateHistoryEntry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	DeviceID string `json:"device_id"`
	UnitID   string `json:"unit_id"`

	// State is the unit state at the time of the change.
	State any `json:"state"`

	// Attributes are the unit's canonical attributes at the time of the change.
	Attributes map[string]any `json:"attributes"`

	// Source is the transport (coap, mqtt, http) or the change reason
	// (gesture, expire) that produced the change.
	Source string `json:"source"`

	// CreatedAt is the timestamp of the change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// HistoryQuery selects state history entries of one device.
type HistoryQuery struct {
	DeviceID string

	// UnitID restricts the result to one unit when set.
	UnitID string

	// Since excludes entries at or before this instant when non-zero.
	Since time.Time

	// Limit caps the result; zero means the default and larger values
	// are clamped.
	Limit int
}

// StateHistoryRepository stores and retrieves unit change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// RecordChange records one unit change.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Device identifier
	//   - unit: Unit snapshot after the change
	//   - source: Origin of the change
	//
	// Returns:
	//   - error: nil on success, otherwise the underlying persistence error
	RecordChange(ctx context.Context, deviceID string, unit Unit, source string) error

	// GetHistory returns the changes matching q, newest first.
	GetHistory(ctx context.Context, q HistoryQuery) ([]StateHistoryEntry, error)

	// PruneHistory deletes entries older than olderThan.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
