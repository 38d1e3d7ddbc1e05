package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// historyTimeFormat is fixed width so timestamps sort as text.
	historyTimeFormat = "2006-01-02T15:04:05.000000Z"
)

// SQLiteStateHistoryRepository keeps the unit change log in the
// state_history table, one row per changed unit with state and attributes
// stored as a JSON document.
type SQLiteStateHistoryRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStateHistoryRepository creates a history repository on db.
// The state_history migration must have been applied.
func NewSQLiteStateHistoryRepository(db *sql.DB) *SQLiteStateHistoryRepository {
	return &SQLiteStateHistoryRepository{db: db, now: time.Now}
}

// unitSnapshot is the JSON document in the state column.
type unitSnapshot struct {
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RecordChange appends the unit's current state to the log.
func (r *SQLiteStateHistoryRepository) RecordChange(ctx context.Context, deviceID string, unit Unit, source string) error {
	if deviceID == "" || unit.ID == "" {
		return errors.New("device and unit id are required")
	}

	doc, err := json.Marshal(unitSnapshot{State: unit.State, Attributes: unit.Attributes})
	if err != nil {
		return fmt.Errorf("encoding unit %s snapshot: %w", unit.ID, err)
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO state_history (device_id, unit_id, state, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		deviceID, unit.ID, string(doc), source, formatHistoryTime(r.now()),
	); err != nil {
		return fmt.Errorf("recording unit %s: %w", unit.ID, err)
	}
	return nil
}

// GetHistory returns the entries selected by q, newest first.
//
// Filters are applied in SQL before the limit, so a unit or since filter
// still yields up to Limit matching rows.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - q: Device, optional unit and since filters, limit (default 50, max 200)
//
// Returns:
//   - []StateHistoryEntry: Matching entries, never nil
//   - error: If the device ID is empty or the query fails
func (r *SQLiteStateHistoryRepository) GetHistory(ctx context.Context, q HistoryQuery) ([]StateHistoryEntry, error) {
	if q.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	limit := clampHistoryLimit(q.Limit)

	var (
		where = []string{"device_id = ?"}
		args  = []any{q.DeviceID}
	)
	if q.UnitID != "" {
		where = append(where, "unit_id = ?")
		args = append(args, q.UnitID)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, formatHistoryTime(q.Since))
	}
	args = append(args, limit)

	query := `SELECT id, device_id, unit_id, state, source, created_at FROM state_history WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history of %s: %w", q.DeviceID, err)
	}
	defer rows.Close()

	entries := make([]StateHistoryEntry, 0, limit)
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history of %s: %w", q.DeviceID, err)
	}
	return entries, nil
}

// PruneHistory deletes entries older than olderThan and reports how many
// rows went.
func (r *SQLiteStateHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("retention must be positive")
	}

	cutoff := formatHistoryTime(r.now().Add(-olderThan))
	result, err := r.db.ExecContext(ctx, `DELETE FROM state_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning history before %s: %w", cutoff, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}
	return n, nil
}

func scanHistoryEntry(rows *sql.Rows) (StateHistoryEntry, error) {
	var (
		entry     StateHistoryEntry
		doc       string
		createdAt string
	)
	if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.UnitID, &doc, &entry.Source, &createdAt); err != nil {
		return entry, fmt.Errorf("scanning history row: %w", err)
	}

	var snap unitSnapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return entry, fmt.Errorf("decoding history row %d: %w", entry.ID, err)
	}
	entry.State = snap.State
	entry.Attributes = snap.Attributes

	ts, err := parseHistoryTime(createdAt)
	if err != nil {
		return entry, fmt.Errorf("history row %d: %w", entry.ID, err)
	}
	entry.CreatedAt = ts
	return entry, nil
}

func clampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return limit
	}
}

func formatHistoryTime(t time.Time) string {
	return t.UTC().Format(historyTimeFormat)
}

// parseHistoryTime accepts the stored format and plain RFC3339 for rows
// written by hand.
func parseHistoryTime(value string) (time.Time, error) {
	if ts, err := time.Parse(historyTimeFormat, value); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at %q: %w", value, err)
	}
	return ts.UTC(), nil
}
