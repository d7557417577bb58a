// Package history persists receiver state snapshots in SQLite so the API can
// show recent changes even when InfluxDB is not configured.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
)

// Source values recorded with each entry.
const (
	// SourceDevice marks a change reported by the receiver itself.
	SourceDevice = "device"

	// SourceStatus marks state seeded from the status endpoint document.
	SourceStatus = "status"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	// timestampLayout sorts lexically in time order.
	timestampLayout = "2006-01-02T15:04:05.000000Z"
)

// ErrDeviceIDRequired is returned when a call omits the device id.
var ErrDeviceIDRequired = errors.New("history: device id is required")

// Entry is one recorded state snapshot.
type Entry struct {
	ID        int64           `json:"id"`
	DeviceID  string          `json:"device_id"`
	State     avr.DeviceState `json:"state"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}

// Repository stores and retrieves state history.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a repository over an open, migrated database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// RecordStateChange inserts a snapshot for deviceID.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Receiver identifier (config avr.device_id)
//   - state: Snapshot to persist
//   - source: Origin of the change; empty selects SourceDevice
//
// Returns:
//   - error: ErrDeviceIDRequired or the underlying database error
func (r *Repository) RecordStateChange(ctx context.Context, deviceID string, state avr.DeviceState, source string) error {
	if deviceID == "" {
		return ErrDeviceIDRequired
	}
	if source == "" {
		source = SourceDevice
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO state_history (device_id, state, source, created_at) VALUES (?, ?, ?, ?)",
		deviceID,
		string(stateJSON),
		source,
		r.now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns recent entries for deviceID, newest first.
// limit defaults to 50 and is capped at 200.
func (r *Repository) GetHistory(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, state, source, created_at
		 FROM state_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e         Entry
			stateJSON string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &stateJSON, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &e.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes entries older than olderThan and returns how many
// rows were removed.
func (r *Repository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("history: olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timestampLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	if ts, err := time.Parse(timestampLayout, value); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return ts, nil
}
