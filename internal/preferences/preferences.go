// Package preferences stores per-input visibility chosen by the user.
//
// An input with no stored preference is hidden, so a freshly discovered
// receiver exposes nothing until the user opts inputs in.
package preferences

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
)

// ErrInvalidInputID is returned for ids that are not two digits.
var ErrInvalidInputID = errors.New("preferences: invalid input id")

// Preference is the stored visibility of one input.
type Preference struct {
	InputID   string    `json:"input_id"`
	Hidden    bool      `json:"hidden"`
	UpdatedAt time.Time `json:"updated_at"`
}

// legacyDocument is the JSON file written by earlier plugin versions.
// Values are hidden flags keyed by input id.
type legacyDocument struct {
	InputVisibilities map[string]bool `json:"inputVisibilities"`
}

// Repository persists preferences in the input_preferences table.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repository over an open, migrated database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// IsInputHidden reports whether id is hidden. Unknown ids are hidden.
func (r *Repository) IsInputHidden(ctx context.Context, id string) (bool, error) {
	id, err := normalize(id)
	if err != nil {
		return true, err
	}

	var hidden bool
	err = r.db.QueryRowContext(ctx,
		"SELECT hidden FROM input_preferences WHERE input_id = ?", id,
	).Scan(&hidden)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("querying input preference: %w", err)
	}
	return hidden, nil
}

// SetInputHidden stores the visibility of id.
func (r *Repository) SetInputHidden(ctx context.Context, id string, hidden bool) error {
	id, err := normalize(id)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO input_preferences (input_id, hidden, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(input_id) DO UPDATE SET hidden = excluded.hidden, updated_at = excluded.updated_at`,
		id, hidden, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving input preference: %w", err)
	}
	return nil
}

// List returns every stored preference ordered by input id.
func (r *Repository) List(ctx context.Context) ([]Preference, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT input_id, hidden, updated_at FROM input_preferences ORDER BY input_id")
	if err != nil {
		return nil, fmt.Errorf("querying input preferences: %w", err)
	}
	defer rows.Close()

	var prefs []Preference
	for rows.Next() {
		var (
			p         Preference
			updatedAt string
		)
		if err := rows.Scan(&p.InputID, &p.Hidden, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning input preference: %w", err)
		}
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // Format is ours
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating input preferences: %w", err)
	}
	return prefs, nil
}

// ImportLegacy upserts the visibilities from a legacy JSON preferences file.
// A missing file is not an error. Entries with invalid ids are skipped.
//
// Returns:
//   - int: Number of preferences imported
//   - error: If the file cannot be read or parsed, or a write fails
func (r *Repository) ImportLegacy(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading legacy preferences: %w", err)
	}

	var doc legacyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parsing legacy preferences: %w", err)
	}

	ids := make([]string, 0, len(doc.InputVisibilities))
	for id := range doc.InputVisibilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	imported := 0
	for _, id := range ids {
		if err := r.SetInputHidden(ctx, id, doc.InputVisibilities[id]); err != nil {
			if errors.Is(err, ErrInvalidInputID) {
				continue
			}
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func normalize(id string) (string, error) {
	norm, err := avr.NormalizeInputID(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidInputID, id)
	}
	return norm, nil
}
