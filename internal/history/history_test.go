package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-avr/migrations"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewRepository(db.DB)
}

// fixedClock returns a clock that advances by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(step)
		return now
	}
}

func TestRecordAndGetHistory(t *testing.T) {
	repo := newTestRepository(t)
	repo.now = fixedClock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC), time.Second)
	ctx := context.Background()

	states := []avr.DeviceState{
		{Power: true},
		{Power: true, VolumePercent: 40},
		{Power: true, VolumePercent: 40, CurrentInput: &avr.Input{ID: "05", Name: "BD", Category: avr.CategoryHDMI}},
	}
	for _, st := range states {
		if err := repo.RecordStateChange(ctx, "lounge", st, ""); err != nil {
			t.Fatalf("RecordStateChange() error = %v", err)
		}
	}
	if err := repo.RecordStateChange(ctx, "kitchen", avr.DeviceState{Muted: true}, SourceStatus); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "lounge", 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}

	newest := entries[0]
	if newest.State.CurrentInput == nil || newest.State.CurrentInput.ID != "05" {
		t.Errorf("newest CurrentInput = %+v, want 05", newest.State.CurrentInput)
	}
	if newest.Source != SourceDevice {
		t.Errorf("Source = %q, want %q", newest.Source, SourceDevice)
	}
	if !newest.CreatedAt.After(entries[2].CreatedAt) {
		t.Errorf("entries not newest first: %v then %v", newest.CreatedAt, entries[2].CreatedAt)
	}

	limited, err := repo.GetHistory(ctx, "lounge", 2)
	if err != nil {
		t.Fatalf("GetHistory(limit=2) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}
}

func TestDeviceIDRequired(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.RecordStateChange(ctx, "", avr.DeviceState{}, ""); !errors.Is(err, ErrDeviceIDRequired) {
		t.Errorf("RecordStateChange() error = %v, want ErrDeviceIDRequired", err)
	}
	if _, err := repo.GetHistory(ctx, "", 10); !errors.Is(err, ErrDeviceIDRequired) {
		t.Errorf("GetHistory() error = %v, want ErrDeviceIDRequired", err)
	}
}

func TestPruneHistory(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Three entries a day apart, then prune from the vantage point of day 3.
	repo.now = fixedClock(start, 24*time.Hour)
	for i := 0; i < 3; i++ {
		if err := repo.RecordStateChange(ctx, "lounge", avr.DeviceState{VolumePercent: i}, ""); err != nil {
			t.Fatalf("RecordStateChange() error = %v", err)
		}
	}

	repo.now = func() time.Time { return start.Add(2*24*time.Hour + time.Hour) }
	removed, err := repo.PruneHistory(ctx, 36*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	entries, err := repo.GetHistory(ctx, "lounge", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, want 2", len(entries))
	}

	if _, err := repo.PruneHistory(ctx, 0); err == nil {
		t.Error("PruneHistory(0) error = nil, want error")
	}
}
