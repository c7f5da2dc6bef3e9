package testfixtures

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/persistence/sqlite"
)

// SQLiteHarness provides repository access backed by a temporary SQLite storage
// instance for integration-style tests.
type SQLiteHarness struct {
	Schedules persistence.ScheduleRepository
	Sessions  persistence.SessionRepository
	Store     *sqlite.Store

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *SQLiteHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewSQLiteHarness constructs a SQLiteHarness using a temporary file that is
// migrated automatically. Callers may optionally invoke Close, but the helper
// will also register a cleanup callback with the provided testing.TB.
func NewSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "scheduler.db")
	store, err := sqlite.Open("file:"+path, zerolog.Nop())
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		tb.Fatalf("failed to migrate storage: %v", err)
	}

	harness := &SQLiteHarness{
		Schedules: store,
		Sessions:  store,
		Store:     store,
		cleanup: func() {
			_ = store.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}

// SeedSchedules stores each schedule or fails the test.
func SeedSchedules(tb testing.TB, repo persistence.ScheduleRepository, schedules ...ScheduleFixture) {
	tb.Helper()
	for _, f := range schedules {
		if err := repo.CreateSchedule(context.Background(), f.Persistence()); err != nil {
			tb.Fatalf("seed schedule %s: %v", f.ID, err)
		}
	}
}

// SeedSessions stores each session or fails the test.
func SeedSessions(tb testing.TB, repo persistence.SessionRepository, sessions ...SessionFixture) {
	tb.Helper()
	for _, f := range sessions {
		if err := repo.CreateSession(context.Background(), f.Persistence()); err != nil {
			tb.Fatalf("seed session %s: %v", f.ID, err)
		}
	}
}
