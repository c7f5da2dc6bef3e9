package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/persistence/persistencetest"
	"github.com/example/session-scheduler/internal/persistence/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "scheduler.db")
	store, err := sqlite.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestStoreContract(t *testing.T) {
	persistencetest.RunRepositoryContract(t, func(t *testing.T) persistencetest.Store {
		return openStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
}

func TestRecurringSlotIsUnique(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	scheduleID := "sched-1"
	require.NoError(t, store.CreateSchedule(ctx, persistencetest.NewSchedule(scheduleID, "patient-1")))

	at := time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC)
	err := store.Atomically(ctx, func(tx persistence.SessionTx) error {
		_, err := tx.InsertSessions(ctx, []persistence.Session{
			persistencetest.NewSession("a", "patient-1", &scheduleID, persistence.OriginRecurring, at),
			persistencetest.NewSession("b", "patient-1", &scheduleID, persistence.OriginRecurring, at),
		})
		return err
	})
	assert.ErrorIs(t, err, persistence.ErrDuplicate)

	// A manual session may share the slot.
	manual := persistencetest.NewSession("m", "patient-1", &scheduleID, persistence.OriginManual, at)
	require.NoError(t, store.CreateSession(ctx, manual))
	require.NoError(t, store.Atomically(ctx, func(tx persistence.SessionTx) error {
		_, err := tx.InsertSessions(ctx, []persistence.Session{
			persistencetest.NewSession("a", "patient-1", &scheduleID, persistence.OriginRecurring, at),
		})
		return err
	}))
}

func TestInstantsAreStoredInUTC(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	local := time.Date(2024, time.March, 10, 23, 30, 0, 0, time.FixedZone("BRT", -3*3600))
	require.NoError(t, store.CreateSession(ctx,
		persistencetest.NewSession("late", "patient-1", nil, persistence.OriginManual, local)))

	// 23:30 BRT is 02:30 UTC on the next day.
	from := time.Date(2024, time.March, 11, 2, 0, 0, 0, time.UTC)
	sessions, err := store.ListSessions(ctx, persistence.SessionFilter{From: &from})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].ScheduledAt.Equal(local))
	assert.Equal(t, time.UTC, sessions[0].ScheduledAt.Location())
}
