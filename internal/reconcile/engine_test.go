package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/persistence/memory"
	"github.com/example/session-scheduler/internal/reconcile"
	"github.com/example/session-scheduler/internal/recurrence"
	"github.com/example/session-scheduler/internal/testfixtures"
)

type env struct {
	store  *memory.Storage
	clock  *testfixtures.Clock
	ids    *testfixtures.IDGenerator
	engine *reconcile.Engine
}

func newEnv(t *testing.T, horizon int) *env {
	t.Helper()
	store := memory.New()
	return newEnvWithSessions(t, store, store, horizon)
}

func newEnvWithSessions(t *testing.T, store *memory.Storage, sessions persistence.SessionRepository, horizon int) *env {
	t.Helper()
	clock := testfixtures.NewClock(time.Time{})
	ids := testfixtures.NewIDGenerator("session")
	engine := reconcile.NewEngine(store, sessions, reconcile.Config{
		HorizonMonths: horizon,
		Now:           clock.NowFunc(),
		NewID:         ids.NextFunc(),
	}, zerolog.Nop())
	return &env{store: store, clock: clock, ids: ids, engine: engine}
}

func (e *env) recurring(t *testing.T, scheduleID string) []persistence.Session {
	t.Helper()
	sessions, err := e.store.ListSessions(context.Background(), persistence.SessionFilter{
		ScheduleID: scheduleID,
		Origin:     persistence.OriginRecurring,
	})
	require.NoError(t, err)
	return sessions
}

func TestReconcileWeeklyScenario(t *testing.T) {
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, e.store, fixture)

	result, err := e.engine.Reconcile(context.Background(), fixture.ID)
	require.NoError(t, err)

	assert.Equal(t, fixture.ID, result.ScheduleID)
	assert.Equal(t, fixture.PatientID, result.PatientID)
	assert.Equal(t, 14, result.Inserted)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, 14, result.Expected)
	assert.False(t, result.Skipped)
	assert.True(t, result.Wrote())

	sessions := e.recurring(t, fixture.ID)
	require.Len(t, sessions, 14)
	loc := recurrence.DefaultLocation
	assert.True(t, sessions[0].ScheduledAt.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, loc)))
	assert.True(t, sessions[1].ScheduledAt.Equal(time.Date(2024, 1, 3, 9, 0, 0, 0, loc)))
	assert.True(t, sessions[2].ScheduledAt.Equal(time.Date(2024, 1, 5, 9, 0, 0, 0, loc)))

	for _, s := range sessions {
		assert.Equal(t, persistence.OriginRecurring, s.Origin)
		assert.Equal(t, persistence.SessionStatusScheduled, s.Status)
		assert.False(t, s.Paid)
		assert.Equal(t, fixture.DurationMinutes, s.DurationMinutes)
		assert.Equal(t, fixture.SessionType, s.SessionType)
		require.NotNil(t, s.SessionValue)
		assert.Equal(t, *fixture.SessionValue, *s.SessionValue)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	e := newEnv(t, 3)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, e.store, fixture)

	first, err := e.engine.Reconcile(context.Background(), fixture.ID)
	require.NoError(t, err)
	require.Positive(t, first.Inserted)
	before := e.recurring(t, fixture.ID)

	second, err := e.engine.Reconcile(context.Background(), fixture.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 0, second.Deleted)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Expected, second.Expected)
	assert.Equal(t, before, e.recurring(t, fixture.ID))
}

func TestReconcileCoversExactlyMatchingInstants(t *testing.T) {
	patterns := map[string]recurrence.Pattern{
		"weekly": testfixtures.WeeklyPattern(time.Tuesday, time.Thursday),
		"biweekly": {
			Frequency:  recurrence.FrequencyBiweekly,
			Interval:   1,
			DaysOfWeek: []time.Weekday{time.Monday},
			StartDate:  recurrence.Date{Year: 2023, Month: time.December, Day: 18},
			StartTime:  recurrence.TimeOfDay{Hour: 14, Minute: 30},
		},
		"daily every third day": {
			Frequency: recurrence.FrequencyDaily,
			Interval:  3,
			StartDate: recurrence.Date{Year: 2023, Month: time.November, Day: 30},
			StartTime: recurrence.TimeOfDay{Hour: 7},
		},
		"monthly on the 31st": {
			Frequency: recurrence.FrequencyMonthly,
			Interval:  1,
			StartDate: recurrence.Date{Year: 2024, Month: time.January, Day: 31},
			StartTime: recurrence.TimeOfDay{Hour: 18},
		},
	}

	for name, pattern := range patterns {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, 3)
			fixture := testfixtures.NewScheduleFixture(testfixtures.WithSchedulePattern(pattern))
			testfixtures.SeedSchedules(t, e.store, fixture)

			_, err := e.engine.Reconcile(context.Background(), fixture.ID)
			require.NoError(t, err)

			materialized := make(map[time.Time]bool)
			for _, s := range e.recurring(t, fixture.ID) {
				materialized[s.ScheduledAt.UTC()] = true
			}

			now := e.clock.Now()
			end := now.AddDate(0, 3, 0)
			loc := recurrence.DefaultLocation
			for day := now; !day.After(end); day = day.AddDate(0, 0, 1) {
				slot := time.Date(day.Year(), day.Month(), day.Day(), pattern.StartTime.Hour, pattern.StartTime.Minute, 0, 0, loc)
				if slot.Before(now) || slot.After(end) {
					continue
				}
				assert.Equal(t, recurrence.Matches(pattern, slot), materialized[slot.UTC()], "slot %s", slot)
			}
		})
	}
}

func TestReconcileNeverTouchesPastOrManualSessions(t *testing.T) {
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, e.store, fixture)

	now := e.clock.Now()
	past := testfixtures.NewSessionFixture(
		testfixtures.Recurring(fixture.ID),
		testfixtures.WithSessionPatient(fixture.PatientID),
		testfixtures.WithSessionAt(now.Add(-72*time.Hour)),
		testfixtures.WithSessionStatus(persistence.SessionStatusCompleted),
	)
	manual := testfixtures.NewSessionFixture(
		testfixtures.WithSessionSchedule(fixture.ID),
		testfixtures.WithSessionPatient(fixture.PatientID),
		testfixtures.WithSessionAt(now.Add(50*time.Hour)),
	)
	// A stray recurring session at an instant the pattern does not produce.
	stray := testfixtures.NewSessionFixture(
		testfixtures.Recurring(fixture.ID),
		testfixtures.WithSessionPatient(fixture.PatientID),
		testfixtures.WithSessionAt(now.Add(26*time.Hour)),
	)
	testfixtures.SeedSessions(t, e.store, past, manual, stray)

	result, err := e.engine.Reconcile(context.Background(), fixture.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 14, result.Inserted)

	all, err := e.store.ListSessions(context.Background(), persistence.SessionFilter{ScheduleID: fixture.ID})
	require.NoError(t, err)

	var sawPast, sawManual, sawStray bool
	for _, s := range all {
		switch s.ID {
		case past.ID:
			sawPast = true
			assert.Equal(t, persistence.SessionStatusCompleted, s.Status)
		case manual.ID:
			sawManual = true
			assert.Equal(t, persistence.OriginManual, s.Origin)
		case stray.ID:
			sawStray = true
		}
		if s.Origin == persistence.OriginRecurring && s.ID != past.ID {
			assert.False(t, s.ScheduledAt.Before(now), "recurring session %s inserted in the past", s.ID)
		}
	}
	assert.True(t, sawPast, "past session must survive")
	assert.True(t, sawManual, "manual session must survive")
	assert.False(t, sawStray, "stray future recurring session must be replaced")
}

func TestReconcileCadenceChange(t *testing.T) {
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture(
		testfixtures.WithSchedulePattern(testfixtures.WeeklyPattern(time.Monday)),
	)
	testfixtures.SeedSchedules(t, e.store, fixture)

	// Twelve sessions materialized while the pattern was Monday/Wednesday/Friday.
	loc := recurrence.DefaultLocation
	var seeded []testfixtures.SessionFixture
	for _, day := range []int{1, 3, 5, 8, 10, 12, 15, 17, 19, 22, 24, 26} {
		seeded = append(seeded, testfixtures.NewSessionFixture(
			testfixtures.Recurring(fixture.ID),
			testfixtures.WithSessionPatient(fixture.PatientID),
			testfixtures.WithSessionAt(time.Date(2024, time.January, day, 9, 0, 0, 0, loc)),
		))
	}
	testfixtures.SeedSessions(t, e.store, seeded...)

	result, err := e.engine.Reconcile(context.Background(), fixture.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, result.Deleted)
	assert.Equal(t, 5, result.Inserted, "Mondays from Jan 1 through Feb 1")

	for _, s := range e.recurring(t, fixture.ID) {
		assert.Equal(t, time.Monday, s.ScheduledAt.In(loc).Weekday())
	}
}

func TestReconcileDiscardsPerOccurrenceEdits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, e.store, fixture)

	_, err := e.engine.Reconcile(ctx, fixture.ID)
	require.NoError(t, err)

	// Move one occurrence an hour later, as a user dragging it on a calendar would.
	sessions := e.recurring(t, fixture.ID)
	moved := sessions[3]
	moved.ScheduledAt = moved.ScheduledAt.Add(time.Hour)
	sessions[3] = moved
	require.NoError(t, e.store.Atomically(ctx, func(tx persistence.SessionTx) error {
		if _, err := tx.DeleteFutureRecurring(ctx, fixture.ID, e.clock.Now()); err != nil {
			return err
		}
		_, err := tx.InsertSessions(ctx, sessions)
		return err
	}))

	result, err := e.engine.Reconcile(ctx, fixture.ID)
	require.NoError(t, err)
	assert.Equal(t, 14, result.Deleted)
	assert.Equal(t, 14, result.Inserted)

	for _, s := range e.recurring(t, fixture.ID) {
		assert.NotEqual(t, moved.ID, s.ID)
		assert.Equal(t, 9, s.ScheduledAt.In(recurrence.DefaultLocation).Hour())
	}
}

func TestReconcileKeepsStatusEditsWhenSlotsMatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, e.store, fixture)

	_, err := e.engine.Reconcile(ctx, fixture.ID)
	require.NoError(t, err)

	sessions := e.recurring(t, fixture.ID)
	sessions[0].Status = persistence.SessionStatusConfirmed
	require.NoError(t, e.store.Atomically(ctx, func(tx persistence.SessionTx) error {
		if _, err := tx.DeleteFutureRecurring(ctx, fixture.ID, e.clock.Now()); err != nil {
			return err
		}
		_, err := tx.InsertSessions(ctx, sessions)
		return err
	}))

	result, err := e.engine.Reconcile(ctx, fixture.ID)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, persistence.SessionStatusConfirmed, e.recurring(t, fixture.ID)[0].Status)
}

func TestReconcileSnapshotsScheduleValues(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture(testfixtures.WithoutScheduleValue(), testfixtures.WithScheduleDuration(30))
	testfixtures.SeedSchedules(t, e.store, fixture)

	_, err := e.engine.Reconcile(ctx, fixture.ID)
	require.NoError(t, err)

	for _, s := range e.recurring(t, fixture.ID) {
		assert.Nil(t, s.SessionValue)
		assert.Equal(t, 30, s.DurationMinutes)
	}
}

func TestReconcileRejectsInactiveSchedule(t *testing.T) {
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture(testfixtures.WithScheduleActive(false))
	testfixtures.SeedSchedules(t, e.store, fixture)

	_, err := e.engine.Reconcile(context.Background(), fixture.ID)

	var stale *reconcile.StaleScheduleError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, fixture.ID, stale.ScheduleID)
	assert.NotNil(t, stale.DeactivatedAt)
	assert.Equal(t, reconcile.KindStaleSchedule, reconcile.ErrorKind(err))
	assert.Empty(t, e.recurring(t, fixture.ID))
}

func TestReconcileMissingSchedule(t *testing.T) {
	e := newEnv(t, 1)

	_, err := e.engine.Reconcile(context.Background(), "schedule-missing")

	var readErr *reconcile.StoreReadError
	require.ErrorAs(t, err, &readErr)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.Equal(t, reconcile.KindNotFound, reconcile.ErrorKind(err))
}

func TestReconcileRejectsInvalidRuleBeforeWriting(t *testing.T) {
	e := newEnv(t, 1)
	pattern := testfixtures.WeeklyPattern()
	pattern.Interval = 0
	fixture := testfixtures.NewScheduleFixture(testfixtures.WithSchedulePattern(pattern))
	testfixtures.SeedSchedules(t, e.store, fixture)
	stale := testfixtures.NewSessionFixture(
		testfixtures.Recurring(fixture.ID),
		testfixtures.WithSessionPatient(fixture.PatientID),
		testfixtures.WithSessionAt(e.clock.Now().Add(time.Hour)),
	)
	testfixtures.SeedSessions(t, e.store, stale)

	_, err := e.engine.Reconcile(context.Background(), fixture.ID)

	var invalid *reconcile.InvalidRuleError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "interval", invalid.Field)
	assert.Equal(t, reconcile.KindInvalidRule, reconcile.ErrorKind(err))
	assert.Len(t, e.recurring(t, fixture.ID), 1, "nothing is written for an invalid rule")
}

// faultySessions injects an insert failure into the atomic unit. With
// rollbackFails the delete is committed before the error is returned, which
// is what a store whose rollback failed leaves behind.
type faultySessions struct {
	*memory.Storage
	rollbackFails bool
}

var errInsert = errors.New("disk full")

func (f *faultySessions) Atomically(ctx context.Context, fn func(tx persistence.SessionTx) error) error {
	var unitErr error
	err := f.Storage.Atomically(ctx, func(tx persistence.SessionTx) error {
		unitErr = fn(failingInsertTx{SessionTx: tx})
		if f.rollbackFails {
			return nil
		}
		return unitErr
	})
	if err != nil {
		return err
	}
	if unitErr != nil {
		return fmt.Errorf("%w: %w (rollback error: connection lost)", unitErr, persistence.ErrRollbackFailed)
	}
	return nil
}

type failingInsertTx struct {
	persistence.SessionTx
}

func (failingInsertTx) InsertSessions(context.Context, []persistence.Session) (int, error) {
	return 0, errInsert
}

func seedMaterialized(t *testing.T, store *memory.Storage, fixture testfixtures.ScheduleFixture, now time.Time, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		testfixtures.SeedSessions(t, store, testfixtures.NewSessionFixture(
			testfixtures.Recurring(fixture.ID),
			testfixtures.WithSessionPatient(fixture.PatientID),
			testfixtures.WithSessionAt(now.Add(time.Duration(i+1)*7*time.Hour)),
		))
	}
}

func TestReconcilePartialFailureIsSurfaced(t *testing.T) {
	store := memory.New()
	e := newEnvWithSessions(t, store, &faultySessions{Storage: store, rollbackFails: true}, 1)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, store, fixture)
	seedMaterialized(t, store, fixture, e.clock.Now(), 4)

	result, err := e.engine.Reconcile(context.Background(), fixture.ID)

	var partial *reconcile.PartialReconciliationError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, fixture.ID, partial.ScheduleID)
	assert.Equal(t, fixture.PatientID, partial.PatientID)
	assert.Equal(t, 4, partial.Deleted)
	assert.Equal(t, 14, partial.Expected)
	assert.ErrorIs(t, err, errInsert)
	assert.ErrorIs(t, err, persistence.ErrRollbackFailed)
	assert.Equal(t, reconcile.KindPartialReconciliation, reconcile.ErrorKind(err))
	assert.Equal(t, 0, result.Inserted)
	assert.Empty(t, e.recurring(t, fixture.ID), "the failed unit left no future sessions")

	// The caller re-runs reconciliation for just this schedule.
	healthy := reconcile.NewEngine(store, store, reconcile.Config{HorizonMonths: 1, Now: e.clock.NowFunc()}, zerolog.Nop())
	retry, err := healthy.Reconcile(context.Background(), fixture.ID)
	require.NoError(t, err)
	assert.Equal(t, 14, retry.Inserted)
}

func TestReconcileCleanRollbackIsWriteError(t *testing.T) {
	store := memory.New()
	e := newEnvWithSessions(t, store, &faultySessions{Storage: store}, 1)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, store, fixture)
	seedMaterialized(t, store, fixture, e.clock.Now(), 4)

	_, err := e.engine.Reconcile(context.Background(), fixture.ID)

	var writeErr *reconcile.StoreWriteError
	require.ErrorAs(t, err, &writeErr)
	var partial *reconcile.PartialReconciliationError
	assert.False(t, errors.As(err, &partial))
	assert.Equal(t, reconcile.KindStoreWrite, reconcile.ErrorKind(err))
	assert.Len(t, e.recurring(t, fixture.ID), 4, "rollback restored the deleted sessions")
}

func TestReconcileReportsManualConflicts(t *testing.T) {
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, e.store, fixture)

	overlapping := testfixtures.NewSessionFixture(
		testfixtures.WithSessionPatient(fixture.PatientID),
		testfixtures.WithSessionAt(time.Date(2024, 1, 3, 9, 30, 0, 0, recurrence.DefaultLocation)),
	)
	elsewhere := testfixtures.NewSessionFixture(
		testfixtures.WithSessionPatient(fixture.PatientID),
		testfixtures.WithSessionAt(time.Date(2024, 1, 4, 9, 0, 0, 0, recurrence.DefaultLocation)),
	)
	testfixtures.SeedSessions(t, e.store, overlapping, elsewhere)

	result, err := e.engine.Reconcile(context.Background(), fixture.ID)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, overlapping.ID, result.Conflicts[0].With.ID)
	assert.True(t, result.Conflicts[0].Candidate.Start.Equal(time.Date(2024, 1, 3, 9, 0, 0, 0, recurrence.DefaultLocation)))
}

func TestRetire(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, e.store, fixture)

	_, err := e.engine.Reconcile(ctx, fixture.ID)
	require.NoError(t, err)

	_, err = e.engine.Retire(ctx, fixture.ID)
	require.ErrorIs(t, err, reconcile.ErrScheduleActive)
	assert.Equal(t, reconcile.KindScheduleActive, reconcile.ErrorKind(err))

	// Three days later the Jan 1 and Jan 3 sessions are in the past and must survive.
	now := e.clock.AdvanceDays(3)
	require.NoError(t, e.store.DeactivateSchedule(ctx, fixture.ID, now))

	result, err := e.engine.Retire(ctx, fixture.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, result.Deleted)
	assert.Equal(t, 0, result.Inserted)

	remaining := e.recurring(t, fixture.ID)
	require.Len(t, remaining, 2)
	for _, s := range remaining {
		assert.True(t, s.ScheduledAt.Before(now))
	}
}

func TestPreview(t *testing.T) {
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture(testfixtures.WithScheduleActive(false))
	testfixtures.SeedSchedules(t, e.store, fixture)

	loc := recurrence.DefaultLocation
	result, err := e.engine.Preview(context.Background(), fixture.ID,
		time.Date(2024, 2, 1, 0, 0, 0, 0, loc), time.Date(2024, 2, 7, 23, 59, 0, 0, loc))
	require.NoError(t, err)

	require.Len(t, result.Occurrences, 3)
	assert.Equal(t, 2, result.Occurrences[0].Start.Day())
	assert.Equal(t, 5, result.Occurrences[1].Start.Day())
	assert.Equal(t, 7, result.Occurrences[2].Start.Day())
	assert.Empty(t, e.recurring(t, fixture.ID))

	_, err = e.engine.Preview(context.Background(), "missing", time.Now(), time.Now())
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestCanceledContextIsReported(t *testing.T) {
	e := newEnv(t, 1)
	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, e.store, fixture)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.engine.Reconcile(ctx, fixture.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, reconcile.KindCanceled, reconcile.ErrorKind(err))
	assert.Empty(t, e.recurring(t, fixture.ID))
}

func TestReconcileNextDayKeepsEverySessionOfPreviousHorizon(t *testing.T) {
	e := newEnv(t, 3)
	daily := recurrence.Pattern{
		Frequency: recurrence.FrequencyDaily,
		Interval:  1,
		StartDate: recurrence.Date{Year: 2024, Month: time.January, Day: 1},
		StartTime: recurrence.TimeOfDay{Hour: 9},
	}
	fixture := testfixtures.NewScheduleFixture(testfixtures.WithSchedulePattern(daily))
	testfixtures.SeedSchedules(t, e.store, fixture)

	loc := recurrence.DefaultLocation
	e.clock.Set(time.Date(2024, time.November, 30, 0, 0, 0, 0, loc))
	_, err := e.engine.Reconcile(context.Background(), fixture.ID)
	require.NoError(t, err)
	first := e.recurring(t, fixture.ID)
	require.NotEmpty(t, first)

	now := e.clock.AdvanceDays(1)
	_, err = e.engine.Reconcile(context.Background(), fixture.ID)
	require.NoError(t, err)
	second := e.recurring(t, fixture.ID)

	kept := make(map[int64]bool, len(second))
	var lastSecond time.Time
	for _, s := range second {
		kept[s.ScheduledAt.UnixNano()] = true
		if s.ScheduledAt.After(lastSecond) {
			lastSecond = s.ScheduledAt
		}
	}
	for _, s := range first {
		if s.ScheduledAt.Before(now) {
			continue
		}
		assert.True(t, kept[s.ScheduledAt.UnixNano()], "session at %s dropped by the next day's run", s.ScheduledAt)
		assert.False(t, s.ScheduledAt.After(lastSecond))
	}
	assert.True(t, lastSecond.Equal(time.Date(2025, time.February, 28, 9, 0, 0, 0, loc)))
}
