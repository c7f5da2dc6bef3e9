// Package persistencetest holds the behavioural contract every repository
// implementation must satisfy. Store packages run it from their tests.
package persistencetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/recurrence"
)

// Store is the combined repository surface under test.
type Store interface {
	persistence.ScheduleRepository
	persistence.SessionRepository
}

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) Store

var base = time.Date(2024, time.January, 1, 12, 0, 0, 0, recurrence.DefaultLocation)

// NewSchedule returns a valid active schedule for patientID.
func NewSchedule(id, patientID string) persistence.Schedule {
	value := int64(15000)
	return persistence.Schedule{
		ID:        id,
		PatientID: patientID,
		Pattern: recurrence.Pattern{
			Frequency:        recurrence.FrequencyWeekly,
			Interval:         1,
			DaysOfWeek:       []time.Weekday{time.Monday, time.Wednesday, time.Friday},
			SessionsPerCycle: 3,
			StartDate:        recurrence.Date{Year: 2024, Month: time.January, Day: 1},
			StartTime:        recurrence.TimeOfDay{Hour: 9},
		},
		DurationMinutes: 50,
		SessionType:     "therapy",
		SessionValue:    &value,
		IsActive:        true,
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

// NewSession returns a valid session at the given instant.
func NewSession(id, patientID string, scheduleID *string, origin persistence.SessionOrigin, at time.Time) persistence.Session {
	return persistence.Session{
		ID:              id,
		PatientID:       patientID,
		ScheduleID:      scheduleID,
		ScheduledAt:     at,
		DurationMinutes: 50,
		SessionType:     "therapy",
		Status:          persistence.SessionStatusScheduled,
		Origin:          origin,
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

// RunRepositoryContract exercises a store implementation.
func RunRepositoryContract(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("schedule round trip", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		schedule := NewSchedule("sched-1", "patient-1")
		schedule.Pattern.DaysOfWeek = []time.Weekday{time.Friday, time.Monday, time.Wednesday, time.Monday}
		require.NoError(t, store.CreateSchedule(ctx, schedule))

		got, err := store.GetSchedule(ctx, "sched-1")
		require.NoError(t, err)
		assertScheduleEqual(t, schedule, got)

		monthly := NewSchedule("sched-2", "patient-2")
		monthly.Pattern = recurrence.Pattern{
			Frequency:   recurrence.FrequencyMonthly,
			Interval:    2,
			DaysOfMonth: []int{31, 1},
			StartDate:   recurrence.Date{Year: 2024, Month: time.January, Day: 31},
			StartTime:   recurrence.TimeOfDay{Hour: 18, Minute: 30},
		}
		monthly.SessionValue = nil
		require.NoError(t, store.CreateSchedule(ctx, monthly))

		got, err = store.GetSchedule(ctx, "sched-2")
		require.NoError(t, err)
		assertScheduleEqual(t, monthly, got)

		_, err = store.GetSchedule(ctx, "missing")
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("one active schedule per patient", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, store.CreateSchedule(ctx, NewSchedule("sched-1", "patient-1")))
		err := store.CreateSchedule(ctx, NewSchedule("sched-2", "patient-1"))
		assert.ErrorIs(t, err, persistence.ErrDuplicate)

		inactive := NewSchedule("sched-3", "patient-1")
		inactive.IsActive = false
		assert.NoError(t, store.CreateSchedule(ctx, inactive))

		active, err := store.GetActiveSchedule(ctx, "patient-1")
		require.NoError(t, err)
		assert.Equal(t, "sched-1", active.ID)

		_, err = store.GetActiveSchedule(ctx, "patient-unknown")
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("replace active schedule", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, store.CreateSchedule(ctx, NewSchedule("sched-1", "patient-1")))
		require.NoError(t, store.CreateSchedule(ctx, NewSchedule("sched-other", "patient-2")))

		at := base.Add(time.Hour)
		next := NewSchedule("sched-2", "patient-1")
		next.CreatedAt, next.UpdatedAt = at, at
		previous, err := store.ReplaceActiveSchedule(ctx, next, at)
		require.NoError(t, err)
		require.NotNil(t, previous)
		assert.Equal(t, "sched-1", previous.ID)
		assert.False(t, previous.IsActive)

		old, err := store.GetSchedule(ctx, "sched-1")
		require.NoError(t, err)
		assert.False(t, old.IsActive)
		require.NotNil(t, old.DeactivatedAt)
		assert.True(t, old.DeactivatedAt.Equal(at))

		active, err := store.ListActiveSchedules(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(active))
		for _, s := range active {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []string{"sched-other", "sched-2"}, ids)

		first, err := store.ReplaceActiveSchedule(ctx, NewSchedule("sched-3", "patient-3"), at)
		require.NoError(t, err)
		assert.Nil(t, first, "patient without a schedule has nothing to deactivate")
	})

	t.Run("deactivate schedule", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, store.CreateSchedule(ctx, NewSchedule("sched-1", "patient-1")))
		require.NoError(t, store.DeactivateSchedule(ctx, "sched-1", base))
		assert.ErrorIs(t, store.DeactivateSchedule(ctx, "sched-1", base), persistence.ErrNotFound)

		_, err := store.GetActiveSchedule(ctx, "patient-1")
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("inactive schedules with future recurring sessions", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		now := base.Add(72 * time.Hour)

		seed := func(id, patientID string, created time.Time, active bool, at ...time.Time) {
			t.Helper()
			schedule := NewSchedule(id, patientID)
			schedule.CreatedAt = created
			schedule.UpdatedAt = created
			require.NoError(t, store.CreateSchedule(ctx, schedule))
			for i, when := range at {
				session := NewSession(fmt.Sprintf("%s-%d", id, i), patientID, &id, persistence.OriginRecurring, when)
				require.NoError(t, store.CreateSession(ctx, session))
			}
			if !active {
				require.NoError(t, store.DeactivateSchedule(ctx, id, base))
			}
		}
		seed("sched-past", "patient-1", base, false, now.Add(-time.Hour))
		seed("sched-late", "patient-2", base, false, now.Add(-time.Hour), now.Add(48*time.Hour))
		seed("sched-live", "patient-3", base, true, now.Add(24*time.Hour))
		seed("sched-empty", "patient-4", base, false)
		seed("sched-early", "patient-5", base.Add(-time.Hour), false, now)
		require.NoError(t, store.CreateSession(ctx, NewSession("manual-1", "patient-4", nil, persistence.OriginManual, now.Add(time.Hour))))

		orphans, err := store.ListInactiveWithFutureRecurring(ctx, now)
		require.NoError(t, err)
		require.Len(t, orphans, 2)
		assert.Equal(t, "sched-early", orphans[0].ID)
		assert.Equal(t, "sched-late", orphans[1].ID)
		assert.False(t, orphans[1].IsActive)
		assert.Equal(t, "patient-2", orphans[1].PatientID)

		none, err := store.ListInactiveWithFutureRecurring(ctx, now.Add(72*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("session invariants", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, store.CreateSchedule(ctx, NewSchedule("sched-1", "patient-1")))

		manual := NewSession("manual-1", "patient-1", nil, persistence.OriginManual, base)
		require.NoError(t, store.CreateSession(ctx, manual))

		orphan := NewSession("orphan-1", "patient-1", nil, persistence.OriginRecurring, base)
		assert.ErrorIs(t, store.CreateSession(ctx, orphan), persistence.ErrConstraintViolation)

		missing := "sched-missing"
		dangling := NewSession("dangling-1", "patient-1", &missing, persistence.OriginRecurring, base)
		assert.ErrorIs(t, store.CreateSession(ctx, dangling), persistence.ErrForeignKeyViolation)

		assert.ErrorIs(t, store.CreateSession(ctx, manual), persistence.ErrDuplicate)
	})

	t.Run("list sessions filters", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		scheduleID := "sched-1"
		require.NoError(t, store.CreateSchedule(ctx, NewSchedule(scheduleID, "patient-1")))

		value := int64(9900)
		rec := NewSession("rec-1", "patient-1", &scheduleID, persistence.OriginRecurring, base.Add(48*time.Hour))
		rec.SessionValue = &value
		rec.Paid = true
		require.NoError(t, store.CreateSession(ctx, rec))
		require.NoError(t, store.CreateSession(ctx, NewSession("man-1", "patient-1", nil, persistence.OriginManual, base.Add(24*time.Hour))))
		require.NoError(t, store.CreateSession(ctx, NewSession("man-2", "patient-2", nil, persistence.OriginManual, base.Add(72*time.Hour))))

		all, err := store.ListSessions(ctx, persistence.SessionFilter{PatientID: "patient-1"})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "man-1", all[0].ID)
		assert.Equal(t, "rec-1", all[1].ID)
		assert.True(t, all[1].ScheduledAt.Equal(rec.ScheduledAt))
		require.NotNil(t, all[1].SessionValue)
		assert.Equal(t, value, *all[1].SessionValue)
		assert.True(t, all[1].Paid)
		require.NotNil(t, all[1].ScheduleID)
		assert.Equal(t, scheduleID, *all[1].ScheduleID)

		from := base.Add(36 * time.Hour)
		later, err := store.ListSessions(ctx, persistence.SessionFilter{From: &from})
		require.NoError(t, err)
		assert.Len(t, later, 2)

		to := base.Add(48 * time.Hour)
		window, err := store.ListSessions(ctx, persistence.SessionFilter{From: &from, To: &to, Origin: persistence.OriginRecurring})
		require.NoError(t, err)
		require.Len(t, window, 1)
		assert.Equal(t, "rec-1", window[0].ID)

		bySchedule, err := store.ListSessions(ctx, persistence.SessionFilter{ScheduleID: scheduleID})
		require.NoError(t, err)
		assert.Len(t, bySchedule, 1)
	})

	t.Run("atomic unit touches only future recurring sessions of the schedule", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		scheduleID, otherID := "sched-1", "sched-2"
		require.NoError(t, store.CreateSchedule(ctx, NewSchedule(scheduleID, "patient-1")))
		require.NoError(t, store.CreateSchedule(ctx, NewSchedule(otherID, "patient-2")))

		now := base.Add(72 * time.Hour)
		seed := []persistence.Session{
			NewSession("past", "patient-1", &scheduleID, persistence.OriginRecurring, now.Add(-time.Hour)),
			NewSession("future-1", "patient-1", &scheduleID, persistence.OriginRecurring, now),
			NewSession("future-2", "patient-1", &scheduleID, persistence.OriginRecurring, now.Add(48*time.Hour)),
			NewSession("manual", "patient-1", &scheduleID, persistence.OriginManual, now.Add(24*time.Hour)),
			NewSession("other", "patient-2", &otherID, persistence.OriginRecurring, now.Add(24*time.Hour)),
		}
		for _, s := range seed {
			require.NoError(t, store.CreateSession(ctx, s))
		}

		var listed []persistence.Session
		var deleted, inserted int
		err := store.Atomically(ctx, func(tx persistence.SessionTx) error {
			var err error
			if listed, err = tx.ListFutureRecurring(ctx, scheduleID, now); err != nil {
				return err
			}
			if deleted, err = tx.DeleteFutureRecurring(ctx, scheduleID, now); err != nil {
				return err
			}
			inserted, err = tx.InsertSessions(ctx, []persistence.Session{
				NewSession("new-1", "patient-1", &scheduleID, persistence.OriginRecurring, now.Add(2*time.Hour)),
			})
			return err
		})
		require.NoError(t, err)

		require.Len(t, listed, 2)
		assert.Equal(t, "future-1", listed[0].ID)
		assert.Equal(t, "future-2", listed[1].ID)
		assert.Equal(t, 2, deleted)
		assert.Equal(t, 1, inserted)

		remaining, err := store.ListSessions(ctx, persistence.SessionFilter{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"past", "manual", "other", "new-1"}, sessionIDs(remaining))
	})

	t.Run("atomic unit rolls back on error", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		scheduleID := "sched-1"
		require.NoError(t, store.CreateSchedule(ctx, NewSchedule(scheduleID, "patient-1")))
		require.NoError(t, store.CreateSession(ctx,
			NewSession("future-1", "patient-1", &scheduleID, persistence.OriginRecurring, base.Add(time.Hour))))

		failure := errors.New("boom")
		err := store.Atomically(ctx, func(tx persistence.SessionTx) error {
			if _, err := tx.DeleteFutureRecurring(ctx, scheduleID, base); err != nil {
				return err
			}
			if _, err := tx.InsertSessions(ctx, []persistence.Session{
				NewSession("new-1", "patient-1", &scheduleID, persistence.OriginRecurring, base.Add(2*time.Hour)),
			}); err != nil {
				return err
			}
			return failure
		})
		require.ErrorIs(t, err, failure)
		assert.NotErrorIs(t, err, persistence.ErrRollbackFailed)

		remaining, err := store.ListSessions(ctx, persistence.SessionFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"future-1"}, sessionIDs(remaining))
	})

	t.Run("insert rejects manual sessions and duplicates", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		scheduleID := "sched-1"
		require.NoError(t, store.CreateSchedule(ctx, NewSchedule(scheduleID, "patient-1")))

		err := store.Atomically(ctx, func(tx persistence.SessionTx) error {
			_, err := tx.InsertSessions(ctx, []persistence.Session{
				NewSession("manual", "patient-1", &scheduleID, persistence.OriginManual, base),
			})
			return err
		})
		assert.ErrorIs(t, err, persistence.ErrConstraintViolation)

		err = store.Atomically(ctx, func(tx persistence.SessionTx) error {
			n, err := tx.InsertSessions(ctx, []persistence.Session{
				NewSession("dup", "patient-1", &scheduleID, persistence.OriginRecurring, base),
				NewSession("dup", "patient-1", &scheduleID, persistence.OriginRecurring, base.Add(time.Hour)),
			})
			if err == nil {
				return fmt.Errorf("expected duplicate error, inserted %d", n)
			}
			return err
		})
		assert.ErrorIs(t, err, persistence.ErrDuplicate)

		remaining, err := store.ListSessions(ctx, persistence.SessionFilter{})
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})
}

func sessionIDs(sessions []persistence.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}

func assertScheduleEqual(t *testing.T, want, got persistence.Schedule) {
	t.Helper()

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.PatientID, got.PatientID)
	assert.Equal(t, want.Pattern.Normalize(), got.Pattern)
	assert.Equal(t, want.DurationMinutes, got.DurationMinutes)
	assert.Equal(t, want.SessionType, got.SessionType)
	assert.Equal(t, want.SessionValue, got.SessionValue)
	assert.Equal(t, want.IsActive, got.IsActive)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %s != %s", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at %s != %s", want.UpdatedAt, got.UpdatedAt)
	assert.Nil(t, got.DeactivatedAt)
}
