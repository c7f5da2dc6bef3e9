// Package reconcile converges the materialized recurring sessions of a
// schedule with the occurrences its pattern implies.
//
// A reconciliation reads the schedule fresh from the store, generates the
// expected occurrences for the configured horizon and, inside one atomic
// unit, replaces the schedule's future recurring sessions with them. Past
// sessions and manual sessions are never touched.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/recurrence"
	"github.com/example/session-scheduler/internal/scheduler"
)

// DefaultHorizonMonths is used when Config.HorizonMonths is zero.
const DefaultHorizonMonths = 3

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	HorizonMonths int
	Location      *time.Location
	Now           func() time.Time
	NewID         func() string
}

// Result reports what a reconciliation did.
type Result struct {
	ScheduleID string
	PatientID  string
	Inserted   int
	Deleted    int
	// Expected is the number of occurrences the pattern implies in the horizon.
	Expected int
	// Skipped is set when the stored sessions already matched and nothing was written.
	Skipped   bool
	Truncated bool
	Conflicts []scheduler.Conflict
}

// Wrote reports whether the reconciliation changed any session.
func (r Result) Wrote() bool {
	return r.Inserted > 0 || r.Deleted > 0
}

// Engine is the single writer of recurring sessions.
type Engine struct {
	schedules persistence.ScheduleRepository
	sessions  persistence.SessionRepository
	generator *recurrence.Generator
	horizon   int
	now       func() time.Time
	newID     func() string
	logger    zerolog.Logger
}

// NewEngine wires an engine over the given stores.
func NewEngine(schedules persistence.ScheduleRepository, sessions persistence.SessionRepository, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.HorizonMonths == 0 {
		cfg.HorizonMonths = DefaultHorizonMonths
	}
	if cfg.Location == nil {
		cfg.Location = recurrence.DefaultLocation
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Engine{
		schedules: schedules,
		sessions:  sessions,
		generator: recurrence.NewGenerator(cfg.Location, cfg.Now, logger),
		horizon:   cfg.HorizonMonths,
		now:       cfg.Now,
		newID:     cfg.NewID,
		logger:    logger.With().Str("component", "reconciliation_engine").Logger(),
	}
}

// HorizonMonths returns the configured generation horizon.
func (e *Engine) HorizonMonths() int {
	return e.horizon
}

// Location returns the zone occurrences are generated in.
func (e *Engine) Location() *time.Location {
	return e.generator.Location()
}

// Reconcile makes the future recurring sessions of scheduleID equal to the
// occurrences its pattern implies within the horizon.
//
// When the stored sessions already match (same instants, duration, type and
// value) nothing is written and the result is marked Skipped. Otherwise every
// recurring session of the schedule at or after now is deleted and the
// expected set inserted, both in one atomic unit. Per-occurrence edits inside
// the window are discarded by that replacement.
func (e *Engine) Reconcile(ctx context.Context, scheduleID string) (Result, error) {
	now := e.now().In(e.Location())
	logger := e.logger.With().Str("schedule_id", scheduleID).Logger()

	schedule, err := e.loadActive(ctx, scheduleID)
	if err != nil {
		return Result{ScheduleID: scheduleID}, err
	}
	result := Result{ScheduleID: schedule.ID, PatientID: schedule.PatientID}
	logger = logger.With().Str("patient_id", schedule.PatientID).Logger()

	generated, err := e.generator.GenerateAt(schedule.Pattern, now, e.horizon)
	if err != nil {
		return result, err
	}
	expected := e.materialize(schedule, generated.Occurrences, now)
	result.Expected = len(expected)
	result.Truncated = generated.Truncated

	var (
		deleteApplied bool
		insertFailed  bool
		deleted       int
		inserted      int
		skipped       bool
	)
	err = e.sessions.Atomically(ctx, func(tx persistence.SessionTx) error {
		existing, err := tx.ListFutureRecurring(ctx, schedule.ID, now)
		if err != nil {
			return &StoreReadError{ScheduleID: schedule.ID, Op: "list future recurring sessions", Err: err}
		}
		if sameSessions(existing, expected) {
			skipped = true
			return nil
		}

		if deleted, err = tx.DeleteFutureRecurring(ctx, schedule.ID, now); err != nil {
			return &StoreWriteError{ScheduleID: schedule.ID, Op: "delete future recurring sessions", Err: err}
		}
		deleteApplied = true

		if inserted, err = tx.InsertSessions(ctx, expected); err != nil {
			insertFailed = true
			return &StoreWriteError{ScheduleID: schedule.ID, Op: "insert recurring sessions", Err: err}
		}
		return nil
	})
	if err != nil {
		if deleteApplied && insertFailed && errors.Is(err, persistence.ErrRollbackFailed) {
			partial := &PartialReconciliationError{
				ScheduleID: schedule.ID,
				PatientID:  schedule.PatientID,
				Expected:   len(expected),
				Deleted:    deleted,
				Err:        err,
			}
			logger.Error().Err(err).
				Int("deleted", deleted).
				Int("expected", len(expected)).
				Msg("partial reconciliation; re-run reconciliation for this schedule")
			return result, partial
		}
		return result, classifyUnitError(schedule.ID, err)
	}

	result.Skipped = skipped
	result.Deleted = deleted
	result.Inserted = inserted
	result.Conflicts = e.conflicts(ctx, schedule, expected, now, logger)

	logger.Info().
		Int("inserted", inserted).
		Int("deleted", deleted).
		Int("expected", result.Expected).
		Bool("skipped", skipped).
		Msg("schedule reconciled")
	return result, nil
}

// Retire deletes the future recurring sessions of an inactive schedule so a
// replaced or cancelled rule leaves nothing behind.
func (e *Engine) Retire(ctx context.Context, scheduleID string) (Result, error) {
	now := e.now().In(e.Location())

	schedule, err := e.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Result{ScheduleID: scheduleID}, &StoreReadError{ScheduleID: scheduleID, Op: "get schedule", Err: err}
	}
	result := Result{ScheduleID: schedule.ID, PatientID: schedule.PatientID}
	if schedule.IsActive {
		return result, ErrScheduleActive
	}

	var deleted int
	err = e.sessions.Atomically(ctx, func(tx persistence.SessionTx) error {
		var err error
		if deleted, err = tx.DeleteFutureRecurring(ctx, schedule.ID, now); err != nil {
			return &StoreWriteError{ScheduleID: schedule.ID, Op: "delete future recurring sessions", Err: err}
		}
		return nil
	})
	if err != nil {
		return result, classifyUnitError(schedule.ID, err)
	}

	result.Deleted = deleted
	e.logger.Info().
		Str("schedule_id", schedule.ID).
		Str("patient_id", schedule.PatientID).
		Int("deleted", deleted).
		Msg("schedule retired")
	return result, nil
}

// Preview returns the occurrences of scheduleID between from and to
// inclusive without writing anything. Inactive schedules can be previewed.
func (e *Engine) Preview(ctx context.Context, scheduleID string, from, to time.Time) (recurrence.Result, error) {
	schedule, err := e.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return recurrence.Result{}, &StoreReadError{ScheduleID: scheduleID, Op: "get schedule", Err: err}
	}
	return e.generator.GenerateBetween(schedule.Pattern, from, to)
}

func (e *Engine) loadActive(ctx context.Context, scheduleID string) (persistence.Schedule, error) {
	schedule, err := e.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return persistence.Schedule{}, &StoreReadError{ScheduleID: scheduleID, Op: "get schedule", Err: err}
	}
	if !schedule.IsActive {
		return persistence.Schedule{}, &StaleScheduleError{
			ScheduleID:    schedule.ID,
			PatientID:     schedule.PatientID,
			DeactivatedAt: schedule.DeactivatedAt,
		}
	}
	return schedule, nil
}

func (e *Engine) materialize(schedule persistence.Schedule, occurrences []recurrence.Occurrence, now time.Time) []persistence.Session {
	sessions := make([]persistence.Session, 0, len(occurrences))
	for _, occ := range occurrences {
		scheduleID := schedule.ID
		var value *int64
		if schedule.SessionValue != nil {
			v := *schedule.SessionValue
			value = &v
		}
		sessions = append(sessions, persistence.Session{
			ID:              e.newID(),
			PatientID:       schedule.PatientID,
			ScheduleID:      &scheduleID,
			ScheduledAt:     occ.Start,
			DurationMinutes: schedule.DurationMinutes,
			SessionType:     schedule.SessionType,
			SessionValue:    value,
			Status:          persistence.SessionStatusScheduled,
			Paid:            false,
			Origin:          persistence.OriginRecurring,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return sessions
}

// conflicts reports overlaps between the expected sessions and the patient's
// manual sessions. A failed read is logged and yields no conflicts.
func (e *Engine) conflicts(ctx context.Context, schedule persistence.Schedule, expected []persistence.Session, now time.Time, logger zerolog.Logger) []scheduler.Conflict {
	if len(expected) == 0 {
		return nil
	}
	to := expected[len(expected)-1].ScheduledAt
	manual, err := e.sessions.ListSessions(ctx, persistence.SessionFilter{
		PatientID: schedule.PatientID,
		Origin:    persistence.OriginManual,
		From:      &now,
		To:        &to,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("could not load manual sessions for conflict detection")
		return nil
	}

	booked := make([]scheduler.Slot, 0, len(manual))
	for _, s := range manual {
		booked = append(booked, scheduler.NewSlot(s.ID, s.ScheduledAt, minutes(s.DurationMinutes)))
	}
	candidates := make([]scheduler.Slot, 0, len(expected))
	for _, s := range expected {
		candidates = append(candidates, scheduler.NewSlot(s.ID, s.ScheduledAt, minutes(s.DurationMinutes)))
	}

	conflicts := scheduler.DetectConflicts(booked, candidates, scheduler.ConflictTypeManual)
	if len(conflicts) > 0 {
		logger.Warn().Int("conflicts", len(conflicts)).Msg("recurring sessions overlap manual sessions")
	}
	return conflicts
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// classifyUnitError keeps typed errors raised inside an atomic unit and wraps
// begin or commit failures as write errors.
func classifyUnitError(scheduleID string, err error) error {
	var (
		read  *StoreReadError
		write *StoreWriteError
	)
	if errors.As(err, &read) || errors.As(err, &write) {
		return err
	}
	return &StoreWriteError{ScheduleID: scheduleID, Op: "atomic unit", Err: err}
}

// sameSessions compares the fields reconciliation controls. Both slices are
// ordered by ScheduledAt.
func sameSessions(existing, expected []persistence.Session) bool {
	if len(existing) != len(expected) {
		return false
	}
	for i := range existing {
		a, b := existing[i], expected[i]
		if !a.ScheduledAt.Equal(b.ScheduledAt) ||
			a.DurationMinutes != b.DurationMinutes ||
			a.SessionType != b.SessionType ||
			!sameValue(a.SessionValue, b.SessionValue) {
			return false
		}
	}
	return true
}

func sameValue(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
