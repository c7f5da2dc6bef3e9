// Package audit runs reconciliation across many schedules with per-schedule
// failure isolation and reports the outcome of each.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/session-scheduler/internal/lock"
	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/reconcile"
)

// ErrNoActiveSchedule is returned by AuditOne for a patient without an
// active schedule.
var ErrNoActiveSchedule = errors.New("audit: patient has no active schedule")

// Outcome labels added on top of reconcile.ErrorKind.
const (
	KindLockUnavailable  = "lock_unavailable"
	KindNoActiveSchedule = "no_active_schedule"
)

// Reconciler is the part of reconcile.Engine the auditor drives.
type Reconciler interface {
	Reconcile(ctx context.Context, scheduleID string) (reconcile.Result, error)
	Retire(ctx context.Context, scheduleID string) (reconcile.Result, error)
}

// CacheInvalidator drops downstream caches of a patient's sessions.
type CacheInvalidator interface {
	InvalidatePatient(ctx context.Context, patientID string) error
}

// Config tunes an Auditor. Zero values select defaults.
type Config struct {
	// Workers bounds concurrent reconciliations. One runs schedules in order.
	Workers int
	Now     func() time.Time
}

// Auditor is the only component that reconciles many schedules in one call.
type Auditor struct {
	schedules   persistence.ScheduleRepository
	engine      Reconciler
	locker      lock.Locker
	invalidator CacheInvalidator
	workers     int
	now         func() time.Time
	logger      zerolog.Logger
}

// NewAuditor wires an auditor. A nil locker selects an in-process keyed
// mutex; a nil invalidator disables cache invalidation.
func NewAuditor(schedules persistence.ScheduleRepository, engine Reconciler, locker lock.Locker, invalidator CacheInvalidator, cfg Config, logger zerolog.Logger) *Auditor {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Auditor{
		schedules:   schedules,
		engine:      engine,
		locker:      locker,
		invalidator: invalidator,
		workers:     cfg.Workers,
		now:         cfg.Now,
		logger:      logger.With().Str("component", "integrity_auditor").Logger(),
	}
}

// AuditAll reconciles every active schedule, then retires inactive schedules
// that still own future recurring sessions. Per-schedule failures are in the
// report; the error is non-nil only when a schedule list can't be read.
func (a *Auditor) AuditAll(ctx context.Context) (Report, error) {
	started := a.now()
	schedules, err := a.schedules.ListActiveSchedules(ctx)
	if err != nil {
		return Report{StartedAt: started, FinishedAt: a.now()}, fmt.Errorf("audit: list active schedules: %w", err)
	}
	orphans, err := a.schedules.ListInactiveWithFutureRecurring(ctx, started)
	if err != nil {
		return Report{StartedAt: started, FinishedAt: a.now()}, fmt.Errorf("audit: list retired schedules with future sessions: %w", err)
	}

	tasks := make([]task, 0, len(schedules)+len(orphans))
	for _, s := range schedules {
		tasks = append(tasks, task{scheduleID: s.ID})
	}
	for _, s := range orphans {
		tasks = append(tasks, task{scheduleID: s.ID, retire: true})
	}
	return a.run(ctx, started, tasks), nil
}

// AuditSchedules reconciles the given schedules in the given order.
func (a *Auditor) AuditSchedules(ctx context.Context, scheduleIDs []string) Report {
	tasks := make([]task, 0, len(scheduleIDs))
	for _, id := range scheduleIDs {
		tasks = append(tasks, task{scheduleID: id})
	}
	return a.run(ctx, a.now(), tasks)
}

// AuditOne reconciles the active schedule of patientID. The returned error
// is the outcome's error, kept typed for callers that map it.
func (a *Auditor) AuditOne(ctx context.Context, patientID string) (Outcome, error) {
	schedule, err := a.schedules.GetActiveSchedule(ctx, patientID)
	if err != nil {
		outcome := Outcome{PatientID: patientID}
		if errors.Is(err, persistence.ErrNotFound) {
			err = fmt.Errorf("%w: patient %s", ErrNoActiveSchedule, patientID)
		} else {
			err = &reconcile.StoreReadError{Op: "get active schedule", Err: err}
		}
		outcome.fail(err, kindOf(err))
		return outcome, err
	}

	outcome := a.reconcileOne(ctx, schedule.ID)
	return outcome, outcome.err
}

// Retire removes the future recurring sessions of an inactive schedule under
// the schedule's lock.
func (a *Auditor) Retire(ctx context.Context, scheduleID string) (Outcome, error) {
	outcome := a.retireOne(ctx, scheduleID)
	return outcome, outcome.err
}

// task is one unit of an audit run: reconcile an active schedule or retire
// an inactive one.
type task struct {
	scheduleID string
	retire     bool
}

func (t task) do(ctx context.Context, a *Auditor) Outcome {
	if t.retire {
		return a.retireOne(ctx, t.scheduleID)
	}
	return a.reconcileOne(ctx, t.scheduleID)
}

func (a *Auditor) run(ctx context.Context, started time.Time, tasks []task) Report {
	outcomes := make([]Outcome, len(tasks))

	if a.workers == 1 {
		for i, t := range tasks {
			outcomes[i] = t.do(ctx, a)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(a.workers)
		for i, t := range tasks {
			g.Go(func() error {
				outcomes[i] = t.do(ctx, a)
				return nil
			})
		}
		_ = g.Wait()
	}

	report := newReport(started, a.now(), outcomes)
	a.logger.Info().
		Int("schedules", report.Totals.Schedules).
		Int("succeeded", report.Totals.Succeeded).
		Int("failed", report.Totals.Failed).
		Int("inserted", report.Totals.Inserted).
		Int("deleted", report.Totals.Deleted).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("audit finished")
	return report
}

func (a *Auditor) reconcileOne(ctx context.Context, scheduleID string) Outcome {
	return a.locked(ctx, scheduleID, a.engine.Reconcile)
}

func (a *Auditor) retireOne(ctx context.Context, scheduleID string) Outcome {
	outcome := a.locked(ctx, scheduleID, a.engine.Retire)
	outcome.Retired = true
	return outcome
}

// locked runs op for scheduleID while holding its lock. A schedule that has
// not started when ctx is cancelled is reported as cancelled; once started,
// op runs to completion detached from ctx.
func (a *Auditor) locked(ctx context.Context, scheduleID string, op func(context.Context, string) (reconcile.Result, error)) Outcome {
	logger := a.logger.With().Str("schedule_id", scheduleID).Logger()
	outcome := Outcome{ScheduleID: scheduleID}

	if err := ctx.Err(); err != nil {
		outcome.fail(err, reconcile.KindCanceled)
		return outcome
	}

	unlock, err := a.locker.Lock(ctx, scheduleID)
	if err != nil {
		kind := KindLockUnavailable
		if ctx.Err() != nil {
			kind = reconcile.KindCanceled
		}
		outcome.fail(err, kind)
		logger.Warn().Err(err).Str("error_kind", kind).Msg("schedule lock not acquired")
		return outcome
	}

	runCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := unlock(runCtx); err != nil {
			logger.Warn().Err(err).Msg("release schedule lock")
		}
	}()

	result, err := op(runCtx, scheduleID)
	outcome.apply(result)
	if err != nil {
		outcome.fail(err, kindOf(err))
		logger.Error().Err(err).
			Str("patient_id", outcome.PatientID).
			Str("error_kind", outcome.ErrorKind).
			Msg("schedule reconciliation failed")

		// The delete of a partial reconciliation is committed.
		var partial *reconcile.PartialReconciliationError
		if errors.As(err, &partial) {
			outcome.Deleted = partial.Deleted
			a.invalidate(runCtx, partial.PatientID, logger)
		}
		return outcome
	}

	if result.Wrote() {
		a.invalidate(runCtx, result.PatientID, logger)
	}
	return outcome
}

func (a *Auditor) invalidate(ctx context.Context, patientID string, logger zerolog.Logger) {
	if a.invalidator == nil || patientID == "" {
		return
	}
	if err := a.invalidator.InvalidatePatient(ctx, patientID); err != nil {
		logger.Warn().Err(err).Str("patient_id", patientID).Msg("session cache invalidation failed")
	}
}

func kindOf(err error) string {
	if errors.Is(err, ErrNoActiveSchedule) {
		return KindNoActiveSchedule
	}
	if errors.Is(err, lock.ErrNotAcquired) {
		return KindLockUnavailable
	}
	return reconcile.ErrorKind(err)
}
