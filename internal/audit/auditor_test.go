package audit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/session-scheduler/internal/audit"
	"github.com/example/session-scheduler/internal/lock"
	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/persistence/memory"
	"github.com/example/session-scheduler/internal/reconcile"
	"github.com/example/session-scheduler/internal/testfixtures"
)

type recordingInvalidator struct {
	mu       sync.Mutex
	patients []string
	err      error
}

func (r *recordingInvalidator) InvalidatePatient(_ context.Context, patientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients = append(r.patients, patientID)
	return r.err
}

func (r *recordingInvalidator) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.patients...)
}

type fakeReconciler struct {
	reconcile func(ctx context.Context, scheduleID string) (reconcile.Result, error)
	retire    func(ctx context.Context, scheduleID string) (reconcile.Result, error)
}

func (f *fakeReconciler) Reconcile(ctx context.Context, scheduleID string) (reconcile.Result, error) {
	return f.reconcile(ctx, scheduleID)
}

func (f *fakeReconciler) Retire(ctx context.Context, scheduleID string) (reconcile.Result, error) {
	return f.retire(ctx, scheduleID)
}

func newRealAuditor(t *testing.T, store *memory.Storage, inv audit.CacheInvalidator) *audit.Auditor {
	t.Helper()
	clock := testfixtures.NewClock(time.Time{})
	engine := reconcile.NewEngine(store, store, reconcile.Config{HorizonMonths: 1, Now: clock.NowFunc()}, zerolog.Nop())
	return audit.NewAuditor(store, engine, nil, inv, audit.Config{Now: clock.NowFunc()}, zerolog.Nop())
}

func TestAuditAllReconcilesEveryActiveSchedule(t *testing.T) {
	store := memory.New()
	inv := &recordingInvalidator{}
	a := newRealAuditor(t, store, inv)

	first := testfixtures.NewScheduleFixture()
	second := testfixtures.NewScheduleFixture(testfixtures.WithSchedulePattern(testfixtures.WeeklyPattern(time.Tuesday)))
	inactive := testfixtures.NewScheduleFixture(testfixtures.WithScheduleActive(false))
	testfixtures.SeedSchedules(t, store, first, second, inactive)

	report, err := a.AuditAll(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Succeeded, 2)
	assert.Empty(t, report.Failed)
	assert.False(t, report.HasFailures())
	// ListActiveSchedules orders by creation; newer fixtures are created earlier.
	assert.Equal(t, second.ID, report.Succeeded[0].ScheduleID)
	assert.Equal(t, first.ID, report.Succeeded[1].ScheduleID)
	assert.Equal(t, 5, report.Succeeded[0].Inserted)
	assert.Equal(t, 14, report.Succeeded[1].Inserted)
	assert.Equal(t, audit.Totals{Schedules: 2, Succeeded: 2, Inserted: 19}, report.Totals)
	assert.ElementsMatch(t, []string{first.PatientID, second.PatientID}, inv.calls())

	again, err := a.AuditAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audit.Totals{Schedules: 2, Succeeded: 2}, again.Totals)
	for _, o := range again.Succeeded {
		assert.True(t, o.Skipped)
	}
	assert.Len(t, inv.calls(), 2, "nothing written, nothing invalidated")
}

func TestAuditAllIsolatesFailures(t *testing.T) {
	store := memory.New()
	a := newRealAuditor(t, store, nil)

	broken := testfixtures.WeeklyPattern()
	broken.Interval = 0
	bad := testfixtures.NewScheduleFixture(testfixtures.WithSchedulePattern(broken))
	good := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, store, bad, good)

	report, err := a.AuditAll(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	require.Len(t, report.Succeeded, 1)
	assert.Equal(t, bad.ID, report.Failed[0].ScheduleID)
	assert.Equal(t, reconcile.KindInvalidRule, report.Failed[0].ErrorKind)
	assert.NotEmpty(t, report.Failed[0].Error)
	assert.Equal(t, good.ID, report.Succeeded[0].ScheduleID)
	assert.Equal(t, audit.Totals{Schedules: 2, Succeeded: 1, Failed: 1, Inserted: 14}, report.Totals)
}

type brokenSchedules struct {
	*memory.Storage
}

func (brokenSchedules) ListActiveSchedules(context.Context) ([]persistence.Schedule, error) {
	return nil, errors.New("connection refused")
}

func TestAuditAllListFailure(t *testing.T) {
	store := memory.New()
	engine := reconcile.NewEngine(store, store, reconcile.Config{}, zerolog.Nop())
	a := audit.NewAuditor(brokenSchedules{store}, engine, nil, nil, audit.Config{}, zerolog.Nop())

	_, err := a.AuditAll(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestAuditSchedulesKeepsInputOrderUnderWorkers(t *testing.T) {
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("schedule-%02d", i)
	}

	var running, peak int32
	rec := &fakeReconciler{reconcile: func(ctx context.Context, id string) (reconcile.Result, error) {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		// Earlier schedules finish last.
		var idx int
		fmt.Sscanf(id, "schedule-%d", &idx)
		time.Sleep(time.Duration(len(ids)-idx) * 2 * time.Millisecond)
		if idx%5 == 0 {
			return reconcile.Result{ScheduleID: id}, &reconcile.StoreWriteError{ScheduleID: id, Op: "insert", Err: errors.New("io")}
		}
		return reconcile.Result{ScheduleID: id, PatientID: "patient-" + id, Inserted: 1}, nil
	}}

	a := audit.NewAuditor(memory.New(), rec, nil, nil, audit.Config{Workers: 4}, zerolog.Nop())
	report := a.AuditSchedules(context.Background(), ids)

	var got []string
	for _, o := range report.Succeeded {
		got = append(got, o.ScheduleID)
	}
	assert.Equal(t, []string{
		"schedule-01", "schedule-02", "schedule-03", "schedule-04",
		"schedule-06", "schedule-07", "schedule-08", "schedule-09", "schedule-11",
	}, got)
	require.Len(t, report.Failed, 3)
	assert.Equal(t, "schedule-00", report.Failed[0].ScheduleID)
	assert.Equal(t, "schedule-05", report.Failed[1].ScheduleID)
	assert.Equal(t, "schedule-10", report.Failed[2].ScheduleID)
	assert.Equal(t, reconcile.KindStoreWrite, report.Failed[0].ErrorKind)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestAuditNeverRunsOneScheduleConcurrently(t *testing.T) {
	var running, overlaps int32
	rec := &fakeReconciler{reconcile: func(ctx context.Context, id string) (reconcile.Result, error) {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(3 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return reconcile.Result{ScheduleID: id}, nil
	}}

	a := audit.NewAuditor(memory.New(), rec, lock.NewKeyedMutex(), nil, audit.Config{Workers: 8}, zerolog.Nop())
	report := a.AuditSchedules(context.Background(), []string{"same", "same", "same", "same", "same", "same"})

	assert.Equal(t, 6, report.Totals.Succeeded)
	assert.Zero(t, atomic.LoadInt32(&overlaps))
}

func TestAuditCancellationBetweenSchedules(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var startedCtxErr error
	rec := &fakeReconciler{reconcile: func(runCtx context.Context, id string) (reconcile.Result, error) {
		if id == "schedule-2" {
			cancel()
			// The started reconciliation is detached from the caller.
			startedCtxErr = runCtx.Err()
		}
		return reconcile.Result{ScheduleID: id, Inserted: 1}, nil
	}}

	a := audit.NewAuditor(memory.New(), rec, nil, nil, audit.Config{}, zerolog.Nop())
	report := a.AuditSchedules(ctx, []string{"schedule-1", "schedule-2", "schedule-3", "schedule-4"})

	assert.NoError(t, startedCtxErr)
	require.Len(t, report.Succeeded, 2)
	assert.Equal(t, "schedule-2", report.Succeeded[1].ScheduleID)
	require.Len(t, report.Failed, 2)
	for _, o := range report.Failed {
		assert.Equal(t, reconcile.KindCanceled, o.ErrorKind)
		assert.ErrorIs(t, o.Err(), context.Canceled)
	}
}

type contendedLocker struct {
	held  string
	inner lock.Locker
}

func (c contendedLocker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	if key == c.held {
		return nil, fmt.Errorf("%w: %s", lock.ErrNotAcquired, key)
	}
	return c.inner.Lock(ctx, key)
}

func TestAuditLockHeldElsewhereIsPerScheduleFailure(t *testing.T) {
	rec := &fakeReconciler{reconcile: func(ctx context.Context, id string) (reconcile.Result, error) {
		return reconcile.Result{ScheduleID: id}, nil
	}}
	locker := contendedLocker{held: "schedule-2", inner: lock.NewKeyedMutex()}
	a := audit.NewAuditor(memory.New(), rec, locker, nil, audit.Config{}, zerolog.Nop())

	report := a.AuditSchedules(context.Background(), []string{"schedule-1", "schedule-2", "schedule-3"})

	assert.Len(t, report.Succeeded, 2)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "schedule-2", report.Failed[0].ScheduleID)
	assert.Equal(t, audit.KindLockUnavailable, report.Failed[0].ErrorKind)
	assert.ErrorIs(t, report.Failed[0].Err(), lock.ErrNotAcquired)
}

func TestAuditOne(t *testing.T) {
	store := memory.New()
	inv := &recordingInvalidator{err: errors.New("cache down")}
	a := newRealAuditor(t, store, inv)

	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, store, fixture)

	outcome, err := a.AuditOne(context.Background(), fixture.PatientID)
	require.NoError(t, err, "invalidation failures never fail the outcome")
	assert.True(t, outcome.OK())
	assert.Equal(t, fixture.ID, outcome.ScheduleID)
	assert.Equal(t, fixture.PatientID, outcome.PatientID)
	assert.Equal(t, 14, outcome.Inserted)
	assert.Equal(t, []string{fixture.PatientID}, inv.calls())

	outcome, err = a.AuditOne(context.Background(), "patient-unknown")
	require.ErrorIs(t, err, audit.ErrNoActiveSchedule)
	assert.False(t, outcome.OK())
	assert.Equal(t, audit.KindNoActiveSchedule, outcome.ErrorKind)
	assert.Equal(t, "patient-unknown", outcome.PatientID)
}

func TestAuditPartialReconciliationInvalidatesCache(t *testing.T) {
	inv := &recordingInvalidator{}
	rec := &fakeReconciler{reconcile: func(ctx context.Context, id string) (reconcile.Result, error) {
		return reconcile.Result{ScheduleID: id, PatientID: "patient-1", Expected: 14},
			&reconcile.PartialReconciliationError{ScheduleID: id, PatientID: "patient-1", Expected: 14, Deleted: 12, Err: persistence.ErrRollbackFailed}
	}}
	a := audit.NewAuditor(memory.New(), rec, nil, inv, audit.Config{}, zerolog.Nop())

	report := a.AuditSchedules(context.Background(), []string{"schedule-1"})

	require.Len(t, report.Failed, 1)
	o := report.Failed[0]
	assert.Equal(t, reconcile.KindPartialReconciliation, o.ErrorKind)
	assert.Equal(t, 12, o.Deleted)
	assert.Equal(t, 14, o.Expected)
	assert.Equal(t, []string{"patient-1"}, inv.calls())
	assert.Equal(t, audit.Totals{Schedules: 1, Failed: 1}, report.Totals)
}

func TestAuditorRetire(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	inv := &recordingInvalidator{}
	a := newRealAuditor(t, store, inv)

	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, store, fixture)
	_, err := a.AuditOne(ctx, fixture.PatientID)
	require.NoError(t, err)

	_, err = a.Retire(ctx, fixture.ID)
	require.ErrorIs(t, err, reconcile.ErrScheduleActive)

	require.NoError(t, store.DeactivateSchedule(ctx, fixture.ID, testfixtures.ReferenceTime()))
	outcome, err := a.Retire(ctx, fixture.ID)
	require.NoError(t, err)
	assert.Equal(t, 14, outcome.Deleted)
	assert.Equal(t, []string{fixture.PatientID, fixture.PatientID}, inv.calls())
}

func TestAuditAllRetiresInactiveScheduleWithFutureSessions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	inv := &recordingInvalidator{}
	a := newRealAuditor(t, store, inv)

	fixture := testfixtures.NewScheduleFixture()
	testfixtures.SeedSchedules(t, store, fixture)
	_, err := a.AuditAll(ctx)
	require.NoError(t, err)

	// A deactivation whose retire never ran leaves the materialized sessions behind.
	require.NoError(t, store.DeactivateSchedule(ctx, fixture.ID, testfixtures.ReferenceTime()))
	manual := testfixtures.NewSessionFixture(testfixtures.WithSessionPatient(fixture.PatientID))
	testfixtures.SeedSessions(t, store, manual)

	report, err := a.AuditAll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Succeeded, 1)
	o := report.Succeeded[0]
	assert.Equal(t, fixture.ID, o.ScheduleID)
	assert.True(t, o.Retired)
	assert.Equal(t, 14, o.Deleted)
	assert.Equal(t, audit.Totals{Schedules: 1, Succeeded: 1, Deleted: 14}, report.Totals)
	assert.Equal(t, []string{fixture.PatientID, fixture.PatientID}, inv.calls())

	left, err := store.ListSessions(ctx, persistence.SessionFilter{PatientID: fixture.PatientID})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, manual.ID, left[0].ID)

	again, err := a.AuditAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.Totals{}, again.Totals)
}

func TestAuditAllReportsFailedRetire(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fixture := testfixtures.NewScheduleFixture(testfixtures.WithScheduleActive(false))
	testfixtures.SeedSchedules(t, store, fixture)
	testfixtures.SeedSessions(t, store, testfixtures.NewSessionFixture(
		testfixtures.WithSessionPatient(fixture.PatientID),
		testfixtures.Recurring(fixture.ID),
	))

	rec := &fakeReconciler{retire: func(ctx context.Context, id string) (reconcile.Result, error) {
		return reconcile.Result{ScheduleID: id}, &reconcile.StoreWriteError{ScheduleID: id, Op: "delete", Err: errors.New("io")}
	}}
	clock := testfixtures.NewClock(time.Time{})
	a := audit.NewAuditor(store, rec, nil, nil, audit.Config{Now: clock.NowFunc()}, zerolog.Nop())

	report, err := a.AuditAll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, fixture.ID, report.Failed[0].ScheduleID)
	assert.True(t, report.Failed[0].Retired)
	assert.Equal(t, reconcile.KindStoreWrite, report.Failed[0].ErrorKind)
}

type brokenOrphanListing struct {
	*memory.Storage
}

func (brokenOrphanListing) ListInactiveWithFutureRecurring(context.Context, time.Time) ([]persistence.Schedule, error) {
	return nil, errors.New("statement timeout")
}

func TestAuditAllInactiveListFailure(t *testing.T) {
	store := memory.New()
	engine := reconcile.NewEngine(store, store, reconcile.Config{}, zerolog.Nop())
	a := audit.NewAuditor(brokenOrphanListing{store}, engine, nil, nil, audit.Config{}, zerolog.Nop())

	_, err := a.AuditAll(context.Background())
	assert.ErrorContains(t, err, "statement timeout")
}
