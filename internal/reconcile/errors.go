package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/recurrence"
)

// InvalidRuleError reports a malformed pattern. It is raised before any write.
type InvalidRuleError = recurrence.InvalidRuleError

// ErrScheduleActive is returned by Retire for a schedule that is still active.
var ErrScheduleActive = errors.New("reconcile: schedule is still active")

// StaleScheduleError rejects reconciliation of an inactive schedule.
type StaleScheduleError struct {
	ScheduleID    string
	PatientID     string
	DeactivatedAt *time.Time
}

func (e *StaleScheduleError) Error() string {
	if e.DeactivatedAt != nil {
		return fmt.Sprintf("reconcile: schedule %s is inactive since %s",
			e.ScheduleID, e.DeactivatedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("reconcile: schedule %s is inactive", e.ScheduleID)
}

// StoreReadError wraps a failed read from the schedule or session store.
type StoreReadError struct {
	ScheduleID string
	Op         string
	Err        error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("reconcile: schedule %s: %s: %v", e.ScheduleID, e.Op, e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }

// StoreWriteError wraps a failed write whose transaction rolled back cleanly.
// The schedule's future sessions are unchanged and the call can be repeated.
type StoreWriteError struct {
	ScheduleID string
	Op         string
	Err        error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("reconcile: schedule %s: %s: %v", e.ScheduleID, e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// PartialReconciliationError means the delete of future recurring sessions
// took effect but the insert did not, and rollback failed. The schedule may
// be left without future sessions until reconciliation is re-run for it.
type PartialReconciliationError struct {
	ScheduleID string
	PatientID  string
	Expected   int
	Deleted    int
	Err        error
}

func (e *PartialReconciliationError) Error() string {
	return fmt.Sprintf("reconcile: schedule %s (patient %s) partially reconciled: deleted %d, inserted 0 of %d: %v",
		e.ScheduleID, e.PatientID, e.Deleted, e.Expected, e.Err)
}

func (e *PartialReconciliationError) Unwrap() error { return e.Err }

// Stable labels returned by ErrorKind.
const (
	KindInvalidRule           = "invalid_rule"
	KindStaleSchedule         = "stale_schedule"
	KindScheduleActive        = "schedule_active"
	KindNotFound              = "not_found"
	KindStoreRead             = "store_read"
	KindStoreWrite            = "store_write"
	KindPartialReconciliation = "partial_reconciliation"
	KindCanceled              = "canceled"
	KindUnexpected            = "unexpected"
)

// ErrorKind maps reconciliation errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var (
		partial *PartialReconciliationError
		stale   *StaleScheduleError
		read    *StoreReadError
		write   *StoreWriteError
	)
	switch {
	case errors.As(err, &partial):
		return KindPartialReconciliation
	case errors.Is(err, recurrence.ErrInvalidRule):
		return KindInvalidRule
	case errors.As(err, &stale):
		return KindStaleSchedule
	case errors.Is(err, ErrScheduleActive):
		return KindScheduleActive
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &read):
		if errors.Is(err, persistence.ErrNotFound) {
			return KindNotFound
		}
		return KindStoreRead
	case errors.As(err, &write):
		return KindStoreWrite
	}
	return KindUnexpected
}
