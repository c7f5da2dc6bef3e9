package persistence

import (
	"context"
	"time"
)

// ScheduleRepository stores recurrence schedules.
type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, schedule Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	// GetActiveSchedule returns the single active schedule of a patient or
	// ErrNotFound.
	GetActiveSchedule(ctx context.Context, patientID string) (Schedule, error)
	// ListActiveSchedules returns every active schedule ordered by creation.
	ListActiveSchedules(ctx context.Context) ([]Schedule, error)
	// ListInactiveWithFutureRecurring returns inactive schedules that still
	// own recurring sessions scheduled at or after from, ordered by creation.
	ListInactiveWithFutureRecurring(ctx context.Context, from time.Time) ([]Schedule, error)
	// ReplaceActiveSchedule atomically deactivates the patient's current
	// schedule (if any) at the given instant and stores next as the active
	// one. The deactivated schedule is returned when there was one.
	ReplaceActiveSchedule(ctx context.Context, next Schedule, at time.Time) (*Schedule, error)
	// DeactivateSchedule marks an active schedule inactive.
	DeactivateSchedule(ctx context.Context, id string, at time.Time) error
}

// SessionFilter narrows session queries. Zero fields do not filter.
type SessionFilter struct {
	PatientID  string
	ScheduleID string
	Origin     SessionOrigin
	From       *time.Time
	To         *time.Time
}

// SessionRepository stores materialized sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, session Session) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	// Atomically runs fn inside one all-or-nothing unit. When fn returns an
	// error every write made through tx is rolled back; a rollback that itself
	// fails is reported by wrapping ErrRollbackFailed.
	Atomically(ctx context.Context, fn func(tx SessionTx) error) error
}

// SessionTx is the set of session writes available inside an atomic unit.
// Every method only ever touches sessions with origin recurring.
type SessionTx interface {
	// ListFutureRecurring returns the recurring sessions of a schedule
	// scheduled at or after from, ordered by ScheduledAt.
	ListFutureRecurring(ctx context.Context, scheduleID string, from time.Time) ([]Session, error)
	// DeleteFutureRecurring removes the recurring sessions of a schedule
	// scheduled at or after from and returns how many were removed.
	DeleteFutureRecurring(ctx context.Context, scheduleID string, from time.Time) (int, error)
	// InsertSessions stores recurring sessions and returns how many were
	// written.
	InsertSessions(ctx context.Context, sessions []Session) (int, error)
}
