package persistence

import (
	"time"

	"github.com/example/session-scheduler/internal/recurrence"
)

// Schedule is the recurrence policy attached to a patient. Rows are never
// hard-deleted; a cadence change deactivates the current row and creates a
// new one.
type Schedule struct {
	ID              string
	PatientID       string
	Pattern         recurrence.Pattern
	DurationMinutes int
	SessionType     string
	// SessionValue is the price in minor currency units.
	SessionValue  *int64
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeactivatedAt *time.Time
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusConfirmed SessionStatus = "confirmed"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCanceled  SessionStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusScheduled, SessionStatusConfirmed, SessionStatusCompleted, SessionStatusCanceled:
		return true
	}
	return false
}

// SessionOrigin records who created a session.
type SessionOrigin string

const (
	// OriginRecurring sessions are materialized by reconciliation and always
	// carry a schedule id.
	OriginRecurring SessionOrigin = "recurring"
	// OriginManual sessions are created by direct user action.
	OriginManual SessionOrigin = "manual"
)

// Valid reports whether o is a known origin.
func (o SessionOrigin) Valid() bool {
	return o == OriginRecurring || o == OriginManual
}

// Session is a materialized appointment.
type Session struct {
	ID              string
	PatientID       string
	ScheduleID      *string
	ScheduledAt     time.Time
	DurationMinutes int
	SessionType     string
	SessionValue    *int64
	Status          SessionStatus
	Paid            bool
	Origin          SessionOrigin
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the invariants every store enforces on insert.
func (s Session) Validate() error {
	if s.ID == "" || s.PatientID == "" {
		return ErrConstraintViolation
	}
	if !s.Origin.Valid() || !s.Status.Valid() {
		return ErrConstraintViolation
	}
	if s.Origin == OriginRecurring && (s.ScheduleID == nil || *s.ScheduleID == "") {
		return ErrConstraintViolation
	}
	if s.DurationMinutes <= 0 {
		return ErrConstraintViolation
	}
	return nil
}

// Validate checks the invariants every store enforces on insert.
func (s Schedule) Validate() error {
	if s.ID == "" || s.PatientID == "" || s.DurationMinutes <= 0 {
		return ErrConstraintViolation
	}
	return nil
}

// CloneSchedule returns a deep copy of s.
func CloneSchedule(s Schedule) Schedule {
	clone := s
	clone.Pattern = s.Pattern.Clone()
	clone.SessionValue = cloneInt64(s.SessionValue)
	clone.DeactivatedAt = cloneTime(s.DeactivatedAt)
	return clone
}

// CloneSession returns a deep copy of s.
func CloneSession(s Session) Session {
	clone := s
	if s.ScheduleID != nil {
		id := *s.ScheduleID
		clone.ScheduleID = &id
	}
	clone.SessionValue = cloneInt64(s.SessionValue)
	return clone
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	copied := *v
	return &copied
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	copied := *v
	return &copied
}
