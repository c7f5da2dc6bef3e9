package application

import (
	"github.com/example/session-scheduler/internal/audit"
	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/recurrence"
)

// RecurrenceInput captures caller provided recurrence fields for a patient.
type RecurrenceInput struct {
	Pattern         recurrence.Pattern
	DurationMinutes int
	SessionType     string
	// SessionValue is the price in minor currency units.
	SessionValue *int64
}

// RecurrenceChange describes the effect of setting or clearing a patient's
// recurrence.
type RecurrenceChange struct {
	// Schedule is the new active schedule; zero when the recurrence was cleared.
	Schedule persistence.Schedule
	// Previous is the schedule that was deactivated, if any.
	Previous *persistence.Schedule
	// Retired reports the removal of the previous schedule's future sessions.
	Retired *audit.Outcome
	// Reconciled reports the materialization of the new schedule.
	Reconciled *audit.Outcome
}
