package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/audit"
	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/recurrence"
)

const maxSessionMinutes = 24 * 60

// Auditor is the part of audit.Auditor the service drives. Every session
// write goes through it so the per-schedule lock is always held.
type Auditor interface {
	AuditOne(ctx context.Context, patientID string) (audit.Outcome, error)
	Retire(ctx context.Context, scheduleID string) (audit.Outcome, error)
}

// RecurrenceService manages the active recurrence of each patient.
type RecurrenceService struct {
	schedules   persistence.ScheduleRepository
	auditor     Auditor
	idGenerator func() string
	now         func() time.Time
	logger      zerolog.Logger
}

// NewRecurrenceService wires dependencies for recurrence operations.
func NewRecurrenceService(schedules persistence.ScheduleRepository, auditor Auditor, idGenerator func() string, now func() time.Time, logger zerolog.Logger) *RecurrenceService {
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &RecurrenceService{
		schedules:   schedules,
		auditor:     auditor,
		idGenerator: idGenerator,
		now:         now,
		logger:      logger,
	}
}

// GetRecurrence returns the active schedule of a patient.
func (s *RecurrenceService) GetRecurrence(ctx context.Context, patientID string) (persistence.Schedule, error) {
	if s == nil || s.schedules == nil {
		return persistence.Schedule{}, fmt.Errorf("RecurrenceService is not configured")
	}
	schedule, err := s.schedules.GetActiveSchedule(ctx, strings.TrimSpace(patientID))
	if err != nil {
		return persistence.Schedule{}, mapScheduleRepoError(err)
	}
	return schedule, nil
}

// SetRecurrence replaces the patient's active schedule with one built from
// input, removes the future sessions of the replaced schedule and
// materializes the new one. A failure after the replacement is committed is
// reported as a *FollowUpError alongside the populated change.
func (s *RecurrenceService) SetRecurrence(ctx context.Context, patientID string, input RecurrenceInput) (RecurrenceChange, error) {
	if s == nil || s.schedules == nil || s.auditor == nil {
		return RecurrenceChange{}, fmt.Errorf("RecurrenceService is not configured")
	}
	patientID = strings.TrimSpace(patientID)
	logger := serviceLogger(ctx, s.logger, "recurrence", "set").With().Str("patient_id", patientID).Logger()

	vErr := &ValidationError{}
	if patientID == "" {
		vErr.add("patient_id", "is required")
	}
	validateRecurrenceInput(input, vErr)
	if vErr.HasErrors() {
		logger.Info().Str("error_kind", "validation").Msg("recurrence rejected")
		return RecurrenceChange{}, vErr
	}

	now := s.now()
	schedule := persistence.Schedule{
		ID:              s.idGenerator(),
		PatientID:       patientID,
		Pattern:         input.Pattern.Normalize(),
		DurationMinutes: input.DurationMinutes,
		SessionType:     strings.TrimSpace(input.SessionType),
		SessionValue:    input.SessionValue,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	previous, err := s.schedules.ReplaceActiveSchedule(ctx, schedule, now)
	if err != nil {
		return RecurrenceChange{}, mapScheduleRepoError(err)
	}
	change := RecurrenceChange{Schedule: schedule, Previous: previous}
	logger = logger.With().Str("schedule_id", schedule.ID).Logger()

	if previous != nil {
		retired, err := s.auditor.Retire(ctx, previous.ID)
		change.Retired = &retired
		if err != nil {
			logger.Error().Err(err).Str("previous_schedule_id", previous.ID).Str("error_kind", ErrorKind(err)).
				Msg("previous schedule sessions not retired")
			return change, &FollowUpError{Step: "retire", ScheduleID: previous.ID, Err: err}
		}
	}

	reconciled, err := s.auditor.AuditOne(ctx, patientID)
	change.Reconciled = &reconciled
	if err != nil {
		logger.Error().Err(err).Str("error_kind", ErrorKind(err)).Msg("new schedule not reconciled")
		return change, &FollowUpError{Step: "reconcile", ScheduleID: schedule.ID, Err: err}
	}

	event := logger.Info().Int("inserted", reconciled.Inserted)
	if previous != nil {
		event = event.Str("previous_schedule_id", previous.ID).Int("retired", change.Retired.Deleted)
	}
	event.Msg("recurrence set")
	return change, nil
}

// DeactivateRecurrence deactivates the patient's active schedule and removes
// its future recurring sessions. Past and manual sessions are kept.
func (s *RecurrenceService) DeactivateRecurrence(ctx context.Context, patientID string) (RecurrenceChange, error) {
	if s == nil || s.schedules == nil || s.auditor == nil {
		return RecurrenceChange{}, fmt.Errorf("RecurrenceService is not configured")
	}
	patientID = strings.TrimSpace(patientID)
	logger := serviceLogger(ctx, s.logger, "recurrence", "deactivate").With().Str("patient_id", patientID).Logger()

	current, err := s.schedules.GetActiveSchedule(ctx, patientID)
	if err != nil {
		return RecurrenceChange{}, mapScheduleRepoError(err)
	}

	now := s.now()
	if err := s.schedules.DeactivateSchedule(ctx, current.ID, now); err != nil {
		return RecurrenceChange{}, mapScheduleRepoError(err)
	}
	current.IsActive = false
	current.UpdatedAt = now
	current.DeactivatedAt = &now
	change := RecurrenceChange{Previous: &current}

	retired, err := s.auditor.Retire(ctx, current.ID)
	change.Retired = &retired
	if err != nil {
		logger.Error().Err(err).Str("schedule_id", current.ID).Str("error_kind", ErrorKind(err)).
			Msg("deactivated schedule sessions not retired")
		return change, &FollowUpError{Step: "retire", ScheduleID: current.ID, Err: err}
	}

	logger.Info().Str("schedule_id", current.ID).Int("retired", retired.Deleted).Msg("recurrence deactivated")
	return change, nil
}

func validateRecurrenceInput(input RecurrenceInput, vErr *ValidationError) {
	if err := input.Pattern.Validate(); err != nil {
		var rule *recurrence.InvalidRuleError
		if errors.As(err, &rule) {
			vErr.add("pattern."+rule.Field, rule.Reason)
		} else {
			vErr.add("pattern", err.Error())
		}
	}
	if input.DurationMinutes <= 0 || input.DurationMinutes > maxSessionMinutes {
		vErr.add("duration_minutes", fmt.Sprintf("must be between 1 and %d", maxSessionMinutes))
	}
	if strings.TrimSpace(input.SessionType) == "" {
		vErr.add("session_type", "is required")
	}
	if input.SessionValue != nil && *input.SessionValue < 0 {
		vErr.add("session_value", "must not be negative")
	}
}

func mapScheduleRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, persistence.ErrDuplicate) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	if errors.Is(err, persistence.ErrConstraintViolation) {
		vErr := &ValidationError{}
		vErr.add("schedule", "violates a storage constraint")
		return vErr
	}
	return err
}
