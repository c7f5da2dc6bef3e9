package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/session-scheduler/internal/persistence"
)

const scheduleColumns = `id, patient_id, frequency, interval_value, weekdays, days_of_month,
	sessions_per_cycle, start_date, start_time, duration_minutes, session_type, session_value,
	is_active, created_at, updated_at, deactivated_at`

// ScheduleRepository implements persistence.ScheduleRepository using SQLite
type ScheduleRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewScheduleRepository creates a new SQLite schedule repository
func NewScheduleRepository(pool *ConnectionPool) *ScheduleRepository {
	return &ScheduleRepository{pool: pool, mapper: NewErrorMapper()}
}

// CreateSchedule inserts a new schedule.
func (r *ScheduleRepository) CreateSchedule(ctx context.Context, schedule persistence.Schedule) error {
	return r.insertSchedule(ctx, r.pool.DB(), schedule)
}

func (r *ScheduleRepository) insertSchedule(ctx context.Context, q queryer, schedule persistence.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	p := schedule.Pattern.Normalize()

	_, err := q.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.PatientID,
		p.Frequency.String(),
		p.Interval,
		encodeWeekdays(p.DaysOfWeek),
		encodeDaysOfMonth(p.DaysOfMonth),
		p.SessionsPerCycle,
		p.StartDate.String(),
		p.StartTime.String(),
		schedule.DurationMinutes,
		schedule.SessionType,
		nullInt64(schedule.SessionValue),
		boolToInt(schedule.IsActive),
		formatTime(schedule.CreatedAt),
		formatTime(schedule.UpdatedAt),
		formatNullTime(schedule.DeactivatedAt),
	)
	if err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (r *ScheduleRepository) GetSchedule(ctx context.Context, id string) (persistence.Schedule, error) {
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	return r.scanSchedule(row)
}

// GetActiveSchedule returns the active schedule of a patient.
func (r *ScheduleRepository) GetActiveSchedule(ctx context.Context, patientID string) (persistence.Schedule, error) {
	row := r.pool.DB().QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE patient_id = ? AND is_active = 1`, patientID)
	return r.scanSchedule(row)
}

// ListActiveSchedules returns active schedules ordered by created_at.
func (r *ScheduleRepository) ListActiveSchedules(ctx context.Context) ([]persistence.Schedule, error) {
	return r.listSchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE is_active = 1 ORDER BY created_at ASC, id ASC`)
}

// ListInactiveWithFutureRecurring returns inactive schedules that still own
// recurring sessions at or after from.
func (r *ScheduleRepository) ListInactiveWithFutureRecurring(ctx context.Context, from time.Time) ([]persistence.Schedule, error) {
	return r.listSchedules(ctx, `
		SELECT `+scheduleColumns+` FROM schedules s
		WHERE s.is_active = 0 AND EXISTS (
			SELECT 1 FROM sessions
			WHERE sessions.schedule_id = s.id AND sessions.origin = 'recurring' AND sessions.scheduled_at >= ?
		)
		ORDER BY s.created_at ASC, s.id ASC`, formatTime(from))
}

func (r *ScheduleRepository) listSchedules(ctx context.Context, query string, args ...any) ([]persistence.Schedule, error) {
	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	schedules := make([]persistence.Schedule, 0)
	for rows.Next() {
		schedule, err := r.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return schedules, nil
}

// ReplaceActiveSchedule deactivates the patient's active schedule and inserts
// next in one transaction.
func (r *ScheduleRepository) ReplaceActiveSchedule(ctx context.Context, next persistence.Schedule, at time.Time) (*persistence.Schedule, error) {
	var previous *persistence.Schedule
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE patient_id = ? AND is_active = 1`, next.PatientID)
		current, err := r.scanSchedule(row)
		switch {
		case err == nil:
			if err := deactivateSchedule(ctx, tx, current.ID, at); err != nil {
				return r.mapper.MapError(err)
			}
			current.IsActive = false
			current.DeactivatedAt = &at
			current.UpdatedAt = at
			previous = &current
		case !errors.Is(err, persistence.ErrNotFound):
			return err
		}

		next.IsActive = true
		return r.insertSchedule(ctx, tx, next)
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// DeactivateSchedule marks an active schedule inactive.
func (r *ScheduleRepository) DeactivateSchedule(ctx context.Context, id string, at time.Time) error {
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		return deactivateSchedule(ctx, tx, id, at)
	})
}

func deactivateSchedule(ctx context.Context, q queryer, id string, at time.Time) error {
	result, err := q.ExecContext(ctx,
		`UPDATE schedules SET is_active = 0, deactivated_at = ?, updated_at = ? WHERE id = ? AND is_active = 1`,
		formatTime(at), formatTime(at), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *ScheduleRepository) scanSchedule(row rowScanner) (persistence.Schedule, error) {
	var (
		schedule                        persistence.Schedule
		frequency, startDate, startTime string
		weekdays, daysOfMonth           int64
		sessionValue                    sql.NullInt64
		isActive                        int
		createdAt, updatedAt            string
		deactivatedAt                   sql.NullString
	)

	err := row.Scan(
		&schedule.ID,
		&schedule.PatientID,
		&frequency,
		&schedule.Pattern.Interval,
		&weekdays,
		&daysOfMonth,
		&schedule.Pattern.SessionsPerCycle,
		&startDate,
		&startTime,
		&schedule.DurationMinutes,
		&schedule.SessionType,
		&sessionValue,
		&isActive,
		&createdAt,
		&updatedAt,
		&deactivatedAt,
	)
	if err != nil {
		return persistence.Schedule{}, r.mapper.MapError(err)
	}

	freq, date, tod, err := parsePatternColumns(frequency, startDate, startTime)
	if err != nil {
		return persistence.Schedule{}, err
	}
	schedule.Pattern.Frequency = freq
	schedule.Pattern.StartDate = date
	schedule.Pattern.StartTime = tod
	schedule.Pattern.DaysOfWeek = decodeWeekdays(weekdays)
	schedule.Pattern.DaysOfMonth = decodeDaysOfMonth(daysOfMonth)
	schedule.SessionValue = int64Ptr(sessionValue)
	schedule.IsActive = isActive == 1

	if schedule.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.Schedule{}, err
	}
	if schedule.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Schedule{}, err
	}
	if schedule.DeactivatedAt, err = parseNullTime(deactivatedAt); err != nil {
		return persistence.Schedule{}, fmt.Errorf("failed to parse deactivated_at: %w", err)
	}
	return schedule, nil
}

