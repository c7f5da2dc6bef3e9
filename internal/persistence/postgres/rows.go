package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/recurrence"
)

type scheduleRow struct {
	ID               string        `db:"id"`
	PatientID        string        `db:"patient_id"`
	Frequency        string        `db:"frequency"`
	Interval         int           `db:"interval_value"`
	DaysOfWeek       pq.Int64Array `db:"days_of_week"`
	DaysOfMonth      pq.Int64Array `db:"days_of_month"`
	SessionsPerCycle int           `db:"sessions_per_cycle"`
	StartDate        time.Time     `db:"start_date"`
	StartTime        string        `db:"start_time"`
	DurationMinutes  int           `db:"duration_minutes"`
	SessionType      string        `db:"session_type"`
	SessionValue     sql.NullInt64 `db:"session_value"`
	IsActive         bool          `db:"is_active"`
	CreatedAt        time.Time     `db:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"`
	DeactivatedAt    sql.NullTime  `db:"deactivated_at"`
}

func newScheduleRow(s persistence.Schedule) scheduleRow {
	p := s.Pattern.Normalize()
	row := scheduleRow{
		ID:               s.ID,
		PatientID:        s.PatientID,
		Frequency:        p.Frequency.String(),
		Interval:         p.Interval,
		DaysOfWeek:       pq.Int64Array{},
		DaysOfMonth:      pq.Int64Array{},
		SessionsPerCycle: p.SessionsPerCycle,
		StartDate:        time.Date(p.StartDate.Year, p.StartDate.Month, p.StartDate.Day, 0, 0, 0, 0, time.UTC),
		StartTime:        p.StartTime.String(),
		DurationMinutes:  s.DurationMinutes,
		SessionType:      s.SessionType,
		IsActive:         s.IsActive,
		CreatedAt:        s.CreatedAt.UTC(),
		UpdatedAt:        s.UpdatedAt.UTC(),
	}
	for _, day := range p.DaysOfWeek {
		row.DaysOfWeek = append(row.DaysOfWeek, int64(day))
	}
	for _, day := range p.DaysOfMonth {
		row.DaysOfMonth = append(row.DaysOfMonth, int64(day))
	}
	if s.SessionValue != nil {
		row.SessionValue = sql.NullInt64{Int64: *s.SessionValue, Valid: true}
	}
	if s.DeactivatedAt != nil {
		row.DeactivatedAt = sql.NullTime{Time: s.DeactivatedAt.UTC(), Valid: true}
	}
	return row
}

func (r scheduleRow) toSchedule() (persistence.Schedule, error) {
	freq, err := recurrence.ParseFrequency(r.Frequency)
	if err != nil {
		return persistence.Schedule{}, fmt.Errorf("postgres: schedule %s: %w", r.ID, err)
	}
	tod, err := recurrence.ParseTimeOfDay(r.StartTime)
	if err != nil {
		return persistence.Schedule{}, fmt.Errorf("postgres: schedule %s: %w", r.ID, err)
	}

	schedule := persistence.Schedule{
		ID:        r.ID,
		PatientID: r.PatientID,
		Pattern: recurrence.Pattern{
			Frequency:        freq,
			Interval:         r.Interval,
			SessionsPerCycle: r.SessionsPerCycle,
			StartDate:        recurrence.DateOf(r.StartDate.UTC()),
			StartTime:        tod,
		},
		DurationMinutes: r.DurationMinutes,
		SessionType:     r.SessionType,
		IsActive:        r.IsActive,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	for _, day := range r.DaysOfWeek {
		schedule.Pattern.DaysOfWeek = append(schedule.Pattern.DaysOfWeek, time.Weekday(day))
	}
	for _, day := range r.DaysOfMonth {
		schedule.Pattern.DaysOfMonth = append(schedule.Pattern.DaysOfMonth, int(day))
	}
	if r.SessionValue.Valid {
		value := r.SessionValue.Int64
		schedule.SessionValue = &value
	}
	if r.DeactivatedAt.Valid {
		at := r.DeactivatedAt.Time
		schedule.DeactivatedAt = &at
	}
	return schedule, nil
}

type sessionRow struct {
	ID              string         `db:"id"`
	PatientID       string         `db:"patient_id"`
	ScheduleID      sql.NullString `db:"schedule_id"`
	ScheduledAt     time.Time      `db:"scheduled_at"`
	DurationMinutes int            `db:"duration_minutes"`
	SessionType     string         `db:"session_type"`
	SessionValue    sql.NullInt64  `db:"session_value"`
	Status          string         `db:"status"`
	Paid            bool           `db:"paid"`
	Origin          string         `db:"origin"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func newSessionRow(s persistence.Session) sessionRow {
	row := sessionRow{
		ID:              s.ID,
		PatientID:       s.PatientID,
		ScheduledAt:     s.ScheduledAt.UTC(),
		DurationMinutes: s.DurationMinutes,
		SessionType:     s.SessionType,
		Status:          string(s.Status),
		Paid:            s.Paid,
		Origin:          string(s.Origin),
		CreatedAt:       s.CreatedAt.UTC(),
		UpdatedAt:       s.UpdatedAt.UTC(),
	}
	if s.ScheduleID != nil {
		row.ScheduleID = sql.NullString{String: *s.ScheduleID, Valid: true}
	}
	if s.SessionValue != nil {
		row.SessionValue = sql.NullInt64{Int64: *s.SessionValue, Valid: true}
	}
	return row
}

func (r sessionRow) toSession() persistence.Session {
	session := persistence.Session{
		ID:              r.ID,
		PatientID:       r.PatientID,
		ScheduledAt:     r.ScheduledAt,
		DurationMinutes: r.DurationMinutes,
		SessionType:     r.SessionType,
		Status:          persistence.SessionStatus(r.Status),
		Paid:            r.Paid,
		Origin:          persistence.SessionOrigin(r.Origin),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.ScheduleID.Valid {
		id := r.ScheduleID.String
		session.ScheduleID = &id
	}
	if r.SessionValue.Valid {
		value := r.SessionValue.Int64
		session.SessionValue = &value
	}
	return session
}
