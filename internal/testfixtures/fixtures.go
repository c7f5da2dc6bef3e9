package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/recurrence"
)

var (
	patientCounter  uint64
	scheduleCounter uint64
	sessionCounter  uint64
)

// referenceTime is Monday 2024-01-01 08:00 in the default clinic zone, one
// hour before the first slot of the canonical weekly pattern.
var referenceTime = time.Date(2024, time.January, 1, 8, 0, 0, 0, recurrence.DefaultLocation)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// NextPatientID returns a fresh deterministic patient identifier.
func NextPatientID() string {
	return fmt.Sprintf("patient-%03d", atomic.AddUint64(&patientCounter, 1))
}

// WeeklyPattern returns a weekly pattern on days starting 2024-01-01 at 09:00.
// With no days it uses Monday, Wednesday and Friday.
func WeeklyPattern(days ...time.Weekday) recurrence.Pattern {
	if len(days) == 0 {
		days = []time.Weekday{time.Monday, time.Wednesday, time.Friday}
	}
	return recurrence.Pattern{
		Frequency:        recurrence.FrequencyWeekly,
		Interval:         1,
		DaysOfWeek:       append([]time.Weekday(nil), days...),
		SessionsPerCycle: len(days),
		StartDate:        recurrence.Date{Year: 2024, Month: time.January, Day: 1},
		StartTime:        recurrence.TimeOfDay{Hour: 9},
	}
}

// ---------------------------- Schedule fixtures ----------------------------

// ScheduleFixture represents a deterministic schedule record.
type ScheduleFixture struct {
	ID              string
	PatientID       string
	Pattern         recurrence.Pattern
	DurationMinutes int
	SessionType     string
	SessionValue    *int64
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ScheduleOption configures the generated schedule fixture.
type ScheduleOption func(*ScheduleFixture)

// NewScheduleFixture returns an active weekly M/W/F schedule for a fresh
// patient with optional overrides.
func NewScheduleFixture(opts ...ScheduleOption) ScheduleFixture {
	idx := atomic.AddUint64(&scheduleCounter, 1)
	value := int64(15000)
	created := referenceTime.Add(-time.Duration(idx) * time.Minute)
	fixture := ScheduleFixture{
		ID:              fmt.Sprintf("schedule-%03d", idx),
		PatientID:       NextPatientID(),
		Pattern:         WeeklyPattern(),
		DurationMinutes: 50,
		SessionType:     "therapy",
		SessionValue:    &value,
		IsActive:        true,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithScheduleID overrides the schedule identifier.
func WithScheduleID(id string) ScheduleOption {
	return func(f *ScheduleFixture) {
		f.ID = id
	}
}

// WithSchedulePatient overrides the owning patient.
func WithSchedulePatient(patientID string) ScheduleOption {
	return func(f *ScheduleFixture) {
		f.PatientID = patientID
	}
}

// WithSchedulePattern overrides the recurrence pattern.
func WithSchedulePattern(p recurrence.Pattern) ScheduleOption {
	return func(f *ScheduleFixture) {
		f.Pattern = p.Clone()
	}
}

// WithScheduleDuration overrides the session length in minutes.
func WithScheduleDuration(minutes int) ScheduleOption {
	return func(f *ScheduleFixture) {
		f.DurationMinutes = minutes
	}
}

// WithScheduleSessionType overrides the session type label.
func WithScheduleSessionType(sessionType string) ScheduleOption {
	return func(f *ScheduleFixture) {
		f.SessionType = sessionType
	}
}

// WithScheduleValue sets the session price in cents.
func WithScheduleValue(value int64) ScheduleOption {
	return func(f *ScheduleFixture) {
		f.SessionValue = &value
	}
}

// WithoutScheduleValue clears the session price.
func WithoutScheduleValue() ScheduleOption {
	return func(f *ScheduleFixture) {
		f.SessionValue = nil
	}
}

// WithScheduleActive toggles the active flag.
func WithScheduleActive(active bool) ScheduleOption {
	return func(f *ScheduleFixture) {
		f.IsActive = active
	}
}

// WithScheduleTimestamps overrides the creation and update timestamps.
func WithScheduleTimestamps(created, updated time.Time) ScheduleOption {
	return func(f *ScheduleFixture) {
		f.CreatedAt = created
		f.UpdatedAt = updated
	}
}

// Persistence converts the fixture into a persistence schedule.
func (f ScheduleFixture) Persistence() persistence.Schedule {
	schedule := persistence.Schedule{
		ID:              f.ID,
		PatientID:       f.PatientID,
		Pattern:         f.Pattern.Clone(),
		DurationMinutes: f.DurationMinutes,
		SessionType:     f.SessionType,
		SessionValue:    copyInt64Ptr(f.SessionValue),
		IsActive:        f.IsActive,
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
	}
	if !f.IsActive {
		deactivated := f.UpdatedAt
		schedule.DeactivatedAt = &deactivated
	}
	return schedule
}

// ----------------------------- Session fixtures ----------------------------

// SessionFixture represents a deterministic session record. The default is
// a manual session one day after the reference time.
type SessionFixture struct {
	ID              string
	PatientID       string
	ScheduleID      *string
	ScheduledAt     time.Time
	DurationMinutes int
	SessionType     string
	SessionValue    *int64
	Status          persistence.SessionStatus
	Paid            bool
	Origin          persistence.SessionOrigin
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SessionOption configures the generated session fixture.
type SessionOption func(*SessionFixture)

// NewSessionFixture returns a deterministic session fixture with optional overrides.
func NewSessionFixture(opts ...SessionOption) SessionFixture {
	idx := atomic.AddUint64(&sessionCounter, 1)
	fixture := SessionFixture{
		ID:              fmt.Sprintf("session-%03d", idx),
		PatientID:       "patient-000",
		ScheduledAt:     referenceTime.Add(24 * time.Hour),
		DurationMinutes: 50,
		SessionType:     "therapy",
		Status:          persistence.SessionStatusScheduled,
		Origin:          persistence.OriginManual,
		CreatedAt:       referenceTime,
		UpdatedAt:       referenceTime,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithSessionID overrides the session identifier.
func WithSessionID(id string) SessionOption {
	return func(f *SessionFixture) {
		f.ID = id
	}
}

// WithSessionPatient overrides the owning patient.
func WithSessionPatient(patientID string) SessionOption {
	return func(f *SessionFixture) {
		f.PatientID = patientID
	}
}

// WithSessionSchedule links the session to a schedule.
func WithSessionSchedule(scheduleID string) SessionOption {
	return func(f *SessionFixture) {
		f.ScheduleID = &scheduleID
	}
}

// WithSessionAt overrides the start instant.
func WithSessionAt(t time.Time) SessionOption {
	return func(f *SessionFixture) {
		f.ScheduledAt = t
	}
}

// WithSessionDuration overrides the length in minutes.
func WithSessionDuration(minutes int) SessionOption {
	return func(f *SessionFixture) {
		f.DurationMinutes = minutes
	}
}

// WithSessionStatus overrides the lifecycle status.
func WithSessionStatus(status persistence.SessionStatus) SessionOption {
	return func(f *SessionFixture) {
		f.Status = status
	}
}

// Recurring marks the session as materialized from scheduleID.
func Recurring(scheduleID string) SessionOption {
	return func(f *SessionFixture) {
		f.Origin = persistence.OriginRecurring
		f.ScheduleID = &scheduleID
	}
}

// Persistence converts the fixture into a persistence session.
func (f SessionFixture) Persistence() persistence.Session {
	return persistence.Session{
		ID:              f.ID,
		PatientID:       f.PatientID,
		ScheduleID:      copyStringPtr(f.ScheduleID),
		ScheduledAt:     f.ScheduledAt,
		DurationMinutes: f.DurationMinutes,
		SessionType:     f.SessionType,
		SessionValue:    copyInt64Ptr(f.SessionValue),
		Status:          f.Status,
		Paid:            f.Paid,
		Origin:          f.Origin,
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
	}
}

func copyStringPtr(src *string) *string {
	if src == nil {
		return nil
	}
	value := *src
	return &value
}

func copyInt64Ptr(src *int64) *int64 {
	if src == nil {
		return nil
	}
	value := *src
	return &value
}
