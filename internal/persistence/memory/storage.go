// Package memory provides an in-process implementation of the schedule and
// session repositories. It is used by tests and by single-process deployments
// that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/session-scheduler/internal/persistence"
)

// Storage keeps schedules and sessions in maps guarded by one lock. An atomic
// unit holds the write lock for its whole duration and restores a snapshot of
// the session map when the unit fails.
type Storage struct {
	mu        sync.RWMutex
	schedules map[string]persistence.Schedule
	sessions  map[string]persistence.Session
}

// New returns an empty Storage.
func New() *Storage {
	return &Storage{
		schedules: make(map[string]persistence.Schedule),
		sessions:  make(map[string]persistence.Session),
	}
}

// Close releases resources held by the storage. No-op for the in-memory implementation.
func (s *Storage) Close() error {
	return nil
}

// Migrate initialises the storage. No-op for the in-memory implementation.
func (s *Storage) Migrate(context.Context) error {
	return nil
}

// --- ScheduleRepository implementation ---

// CreateSchedule stores a new schedule.
func (s *Storage) CreateSchedule(ctx context.Context, schedule persistence.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createScheduleLocked(schedule)
}

func (s *Storage) createScheduleLocked(schedule persistence.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	if _, ok := s.schedules[schedule.ID]; ok {
		return fmt.Errorf("memory: schedule %s: %w", schedule.ID, persistence.ErrDuplicate)
	}
	if schedule.IsActive {
		for _, existing := range s.schedules {
			if existing.IsActive && existing.PatientID == schedule.PatientID {
				return fmt.Errorf("memory: patient %s already has active schedule %s: %w",
					schedule.PatientID, existing.ID, persistence.ErrDuplicate)
			}
		}
	}
	schedule.Pattern = schedule.Pattern.Normalize()
	s.schedules[schedule.ID] = persistence.CloneSchedule(schedule)
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Storage) GetSchedule(ctx context.Context, id string) (persistence.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return persistence.Schedule{}, persistence.ErrNotFound
	}
	return persistence.CloneSchedule(schedule), nil
}

// GetActiveSchedule returns the active schedule of a patient.
func (s *Storage) GetActiveSchedule(ctx context.Context, patientID string) (persistence.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, schedule := range s.schedules {
		if schedule.IsActive && schedule.PatientID == patientID {
			return persistence.CloneSchedule(schedule), nil
		}
	}
	return persistence.Schedule{}, persistence.ErrNotFound
}

// ListActiveSchedules returns active schedules ordered by CreatedAt ascending.
func (s *Storage) ListActiveSchedules(ctx context.Context) ([]persistence.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules := make([]persistence.Schedule, 0)
	for _, schedule := range s.schedules {
		if !schedule.IsActive {
			continue
		}
		schedules = append(schedules, persistence.CloneSchedule(schedule))
	}

	sortByCreation(schedules)
	return schedules, nil
}

// ListInactiveWithFutureRecurring returns inactive schedules that still own
// recurring sessions at or after from.
func (s *Storage) ListInactiveWithFutureRecurring(ctx context.Context, from time.Time) ([]persistence.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := make(map[string]struct{})
	for _, session := range s.sessions {
		if session.Origin != persistence.OriginRecurring || session.ScheduleID == nil || session.ScheduledAt.Before(from) {
			continue
		}
		owners[*session.ScheduleID] = struct{}{}
	}

	schedules := make([]persistence.Schedule, 0, len(owners))
	for id := range owners {
		schedule, ok := s.schedules[id]
		if !ok || schedule.IsActive {
			continue
		}
		schedules = append(schedules, persistence.CloneSchedule(schedule))
	}
	sortByCreation(schedules)
	return schedules, nil
}

func sortByCreation(schedules []persistence.Schedule) {
	sort.Slice(schedules, func(i, j int) bool {
		if schedules[i].CreatedAt.Equal(schedules[j].CreatedAt) {
			return schedules[i].ID < schedules[j].ID
		}
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
}

// ReplaceActiveSchedule deactivates the patient's active schedule and stores next.
func (s *Storage) ReplaceActiveSchedule(ctx context.Context, next persistence.Schedule, at time.Time) (*persistence.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var previous *persistence.Schedule
	for id, schedule := range s.schedules {
		if !schedule.IsActive || schedule.PatientID != next.PatientID {
			continue
		}
		deactivated := deactivate(schedule, at)
		s.schedules[id] = deactivated
		clone := persistence.CloneSchedule(deactivated)
		previous = &clone
	}

	next.IsActive = true
	if err := s.createScheduleLocked(next); err != nil {
		if previous != nil {
			restored := *previous
			restored.IsActive = true
			restored.DeactivatedAt = nil
			s.schedules[restored.ID] = restored
		}
		return nil, err
	}
	return previous, nil
}

// DeactivateSchedule marks an active schedule inactive.
func (s *Storage) DeactivateSchedule(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[id]
	if !ok || !schedule.IsActive {
		return persistence.ErrNotFound
	}
	s.schedules[id] = deactivate(schedule, at)
	return nil
}

func deactivate(schedule persistence.Schedule, at time.Time) persistence.Schedule {
	stamp := at
	schedule.IsActive = false
	schedule.DeactivatedAt = &stamp
	schedule.UpdatedAt = at
	return schedule
}

// --- SessionRepository implementation ---

// CreateSession stores a single session of any origin.
func (s *Storage) CreateSession(ctx context.Context, session persistence.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertSessionLocked(session)
}

func (s *Storage) insertSessionLocked(session persistence.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("memory: session %s: %w", session.ID, persistence.ErrDuplicate)
	}
	if session.ScheduleID != nil {
		if _, ok := s.schedules[*session.ScheduleID]; !ok {
			return fmt.Errorf("memory: schedule %s: %w", *session.ScheduleID, persistence.ErrForeignKeyViolation)
		}
	}
	s.sessions[session.ID] = persistence.CloneSession(session)
	return nil
}

// ListSessions returns sessions matching filter ordered by ScheduledAt.
func (s *Storage) ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSessionsLocked(filter), nil
}

func (s *Storage) listSessionsLocked(filter persistence.SessionFilter) []persistence.Session {
	sessions := make([]persistence.Session, 0)
	for _, session := range s.sessions {
		if !matchesSessionFilter(session, filter) {
			continue
		}
		sessions = append(sessions, persistence.CloneSession(session))
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ScheduledAt.Equal(sessions[j].ScheduledAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].ScheduledAt.Before(sessions[j].ScheduledAt)
	})
	return sessions
}

// Atomically runs fn while holding the write lock and restores the session
// map when fn fails.
func (s *Storage) Atomically(ctx context.Context, fn func(tx persistence.SessionTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]persistence.Session, len(s.sessions))
	for id, session := range s.sessions {
		snapshot[id] = session
	}

	if err := fn(&sessionTx{storage: s}); err != nil {
		s.sessions = snapshot
		return err
	}
	return nil
}

type sessionTx struct {
	storage *Storage
}

func (tx *sessionTx) ListFutureRecurring(ctx context.Context, scheduleID string, from time.Time) ([]persistence.Session, error) {
	return tx.storage.listSessionsLocked(persistence.SessionFilter{
		ScheduleID: scheduleID,
		Origin:     persistence.OriginRecurring,
		From:       &from,
	}), nil
}

func (tx *sessionTx) DeleteFutureRecurring(ctx context.Context, scheduleID string, from time.Time) (int, error) {
	deleted := 0
	for id, session := range tx.storage.sessions {
		if session.Origin != persistence.OriginRecurring || session.ScheduleID == nil || *session.ScheduleID != scheduleID {
			continue
		}
		if session.ScheduledAt.Before(from) {
			continue
		}
		delete(tx.storage.sessions, id)
		deleted++
	}
	return deleted, nil
}

func (tx *sessionTx) InsertSessions(ctx context.Context, sessions []persistence.Session) (int, error) {
	for i, session := range sessions {
		if session.Origin != persistence.OriginRecurring {
			return i, fmt.Errorf("memory: session %s has origin %q: %w", session.ID, session.Origin, persistence.ErrConstraintViolation)
		}
		if err := tx.storage.insertSessionLocked(session); err != nil {
			return i, err
		}
	}
	return len(sessions), nil
}

func matchesSessionFilter(session persistence.Session, filter persistence.SessionFilter) bool {
	if filter.PatientID != "" && session.PatientID != filter.PatientID {
		return false
	}
	if filter.ScheduleID != "" && (session.ScheduleID == nil || *session.ScheduleID != filter.ScheduleID) {
		return false
	}
	if filter.Origin != "" && session.Origin != filter.Origin {
		return false
	}
	if filter.From != nil && session.ScheduledAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && session.ScheduledAt.After(*filter.To) {
		return false
	}
	return true
}
