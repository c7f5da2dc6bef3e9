package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/persistence/migration"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const insertScheduleSQL = `
	INSERT INTO schedules (id, patient_id, frequency, interval_value, days_of_week, days_of_month,
		sessions_per_cycle, start_date, start_time, duration_minutes, session_type, session_value,
		is_active, created_at, updated_at, deactivated_at)
	VALUES (:id, :patient_id, :frequency, :interval_value, :days_of_week, :days_of_month,
		:sessions_per_cycle, :start_date, :start_time, :duration_minutes, :session_type, :session_value,
		:is_active, :created_at, :updated_at, :deactivated_at)`

const insertSessionSQL = `
	INSERT INTO sessions (id, patient_id, schedule_id, scheduled_at, duration_minutes, session_type,
		session_value, status, paid, origin, created_at, updated_at)
	VALUES (:id, :patient_id, :schedule_id, :scheduled_at, :duration_minutes, :session_type,
		:session_value, :status, :paid, :origin, :created_at, :updated_at)`

// Store implements persistence.ScheduleRepository and
// persistence.SessionRepository on PostgreSQL.
type Store struct {
	db     *DB
	logger zerolog.Logger
}

// Open connects to databaseURL.
func Open(databaseURL string, logger zerolog.Logger) (*Store, error) {
	db, err := Connect(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	manager := migration.NewManager(migrationFiles, "migrations",
		migration.NewSQLExecutor(s.db.DB.DB, migration.Postgres), s.logger)
	if _, err := manager.Run(ctx); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Truncate removes every schedule and session. Intended for test databases.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE sessions, schedules`)
	return mapError(err)
}

// --- ScheduleRepository implementation ---

// CreateSchedule inserts a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, schedule persistence.Schedule) error {
	return insertSchedule(ctx, s.db, schedule)
}

func insertSchedule(ctx context.Context, db sqlx.ExtContext, schedule persistence.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	if _, err := sqlx.NamedExecContext(ctx, db, insertScheduleSQL, newScheduleRow(schedule)); err != nil {
		return mapError(err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (persistence.Schedule, error) {
	var row scheduleRow
	found, err := handleNotFound(&row, s.db.GetContext(ctx, &row, `SELECT * FROM schedules WHERE id = $1`, id))
	if err != nil {
		return persistence.Schedule{}, err
	}
	return found.toSchedule()
}

// GetActiveSchedule returns the active schedule of a patient.
func (s *Store) GetActiveSchedule(ctx context.Context, patientID string) (persistence.Schedule, error) {
	return getActiveSchedule(ctx, s.db, patientID, false)
}

func getActiveSchedule(ctx context.Context, db DBTX, patientID string, forUpdate bool) (persistence.Schedule, error) {
	query := `SELECT * FROM schedules WHERE patient_id = $1 AND is_active`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row scheduleRow
	found, err := handleNotFound(&row, db.GetContext(ctx, &row, query, patientID))
	if err != nil {
		return persistence.Schedule{}, err
	}
	return found.toSchedule()
}

// ListActiveSchedules returns active schedules ordered by created_at.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]persistence.Schedule, error) {
	return s.selectSchedules(ctx, `SELECT * FROM schedules WHERE is_active ORDER BY created_at ASC, id ASC`)
}

// ListInactiveWithFutureRecurring returns inactive schedules that still own
// recurring sessions at or after from.
func (s *Store) ListInactiveWithFutureRecurring(ctx context.Context, from time.Time) ([]persistence.Schedule, error) {
	return s.selectSchedules(ctx, `
		SELECT s.* FROM schedules s
		WHERE NOT s.is_active AND EXISTS (
			SELECT 1 FROM sessions
			WHERE sessions.schedule_id = s.id AND sessions.origin = 'recurring' AND sessions.scheduled_at >= $1
		)
		ORDER BY s.created_at ASC, s.id ASC`, from.UTC())
}

func (s *Store) selectSchedules(ctx context.Context, query string, args ...any) ([]persistence.Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err)
	}

	schedules := make([]persistence.Schedule, 0, len(rows))
	for _, row := range rows {
		schedule, err := row.toSchedule()
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

// ReplaceActiveSchedule deactivates the patient's active schedule and inserts
// next in one transaction.
func (s *Store) ReplaceActiveSchedule(ctx context.Context, next persistence.Schedule, at time.Time) (*persistence.Schedule, error) {
	var previous *persistence.Schedule
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getActiveSchedule(ctx, tx, next.PatientID, true)
		switch {
		case err == nil:
			if err := deactivateSchedule(ctx, tx, current.ID, at); err != nil {
				return err
			}
			current.IsActive = false
			current.DeactivatedAt = &at
			current.UpdatedAt = at
			previous = &current
		case !errors.Is(err, persistence.ErrNotFound):
			return err
		}

		next.IsActive = true
		return insertSchedule(ctx, tx, next)
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// DeactivateSchedule marks an active schedule inactive.
func (s *Store) DeactivateSchedule(ctx context.Context, id string, at time.Time) error {
	return deactivateSchedule(ctx, s.db, id, at)
}

func deactivateSchedule(ctx context.Context, db DBTX, id string, at time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE schedules SET is_active = FALSE, deactivated_at = $1, updated_at = $1 WHERE id = $2 AND is_active`,
		at.UTC(), id)
	if err != nil {
		return mapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// --- SessionRepository implementation ---

// CreateSession stores a single session of any origin.
func (s *Store) CreateSession(ctx context.Context, session persistence.Session) error {
	return insertSession(ctx, s.db, session)
}

func insertSession(ctx context.Context, db sqlx.ExtContext, session persistence.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if _, err := sqlx.NamedExecContext(ctx, db, insertSessionSQL, newSessionRow(session)); err != nil {
		return mapError(err)
	}
	return nil
}

// ListSessions returns sessions matching filter ordered by scheduled_at.
func (s *Store) ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}
	if filter.ScheduleID != "" {
		add("schedule_id = $%d", filter.ScheduleID)
	}
	if filter.Origin != "" {
		add("origin = $%d", string(filter.Origin))
	}
	if filter.From != nil {
		add("scheduled_at >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("scheduled_at <= $%d", filter.To.UTC())
	}

	query := `SELECT * FROM sessions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY scheduled_at ASC, id ASC`

	return selectSessions(ctx, s.db, query, args...)
}

func selectSessions(ctx context.Context, db DBTX, query string, args ...any) ([]persistence.Session, error) {
	var rows []sessionRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err)
	}
	sessions := make([]persistence.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.toSession())
	}
	return sessions, nil
}

// Atomically runs fn inside one PostgreSQL transaction.
func (s *Store) Atomically(ctx context.Context, fn func(tx persistence.SessionTx) error) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&sessionTx{tx: tx})
	})
}

type sessionTx struct {
	tx *sqlx.Tx
}

func (s *sessionTx) ListFutureRecurring(ctx context.Context, scheduleID string, from time.Time) ([]persistence.Session, error) {
	return selectSessions(ctx, s.tx, `
		SELECT * FROM sessions
		WHERE schedule_id = $1 AND origin = 'recurring' AND scheduled_at >= $2
		ORDER BY scheduled_at ASC, id ASC
		FOR UPDATE`, scheduleID, from.UTC())
}

func (s *sessionTx) DeleteFutureRecurring(ctx context.Context, scheduleID string, from time.Time) (int, error) {
	result, err := s.tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE schedule_id = $1 AND origin = 'recurring' AND scheduled_at >= $2`,
		scheduleID, from.UTC())
	if err != nil {
		return 0, mapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, mapError(err)
	}
	return int(affected), nil
}

func (s *sessionTx) InsertSessions(ctx context.Context, sessions []persistence.Session) (int, error) {
	for i, session := range sessions {
		if session.Origin != persistence.OriginRecurring {
			return i, fmt.Errorf("postgres: session %s has origin %q: %w", session.ID, session.Origin, persistence.ErrConstraintViolation)
		}
		if err := insertSession(ctx, s.tx, session); err != nil {
			return i, err
		}
	}
	return len(sessions), nil
}

var (
	_ persistence.ScheduleRepository = (*Store)(nil)
	_ persistence.SessionRepository  = (*Store)(nil)
)
