package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/example/session-scheduler/internal/persistence"
)

const sessionColumns = `id, patient_id, schedule_id, scheduled_at, duration_minutes, session_type,
	session_value, status, paid, origin, created_at, updated_at`

// SessionRepository implements persistence.SessionRepository using SQLite
type SessionRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewSessionRepository creates a new SQLite session repository
func NewSessionRepository(pool *ConnectionPool) *SessionRepository {
	return &SessionRepository{pool: pool, mapper: NewErrorMapper()}
}

// CreateSession stores a single session of any origin.
func (r *SessionRepository) CreateSession(ctx context.Context, session persistence.Session) error {
	return r.insertSession(ctx, r.pool.DB(), session)
}

func (r *SessionRepository) insertSession(ctx context.Context, q queryer, session persistence.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.PatientID,
		nullString(session.ScheduleID),
		formatTime(session.ScheduledAt),
		session.DurationMinutes,
		session.SessionType,
		nullInt64(session.SessionValue),
		string(session.Status),
		boolToInt(session.Paid),
		string(session.Origin),
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// ListSessions returns sessions matching filter ordered by scheduled_at.
func (r *SessionRepository) ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.PatientID != "" {
		clauses = append(clauses, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if filter.ScheduleID != "" {
		clauses = append(clauses, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.Origin != "" {
		clauses = append(clauses, "origin = ?")
		args = append(args, string(filter.Origin))
	}
	if filter.From != nil {
		clauses = append(clauses, "scheduled_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		clauses = append(clauses, "scheduled_at <= ?")
		args = append(args, formatTime(*filter.To))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY scheduled_at ASC, id ASC`

	return r.querySessions(ctx, r.pool.DB(), query, args...)
}

// Atomically runs fn inside one SQLite transaction.
func (r *SessionRepository) Atomically(ctx context.Context, fn func(tx persistence.SessionTx) error) error {
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(&sessionTx{repo: r, tx: tx})
	})
}

func (r *SessionRepository) querySessions(ctx context.Context, q queryer, query string, args ...any) ([]persistence.Session, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	sessions := make([]persistence.Session, 0)
	for rows.Next() {
		session, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return sessions, nil
}

func (r *SessionRepository) scanSession(row rowScanner) (persistence.Session, error) {
	var (
		session                           persistence.Session
		scheduleID                        sql.NullString
		scheduledAt, createdAt, updatedAt string
		sessionValue                      sql.NullInt64
		status, origin                    string
		paid                              int
	)
	err := row.Scan(
		&session.ID,
		&session.PatientID,
		&scheduleID,
		&scheduledAt,
		&session.DurationMinutes,
		&session.SessionType,
		&sessionValue,
		&status,
		&paid,
		&origin,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return persistence.Session{}, r.mapper.MapError(err)
	}

	session.ScheduleID = stringPtr(scheduleID)
	session.SessionValue = int64Ptr(sessionValue)
	session.Status = persistence.SessionStatus(status)
	session.Origin = persistence.SessionOrigin(origin)
	session.Paid = paid == 1
	if session.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return persistence.Session{}, err
	}
	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.Session{}, err
	}
	if session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Session{}, err
	}
	return session, nil
}

type sessionTx struct {
	repo *SessionRepository
	tx   *sql.Tx
}

func (s *sessionTx) ListFutureRecurring(ctx context.Context, scheduleID string, from time.Time) ([]persistence.Session, error) {
	return s.repo.querySessions(ctx, s.tx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE schedule_id = ? AND origin = 'recurring' AND scheduled_at >= ?
		ORDER BY scheduled_at ASC, id ASC`,
		scheduleID, formatTime(from))
}

func (s *sessionTx) DeleteFutureRecurring(ctx context.Context, scheduleID string, from time.Time) (int, error) {
	result, err := s.tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE schedule_id = ? AND origin = 'recurring' AND scheduled_at >= ?`,
		scheduleID, formatTime(from))
	if err != nil {
		return 0, s.repo.mapper.MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, s.repo.mapper.MapError(err)
	}
	return int(affected), nil
}

func (s *sessionTx) InsertSessions(ctx context.Context, sessions []persistence.Session) (int, error) {
	for i, session := range sessions {
		if session.Origin != persistence.OriginRecurring {
			return i, fmt.Errorf("sqlite: session %s has origin %q: %w", session.ID, session.Origin, persistence.ErrConstraintViolation)
		}
		if err := s.repo.insertSession(ctx, s.tx, session); err != nil {
			return i, err
		}
	}
	return len(sessions), nil
}

var (
	_ persistence.ScheduleRepository = (*Store)(nil)
	_ persistence.SessionRepository  = (*Store)(nil)
)
