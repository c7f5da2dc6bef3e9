// Package sqlite implements the schedule and session repositories on SQLite
// through the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"embed"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/persistence/migration"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements persistence.ScheduleRepository and
// persistence.SessionRepository.
type Store struct {
	*ScheduleRepository
	*SessionRepository

	pool   *ConnectionPool
	logger zerolog.Logger
}

// Open connects to the SQLite database at dsn. Call Migrate before use on a
// fresh database.
func Open(dsn string, logger zerolog.Logger) (*Store, error) {
	pool, err := NewConnectionPool(dsn)
	if err != nil {
		return nil, err
	}
	return &Store{
		ScheduleRepository: NewScheduleRepository(pool),
		SessionRepository:  NewSessionRepository(pool),
		pool:               pool,
		logger:             logger,
	}, nil
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	manager := migration.NewManager(migrationFiles, "migrations",
		migration.NewSQLExecutor(s.pool.DB(), migration.SQLite), s.logger)
	if _, err := manager.Run(ctx); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}
