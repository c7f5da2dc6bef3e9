package migration

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"
)

// Manager orchestrates the migration process.
type Manager struct {
	fsys     fs.FS
	dir      string
	executor Executor
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager creates a Manager that reads migrations from dir in fsys.
func NewManager(fsys fs.FS, dir string, executor Executor, logger zerolog.Logger) *Manager {
	return &Manager{
		fsys:     fsys,
		dir:      dir,
		executor: executor,
		logger:   logger.With().Str("component", "migration").Logger(),
		now:      time.Now,
	}
}

// Run applies every pending migration in version order and returns how many
// were applied. A checksum mismatch on an applied migration aborts the run.
func (m *Manager) Run(ctx context.Context) (int, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return 0, err
	}

	m.logger.Debug().
		Str("current_version", status.CurrentVersion).
		Int("pending", len(status.Pending)).
		Msg("migration status loaded")

	for i, migration := range status.Pending {
		started := time.Now()
		if err := m.executor.ExecuteMigration(ctx, migration, m.now()); err != nil {
			m.logger.Error().Err(err).Str("version", migration.Version).Msg("migration failed")
			return i, fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
		m.logger.Info().
			Str("version", migration.Version).
			Str("description", migration.Description).
			Dur("elapsed", time.Since(started)).
			Msg("migration applied")
	}
	return len(status.Pending), nil
}

// Status compares the available migrations with the applied ones.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return Status{}, err
	}

	available, err := Scan(m.fsys, m.dir)
	if err != nil {
		return Status{}, err
	}
	applied, err := m.executor.GetAppliedVersions(ctx)
	if err != nil {
		return Status{}, err
	}

	appliedByVersion := make(map[string]AppliedMigration, len(applied))
	for _, a := range applied {
		appliedByVersion[a.Version] = a
	}

	status := Status{Applied: applied}
	if len(applied) > 0 {
		status.CurrentVersion = applied[len(applied)-1].Version
	}
	for _, migration := range available {
		a, ok := appliedByVersion[migration.Version]
		if !ok {
			status.Pending = append(status.Pending, migration)
			continue
		}
		if a.Checksum != "" && a.Checksum != migration.Checksum {
			return Status{}, NewMigrationError(migration.Version, migration.FilePath, "verify checksum", ErrChecksumMismatch)
		}
	}
	return status, nil
}
