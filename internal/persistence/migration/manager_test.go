package migration

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrations.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestManagerRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"m/001_create_things.sql": {Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY);")},
		"m/002_seed_things.sql":   {Data: []byte("INSERT INTO things (id) VALUES ('a'); INSERT INTO things (id) VALUES ('b');")},
	}
	manager := NewManager(fsys, "m", NewSQLExecutor(db, SQLite), zerolog.Nop())

	applied, err := manager.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM things").Scan(&count))
	assert.Equal(t, 2, count)

	again, err := manager.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again, "second run must be a no-op")

	status, err := manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "002", status.CurrentVersion)
	assert.Empty(t, status.Pending)
	assert.Len(t, status.Applied, 2)
}

func TestManagerRollsBackFailedMigration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"m/001_create_things.sql": {Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY);")},
		"m/002_broken.sql":        {Data: []byte("INSERT INTO things (id) VALUES ('a'); INSERT INTO missing (id) VALUES ('b');")},
	}
	manager := NewManager(fsys, "m", NewSQLExecutor(db, SQLite), zerolog.Nop())

	applied, err := manager.Run(ctx)
	require.ErrorIs(t, err, ErrMigrationFailed)
	assert.Equal(t, 1, applied)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM things").Scan(&count))
	assert.Zero(t, count, "partial migration must be rolled back")

	status, err := manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "001", status.CurrentVersion)
	require.Len(t, status.Pending, 1)
}

func TestManagerDetectsEditedMigration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	original := fstest.MapFS{"m/001_create_things.sql": {Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY);")}}
	_, err := NewManager(original, "m", NewSQLExecutor(db, SQLite), zerolog.Nop()).Run(ctx)
	require.NoError(t, err)

	edited := fstest.MapFS{"m/001_create_things.sql": {Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY, name TEXT);")}}
	_, err = NewManager(edited, "m", NewSQLExecutor(db, SQLite), zerolog.Nop()).Run(ctx)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}
