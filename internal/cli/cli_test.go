package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/session-scheduler/internal/audit"
	"github.com/example/session-scheduler/internal/persistence/sqlite"
	"github.com/example/session-scheduler/internal/testfixtures"
)

func useSQLite(t *testing.T) string {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "scheduler.db")
	t.Setenv("SCHEDULER_STORE", "sqlite")
	t.Setenv("SCHEDULER_SQLITE_DSN", dsn)
	t.Setenv("SCHEDULER_REDIS_URL", "")
	t.Setenv("SCHEDULER_LOG_LEVEL", "error")
	return dsn
}

func seed(t *testing.T, dsn string, schedules ...testfixtures.ScheduleFixture) {
	t.Helper()
	store, err := sqlite.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(context.Background()))
	testfixtures.SeedSchedules(t, store, schedules...)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	useSQLite(t)
	_, err := execute(t, "migrate", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestInvalidConfigurationIsReported(t *testing.T) {
	useSQLite(t)
	t.Setenv("SCHEDULER_STORE", "mongo")
	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULER_STORE")
}

func TestMigrate(t *testing.T) {
	useSQLite(t)
	out, err := execute(t, "migrate", "--format", "json")
	require.NoError(t, err)

	var msg map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &msg))
	assert.Equal(t, "sqlite schema is up to date", msg["status"])

	_, err = execute(t, "migrate")
	require.NoError(t, err, "migrating twice is a no-op")
}

func TestAuditReconcilesEverySchedule(t *testing.T) {
	dsn := useSQLite(t)
	seed(t, dsn, testfixtures.NewScheduleFixture(), testfixtures.NewScheduleFixture())

	out, err := execute(t, "audit", "--format", "json")
	require.NoError(t, err)
	var report audit.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Totals.Schedules)
	assert.Equal(t, 2, report.Totals.Succeeded)
	assert.Positive(t, report.Totals.Inserted)

	out, err = execute(t, "audit", "--format", "json")
	require.NoError(t, err)
	report = audit.Report{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Zero(t, report.Totals.Inserted)
	for _, o := range report.Succeeded {
		assert.True(t, o.Skipped, o.ScheduleID)
	}
}

func TestAuditFailureSetsExitCode(t *testing.T) {
	dsn := useSQLite(t)
	fixture := testfixtures.NewScheduleFixture()
	seed(t, dsn, fixture)

	out, err := execute(t, "audit", "--schedule", fixture.ID, "--schedule", "schedule-missing")
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.Contains(t, err.Error(), "1 of 2 schedules failed")
	assert.Contains(t, out, "schedule-missing")
	assert.Contains(t, out, "not_found")
	assert.Contains(t, out, fixture.ID)
}

func TestAuditWithMemoryStore(t *testing.T) {
	useSQLite(t)
	t.Setenv("SCHEDULER_STORE", "memory")
	out, err := execute(t, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "0 schedules")
}

func TestReconcile(t *testing.T) {
	dsn := useSQLite(t)
	fixture := testfixtures.NewScheduleFixture()
	seed(t, dsn, fixture)

	out, err := execute(t, "reconcile", fixture.PatientID, "--format", "json")
	require.NoError(t, err)
	var outcome audit.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, fixture.ID, outcome.ScheduleID)
	assert.Positive(t, outcome.Inserted)

	out, err = execute(t, "reconcile", "patient-unknown")
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.Contains(t, out, "no_active_schedule")
}

func TestPreview(t *testing.T) {
	dsn := useSQLite(t)
	fixture := testfixtures.NewScheduleFixture()
	seed(t, dsn, fixture)

	out, err := execute(t, "preview", fixture.ID, "--from", "2024-02-01", "--to", "2024-02-07", "--format", "json")
	require.NoError(t, err)
	var preview previewOutput
	require.NoError(t, json.Unmarshal([]byte(out), &preview))
	assert.Equal(t, []string{
		"2024-02-02T09:00:00-03:00",
		"2024-02-05T09:00:00-03:00",
		"2024-02-07T09:00:00-03:00",
	}, preview.Occurrences)

	out, err = execute(t, "preview", fixture.ID, "--from", "2024-02-01", "--to", "2024-02-07")
	require.NoError(t, err)
	assert.Contains(t, out, "3 occurrences")

	_, err = execute(t, "preview", fixture.ID, "--from", "02/01/2024")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --from")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 3, ExitCode(&ExitError{Code: 3, Err: errors.New("partial")}))
}
