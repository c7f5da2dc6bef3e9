package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/session-scheduler/internal/audit"
)

type countingAuditor struct {
	mu     sync.Mutex
	calls  int
	report audit.Report
	err    error
	block  bool
	ctxErr chan error
}

func (c *countingAuditor) AuditAll(ctx context.Context) (audit.Report, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.block {
		<-ctx.Done()
		c.ctxErr <- ctx.Err()
		return audit.Report{}, ctx.Err()
	}
	return c.report, c.err
}

func (c *countingAuditor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestAuditJobRunsImmediatelyAndOnInterval(t *testing.T) {
	auditor := &countingAuditor{}
	job := NewAuditJob(auditor, 10*time.Millisecond, time.Second, zerolog.Nop())

	job.Start()
	require.Eventually(t, func() bool { return auditor.count() >= 3 }, time.Second, 5*time.Millisecond)
	job.Stop()

	stopped := auditor.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, auditor.count(), "no runs after Stop")
}

func TestAuditJobStopCancelsInFlightRun(t *testing.T) {
	auditor := &countingAuditor{block: true, ctxErr: make(chan error, 1)}
	job := NewAuditJob(auditor, time.Hour, time.Hour, zerolog.Nop())

	job.Start()
	require.Eventually(t, func() bool { return auditor.count() == 1 }, time.Second, time.Millisecond)
	job.Stop()

	select {
	case err := <-auditor.ctxErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("in-flight audit was not cancelled")
	}
}

func TestAuditJobRunOnceHonoursTimeout(t *testing.T) {
	auditor := &countingAuditor{block: true, ctxErr: make(chan error, 1)}
	job := NewAuditJob(auditor, time.Hour, 10*time.Millisecond, zerolog.Nop())

	job.RunOnce()

	assert.ErrorIs(t, <-auditor.ctxErr, context.DeadlineExceeded)
}

func TestAuditJobRunOnceReturnsReport(t *testing.T) {
	report := audit.Report{Totals: audit.Totals{Schedules: 2, Succeeded: 1, Failed: 1}, Failed: []audit.Outcome{{ScheduleID: "s-1"}}}
	job := NewAuditJob(&countingAuditor{report: report}, time.Hour, time.Second, zerolog.Nop())

	got := job.RunOnce()
	assert.Equal(t, report, got)

	failing := NewAuditJob(&countingAuditor{err: errors.New("list failed")}, time.Hour, time.Second, zerolog.Nop())
	assert.Empty(t, failing.RunOnce().Failed)
}
