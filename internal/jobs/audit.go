// Package jobs runs background maintenance on a fixed interval.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/audit"
)

// Auditor is the part of audit.Auditor the job drives.
type Auditor interface {
	AuditAll(ctx context.Context) (audit.Report, error)
}

// AuditJob reconciles every active schedule on a fixed interval.
type AuditJob struct {
	auditor  Auditor
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAuditJob(auditor Auditor, interval, timeout time.Duration, logger zerolog.Logger) *AuditJob {
	return &AuditJob{
		auditor:  auditor,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "audit_job").Logger(),
		done:     make(chan struct{}),
	}
}

// Start runs one audit immediately and then one per interval.
func (j *AuditJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info().Dur("interval", j.interval).Msg("audit job started")
}

// Stop cancels an in-flight run between schedules and waits for it to end.
func (j *AuditJob) Stop() {
	j.stopOnce.Do(func() { close(j.done) })
	j.wg.Wait()
	j.logger.Info().Msg("audit job stopped")
}

func (j *AuditJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunOnce()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce performs a single audit bounded by the job timeout and returns
// its report.
func (j *AuditJob) RunOnce() audit.Report {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	go func() {
		select {
		case <-j.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := j.auditor.AuditAll(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("audit run failed")
		return report
	}
	if report.HasFailures() {
		j.logger.Warn().
			Int("failed", report.Totals.Failed).
			Int("succeeded", report.Totals.Succeeded).
			Msg("audit run finished with failures")
	} else if report.Totals.Inserted > 0 || report.Totals.Deleted > 0 {
		j.logger.Info().
			Int("inserted", report.Totals.Inserted).
			Int("deleted", report.Totals.Deleted).
			Msg("audit run repaired sessions")
	}
	return report
}
