package audit

import (
	"time"

	"github.com/example/session-scheduler/internal/reconcile"
	"github.com/example/session-scheduler/internal/scheduler"
)

// Outcome is the machine-readable result for one schedule.
type Outcome struct {
	ScheduleID string               `json:"schedule_id"`
	PatientID  string               `json:"patient_id"`
	Inserted   int                  `json:"inserted"`
	Deleted    int                  `json:"deleted"`
	Expected   int                  `json:"expected"`
	Skipped    bool                 `json:"skipped,omitempty"`
	Truncated  bool                 `json:"truncated,omitempty"`
	Retired    bool                 `json:"retired,omitempty"`
	Conflicts  []scheduler.Conflict `json:"conflicts,omitempty"`
	Error      string               `json:"error,omitempty"`
	ErrorKind  string               `json:"error_kind,omitempty"`

	err error
}

// OK reports whether the schedule reconciled without error.
func (o Outcome) OK() bool {
	return o.err == nil && o.Error == ""
}

// Err returns the typed error behind a failed outcome.
func (o Outcome) Err() error {
	return o.err
}

func (o *Outcome) apply(r reconcile.Result) {
	if r.ScheduleID != "" {
		o.ScheduleID = r.ScheduleID
	}
	if r.PatientID != "" {
		o.PatientID = r.PatientID
	}
	o.Inserted = r.Inserted
	o.Deleted = r.Deleted
	o.Expected = r.Expected
	o.Skipped = r.Skipped
	o.Truncated = r.Truncated
	o.Conflicts = r.Conflicts
}

func (o *Outcome) fail(err error, kind string) {
	o.err = err
	o.Error = err.Error()
	o.ErrorKind = kind
}

// Totals summarises a report.
type Totals struct {
	Schedules int `json:"schedules"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Inserted  int `json:"inserted"`
	Deleted   int `json:"deleted"`
}

// Report lists successes and failures in the order schedules were given.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  []Outcome `json:"succeeded"`
	Failed     []Outcome `json:"failed"`
	Totals     Totals    `json:"totals"`
}

// HasFailures reports whether any schedule failed.
func (r Report) HasFailures() bool {
	return len(r.Failed) > 0
}

func newReport(started, finished time.Time, outcomes []Outcome) Report {
	report := Report{
		StartedAt:  started,
		FinishedAt: finished,
		Succeeded:  make([]Outcome, 0, len(outcomes)),
		Failed:     make([]Outcome, 0),
	}
	for _, o := range outcomes {
		report.Totals.Schedules++
		if o.OK() {
			report.Succeeded = append(report.Succeeded, o)
			report.Totals.Succeeded++
			report.Totals.Inserted += o.Inserted
			report.Totals.Deleted += o.Deleted
			continue
		}
		report.Failed = append(report.Failed, o)
		report.Totals.Failed++
	}
	return report
}
