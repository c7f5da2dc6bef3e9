package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/example/session-scheduler/internal/audit"
)

// OutputFormatter renders command results as text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func (f *OutputFormatter) json() bool {
	return f.Format == "json"
}

func (f *OutputFormatter) writeJSON(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Report prints an audit report.
func (f *OutputFormatter) Report(report audit.Report) error {
	if f.json() {
		return f.writeJSON(report)
	}

	var sb strings.Builder
	sb.WriteString(color.CyanString("Audit report\n"))
	for _, o := range report.Succeeded {
		writeOutcome(&sb, o)
	}
	for _, o := range report.Failed {
		writeOutcome(&sb, o)
	}
	t := report.Totals
	fmt.Fprintf(&sb, "\n%d schedules: %s, %s, %d inserted, %d deleted (%s)\n",
		t.Schedules,
		color.GreenString("%d succeeded", t.Succeeded),
		failedString(t.Failed),
		t.Inserted, t.Deleted,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	_, err := io.WriteString(f.Writer, sb.String())
	return err
}

// Outcome prints the result of a single reconciliation.
func (f *OutputFormatter) Outcome(o audit.Outcome) error {
	if f.json() {
		return f.writeJSON(o)
	}
	var sb strings.Builder
	writeOutcome(&sb, o)
	_, err := io.WriteString(f.Writer, sb.String())
	return err
}

func writeOutcome(sb *strings.Builder, o audit.Outcome) {
	if !o.OK() {
		fmt.Fprintf(sb, "[%s] %s patient=%s %s: %s\n",
			color.RedString("✗"), o.ScheduleID, o.PatientID, color.YellowString(o.ErrorKind), o.Error)
		return
	}

	detail := fmt.Sprintf("+%d -%d of %d", o.Inserted, o.Deleted, o.Expected)
	switch {
	case o.Retired:
		detail = fmt.Sprintf("retired -%d", o.Deleted)
	case o.Skipped:
		detail = fmt.Sprintf("up to date (%d)", o.Expected)
	}
	fmt.Fprintf(sb, "[%s] %s patient=%s %s\n", color.GreenString("✓"), o.ScheduleID, o.PatientID, detail)
	if o.Truncated {
		fmt.Fprintf(sb, "    %s\n", color.YellowString("occurrence cap reached; horizon truncated"))
	}
	for _, c := range o.Conflicts {
		fmt.Fprintf(sb, "    %s %s overlaps %s\n", color.YellowString("conflict"), c.Candidate.Start.Format("2006-01-02 15:04"), c.With.ID)
	}
}

func failedString(n int) string {
	if n == 0 {
		return "0 failed"
	}
	return color.RedString("%d failed", n)
}

// previewOutput is the JSON form of the preview command.
type previewOutput struct {
	ScheduleID  string   `json:"schedule_id"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Occurrences []string `json:"occurrences"`
	Truncated   bool     `json:"truncated"`
}

// Preview prints generated occurrences without touching storage.
func (f *OutputFormatter) Preview(out previewOutput) error {
	if f.json() {
		return f.writeJSON(out)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", color.CyanString("Occurrences of"), out.ScheduleID)
	fmt.Fprintf(&sb, "%s .. %s\n", out.From, out.To)
	for _, start := range out.Occurrences {
		fmt.Fprintf(&sb, "  %s\n", start)
	}
	fmt.Fprintf(&sb, "%d occurrences\n", len(out.Occurrences))
	if out.Truncated {
		sb.WriteString(color.YellowString("occurrence cap reached; window truncated\n"))
	}
	_, err := io.WriteString(f.Writer, sb.String())
	return err
}

// Message prints a one-line status message.
func (f *OutputFormatter) Message(key, text string) error {
	if f.json() {
		return f.writeJSON(map[string]string{key: text})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}
