package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/session-scheduler/internal/audit"
)

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	var scheduleIDs []string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Reconcile every active schedule once",
		Long: `Reconcile every active schedule, or only the ones named with --schedule,
and print a report. Exits with status 1 when any schedule failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var report audit.Report
			if len(scheduleIDs) > 0 {
				report = a.auditor.AuditSchedules(cmd.Context(), scheduleIDs)
			} else if report, err = a.auditor.AuditAll(cmd.Context()); err != nil {
				return err
			}

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if err := formatter.Report(report); err != nil {
				return err
			}
			if report.HasFailures() {
				return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d schedules failed", report.Totals.Failed, report.Totals.Schedules)}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&scheduleIDs, "schedule", nil, "schedule id to reconcile (repeatable)")
	return cmd
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <patient-id>",
		Short: "Reconcile the active schedule of one patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, runErr := a.auditor.AuditOne(cmd.Context(), args[0])
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if err := formatter.Outcome(outcome); err != nil {
				return err
			}
			if runErr != nil {
				return &ExitError{Code: 1, Err: runErr}
			}
			return nil
		},
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Message("status", fmt.Sprintf("%s schema is up to date", a.cfg.Store))
		},
	}
}
