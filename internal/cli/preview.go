package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/session-scheduler/internal/recurrence"
)

// NewPreviewCommand creates the preview command.
func NewPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "preview <schedule-id>",
		Short: "List the occurrences a schedule generates in a window",
		Long: `List the occurrences a schedule generates between --from and --to
(YYYY-MM-DD, clinic time, both inclusive). Nothing is written. The window
defaults to now through the configured horizon.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			loc := a.engine.Location()
			start := time.Now().In(loc)
			if from != "" {
				if start, err = time.ParseInLocation(time.DateOnly, from, loc); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			end := recurrence.HorizonEnd(start, a.engine.HorizonMonths())
			if to != "" {
				day, err := time.ParseInLocation(time.DateOnly, to, loc)
				if err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
				end = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
			}

			result, err := a.engine.Preview(cmd.Context(), args[0], start, end)
			if err != nil {
				return err
			}

			out := previewOutput{
				ScheduleID:  args[0],
				From:        start.Format(time.RFC3339),
				To:          end.Format(time.RFC3339),
				Occurrences: make([]string, 0, len(result.Occurrences)),
				Truncated:   result.Truncated,
			}
			for _, o := range result.Occurrences {
				out.Occurrences = append(out.Occurrences, o.Start.Format(time.RFC3339))
			}
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Preview(out)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first day of the window (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day of the window (YYYY-MM-DD)")
	return cmd
}
