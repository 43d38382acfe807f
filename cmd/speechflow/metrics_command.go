package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"speechflow/internal/metrics"
)

func newMetricsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Inspect and maintain daily metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newMetricsRollupCommand(ctx))
	cmd.AddCommand(newMetricsShowCommand(ctx))
	return cmd
}

func newMetricsRollupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rollup [date]",
		Short: "Recompute the rollup for a day (default: yesterday, format 2006-01-02)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC().AddDate(0, 0, -1)
			if len(args) == 1 {
				parsed, err := time.Parse("2006-01-02", args[0])
				if err != nil {
					return fmt.Errorf("invalid date %q: %w", args[0], err)
				}
				day = parsed
			}

			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := metrics.NewService(store, nil).RollupDay(cmd.Context(), day)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Rolled up %s: %d jobs (%d completed, %d failed, %d cancelled)\n",
				report.Date, report.TotalJobs, report.CompletedJobs,
				report.FailedJobs, report.CancelledJobs)
			return nil
		},
	}
}

func newMetricsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <date>",
		Short: "Show the stored rollup for a day (format 2006-01-02)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			row, err := store.GetDailyMetrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("no metrics recorded for %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Date", "Jobs", "Completed", "Failed", "Cancelled", "Avg wait ms", "Avg proc ms"},
				[][]string{{
					row.Date,
					fmt.Sprintf("%d", row.TotalJobs),
					fmt.Sprintf("%d", row.CompletedJobs),
					fmt.Sprintf("%d", row.FailedJobs),
					fmt.Sprintf("%d", row.CancelledJobs),
					fmt.Sprintf("%d", row.AvgQueueWaitMS),
					fmt.Sprintf("%d", row.AvgProcessingMS),
				}},
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}
