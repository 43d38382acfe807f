package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"speechflow/internal/jobstore"
	"speechflow/internal/messages"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var statuses []jobstore.JobStatus
			if strings.TrimSpace(statusFilter) != "" {
				for _, raw := range strings.Split(statusFilter, ",") {
					status, ok := jobstore.ParseJobStatus(raw)
					if !ok {
						return fmt.Errorf("unknown job status %q", strings.TrimSpace(raw))
					}
					statuses = append(statuses, status)
				}
			}

			jobs, err := store.ListJobs(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					job.ID,
					job.WorkflowID,
					string(job.Status),
					orDash(job.SourceLanguage),
					orDash(job.TargetLanguage),
					job.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Workflow", "Status", "Source", "Target", "Created"},
				rows,
				nil,
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Comma-separated status filter")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %s not found", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:       %s\n", job.ID)
			fmt.Fprintf(out, "Workflow:  %s\n", job.WorkflowID)
			fmt.Fprintf(out, "Status:    %s\n", job.Status)
			fmt.Fprintf(out, "Source:    %s\n", orDash(job.SourceLanguage))
			fmt.Fprintf(out, "Target:    %s\n", orDash(job.TargetLanguage))
			fmt.Fprintf(out, "Input:     %s\n", orDash(job.InputRef))
			fmt.Fprintf(out, "Created:   %s\n", job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "Started:   %s\n", formatTime(job.StartedAt))
			fmt.Fprintf(out, "Completed: %s\n", formatTime(job.CompletedAt))
			if job.ErrorDetail != "" {
				fmt.Fprintf(out, "Error:     %s\n", job.ErrorDetail)
			}
			if job.CallbackEndpoint != "" {
				fmt.Fprintf(out, "Callback:  %s (%s at %s)\n",
					job.CallbackEndpoint, orDash(job.CallbackStatus), formatTime(job.CallbackSentAt))
			}

			steps, err := store.StepsForJob(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
			if len(steps) == 0 {
				fmt.Fprintln(out, "\nNo steps yet.")
				return nil
			}

			rows := make([][]string, 0, len(steps))
			for _, stepType := range jobstore.AllStepTypes() {
				step := steps[stepType]
				if step == nil {
					continue
				}
				rows = append(rows, []string{
					string(step.StepType),
					string(step.Status),
					fmt.Sprintf("%d", step.RetryCount),
					orDash(step.WorkerIdentity),
					fmt.Sprintf("%d", step.QueueWaitMS),
					fmt.Sprintf("%d", step.ProcessingMS),
					orDash(step.ResultLocation),
					orDash(step.ErrorDetail),
				})
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(
				[]string{"Step", "Status", "Retries", "Worker", "Wait ms", "Proc ms", "Result", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not started processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ok, err := store.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s cannot be cancelled (already processing or terminal)", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", args[0])
			return nil
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Restart a failed job with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			bus, err := ctx.openBus()
			if err != nil {
				return err
			}
			defer bus.Close()

			resumed, err := store.ResumeFailedJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !resumed {
				return fmt.Errorf("job %s is not in a failed state", args[0])
			}

			body, err := messages.Encode(messages.JobEvent{JobID: args[0]})
			if err != nil {
				return err
			}
			if err := bus.Publish(cmd.Context(), cfg.Queues.JobEvents, body); err != nil {
				return fmt.Errorf("publish resume event: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retrying job %s\n", args[0])
			return nil
		},
	}
}
