package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/queue"
	"conveyor/internal/queueaccess"
)

func newMaintCommand(ctx *commandContext) *cobra.Command {
	maintCmd := &cobra.Command{
		Use:     "maint",
		Aliases: []string{"maintenance"},
		Short:   "File and track maintenance jobs for worker slots",
	}

	maintCmd.AddCommand(newMaintAddCommand(ctx))
	maintCmd.AddCommand(newMaintListCommand(ctx))
	maintCmd.AddCommand(newMaintShowCommand(ctx))
	maintCmd.AddCommand(newMaintCloseCommand(ctx))

	return maintCmd
}

func newMaintAddCommand(ctx *commandContext) *cobra.Command {
	var summary string
	var priority string

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "File a maintenance job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := queue.ParseJobPriority(priority)
			if !ok {
				return fmt.Errorf("invalid priority %q (use P0-P3)", priority)
			}
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				job, err := backend.AddMaintenanceJob(cmd.Context(), queue.NewMaintenanceJob{
					Title:    args[0],
					Summary:  summary,
					Priority: p,
				})
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, ctx, job); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Maintenance job #%d filed (%s)\n", job.ID, job.Priority)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&summary, "summary", "", "Details handed to the worker")
	cmd.Flags().StringVarP(&priority, "priority", "p", string(queue.PriorityP2), "Priority P0 (urgent) to P3")
	return cmd
}

func newMaintListCommand(ctx *commandContext) *cobra.Command {
	var statusFilters []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]queue.JobStatus, 0, len(statusFilters))
			for _, value := range statusFilters {
				status, ok := queue.ParseJobStatus(value)
				if !ok {
					return fmt.Errorf("unknown job status %q", value)
				}
				statuses = append(statuses, status)
			}
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				jobs, err := backend.ListMaintenanceJobs(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, ctx, jobs); handled {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No maintenance jobs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Priority", "Status", "Title", "Attempts", "Assigned"},
					buildJobRows(jobs),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statusFilters, "status", "s", nil, "Filter by job status (repeatable)")
	return cmd
}

func newMaintShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a maintenance job with its failure history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				job, err := backend.GetMaintenanceJob(cmd.Context(), id)
				if err != nil {
					return describeJobLookup(err, id)
				}
				if handled, err := writeStructured(cmd, ctx, job); handled {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job:      #%d %s\n", job.ID, job.Title)
				fmt.Fprintf(out, "Priority: %s\n", job.Priority)
				fmt.Fprintf(out, "Status:   %s\n", job.Status)
				fmt.Fprintf(out, "Attempts: %d\n", job.Attempts)
				if job.Summary != "" {
					fmt.Fprintf(out, "\n%s\n", job.Summary)
				}
				if job.ResolutionNote != "" {
					fmt.Fprintf(out, "\nResolution: %s\n", job.ResolutionNote)
				}
				if len(job.FailureHistory) > 0 {
					rows := make([][]string, 0, len(job.FailureHistory))
					for _, failure := range job.FailureHistory {
						rows = append(rows, []string{formatTime(failure.At), failure.Worker, truncateCell(failure.Error, 80)})
					}
					fmt.Fprintln(out)
					fmt.Fprint(out, renderTable([]string{"Failed", "Worker", "Error"}, rows, nil))
				}
				return nil
			})
		},
	}
}

func newMaintCloseCommand(ctx *commandContext) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a maintenance job without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				if err := backend.CloseMaintenanceJob(cmd.Context(), id, note); err != nil {
					return describeJobLookup(err, id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Maintenance job #%d closed\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Reason recorded on the job")
	return cmd
}

func parseJobID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(value), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", value)
	}
	return id, nil
}

func describeJobLookup(err error, id int64) error {
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("maintenance job #%d not found", id)
	}
	return err
}
