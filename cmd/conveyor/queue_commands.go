package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conveyor/internal/queue"
	"conveyor/internal/queueaccess"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the stage queue",
	}

	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueRecoverCommand(ctx))
	queueCmd.AddCommand(newQueueReleaseCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

type queueStats struct {
	Stages []queue.StageStats        `json:"stages"`
	Tasks  map[queue.TaskStatus]int `json:"tasks"`
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize entries per stage and tasks per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				stages, err := backend.Stats(cmd.Context())
				if err != nil {
					return err
				}
				counts, err := backend.TaskCounts(cmd.Context())
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, ctx, queueStats{Stages: stages, Tasks: counts}); handled {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderTable(
					[]string{"Stage", "Waiting", "Processing", "Completed", "Failed"},
					buildStageStatsRows(stages),
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
				rows := buildTaskCountRows(counts)
				if len(rows) == 0 {
					fmt.Fprintln(out, "No tasks")
					return nil
				}
				fmt.Fprint(out, renderTable([]string{"Task status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func newQueueRecoverCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Return processing entries with stale heartbeats to waiting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				released, err := backend.ReleaseStale(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, ctx, map[string]int64{"released": released}); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Released %d stale entries\n", released)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "Heartbeat age after which an entry is considered stuck")
	return cmd
}

func newQueueReleaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release <entry-id>",
		Short: "Return one processing entry to waiting without spending a retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				entry, err := backend.Release(cmd.Context(), queue.EntryRef{ID: id})
				switch {
				case errors.Is(err, queue.ErrNotFound):
					return fmt.Errorf("entry %d not found", id)
				case errors.Is(err, queue.ErrNotProcessing):
					return fmt.Errorf("entry %d is not processing", id)
				case err != nil:
					return err
				}
				if handled, err := writeStructured(cmd, ctx, entry); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Entry %d (%s %s) released\n", entry.ID, entry.TaskID, stageLabel(entry.Stage))
				return nil
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check queue database health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				health, err := backend.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, ctx, health); handled {
					return err
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				kind := statusOK
				if !health.Reachable || !health.IntegrityCheck {
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine("Database", kind, fmt.Sprintf("%s %s", health.Driver, health.Location), colorize))
				fmt.Fprintln(out, renderStatusLine("Schema", statusInfo, fmt.Sprintf("version %d", health.SchemaVersion), colorize))
				fmt.Fprintln(out, renderStatusLine("Rows", statusInfo, fmt.Sprintf("%d tasks, %d entries", health.TotalTasks, health.TotalEntries), colorize))
				if health.Error != "" {
					fmt.Fprintln(out, renderStatusLine("Error", statusError, health.Error, colorize))
				}
				return nil
			})
		},
	}
}
