package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conveyor/internal/queue"
	"conveyor/internal/queueaccess"
	"conveyor/internal/workflow"
)

func newTaskCommand(ctx *commandContext) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and control content tasks",
	}

	taskCmd.AddCommand(newTaskAddCommand(ctx))
	taskCmd.AddCommand(newTaskListCommand(ctx))
	taskCmd.AddCommand(newTaskShowCommand(ctx))
	taskCmd.AddCommand(newTaskLogCommand(ctx))
	taskCmd.AddCommand(newTaskRetryCommand(ctx))
	taskCmd.AddCommand(newTaskCancelCommand(ctx))
	taskCmd.AddCommand(newTaskRunNowCommand(ctx))

	return taskCmd
}

func newTaskAddCommand(ctx *commandContext) *cobra.Command {
	var (
		id         string
		payload    string
		priority   int
		maxRetries int
		at         string
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Schedule a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			body, err := readPayload(payload)
			if err != nil {
				return err
			}
			scheduledAt, err := parseScheduleTime(at, time.Now())
			if err != nil {
				return err
			}
			nt := queue.NewTask{
				ID:          strings.TrimSpace(id),
				Title:       args[0],
				Payload:     body,
				Priority:    cfg.Queue.DefaultPriority,
				MaxRetries:  cfg.Queue.DefaultMaxRetries,
				ScheduledAt: scheduledAt,
			}
			if cmd.Flags().Changed("priority") {
				nt.Priority = priority
			}
			if cmd.Flags().Changed("max-retries") {
				nt.MaxRetries = maxRetries
			}
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				task, err := backend.CreateTask(cmd.Context(), nt)
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, ctx, task); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s scheduled for %s\n", task.ID, formatTime(task.ScheduledAt))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Task id (generated when empty)")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload passed to every stage; @path reads a file")
	cmd.Flags().IntVar(&priority, "priority", 0, "Claim priority, higher runs first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Transient retry budget per stage")
	cmd.Flags().StringVar(&at, "at", "", "When to start: RFC3339 time or a delay such as 30m")
	return cmd
}

func newTaskListCommand(ctx *commandContext) *cobra.Command {
	var statusFilters []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseTaskStatuses(statusFilters)
			if err != nil {
				return err
			}
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				tasks, err := backend.ListTasks(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, ctx, tasks); handled {
					return err
				}
				if len(tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "Status", "Stage", "Priority", "Scheduled"},
					buildTaskRows(tasks),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statusFilters, "status", "s", nil, "Filter by task status (repeatable)")
	return cmd
}

type taskDetail struct {
	Task    *queue.Task       `json:"task"`
	Entries []*queue.Entry    `json:"entries"`
	Events  []queue.TaskEvent `json:"events"`
}

func newTaskShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its stage entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				task, err := backend.GetTask(cmd.Context(), args[0])
				if err != nil {
					return describeLookup(err, args[0])
				}
				entries, err := backend.ListEntries(cmd.Context(), task.ID)
				if err != nil {
					return err
				}
				events, err := backend.ListEvents(cmd.Context(), task.ID)
				if err != nil {
					return err
				}
				detail := taskDetail{Task: task, Entries: entries, Events: events}
				if handled, err := writeStructured(cmd, ctx, detail); handled {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Task:      %s\n", task.ID)
				fmt.Fprintf(out, "Title:     %s\n", task.Title)
				fmt.Fprintf(out, "Status:    %s\n", task.Status)
				fmt.Fprintf(out, "Stage:     %s\n", stageLabel(task.Stage))
				fmt.Fprintf(out, "Scheduled: %s\n", formatTime(task.ScheduledAt))
				fmt.Fprintf(out, "Cancel:    %s\n", yesNo(task.CancelRequested))
				if task.LastError != "" {
					fmt.Fprintf(out, "Error:     %s (at %s)\n", task.LastError, stageLabel(task.FailedStage))
				}
				if len(entries) == 0 {
					return nil
				}
				fmt.Fprintln(out)
				fmt.Fprint(out, renderTable(
					[]string{"Entry", "Stage", "Status", "Retries", "Started", "Finished", "Error"},
					buildEntryRows(entries),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newTaskLogCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "log <id>",
		Short: "Show the event history of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(backend queueaccess.Backend) error {
				if _, err := backend.GetTask(cmd.Context(), args[0]); err != nil {
					return describeLookup(err, args[0])
				}
				events, err := backend.ListEvents(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, ctx, events); handled {
					return err
				}
				if len(events) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No events")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Time", "Stage", "Level", "Message"},
					buildEventRows(events),
					nil,
				))
				return nil
			})
		},
	}
}

func newTaskRetryCommand(ctx *commandContext) *cobra.Command {
	var stageFlag string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-run a failed or cancelled task from a stage",
		Long: "Re-run a failed or cancelled task. Without --stage the task resumes at the stage that failed.\n" +
			"Entries for later stages are discarded and their artifacts regenerated.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd, func(manager *workflow.Manager, _ queueaccess.Backend) error {
				entry, err := manager.Retry(cmd.Context(), args[0], queue.Stage(strings.TrimSpace(stageFlag)))
				if err != nil {
					return describeLookup(err, args[0])
				}
				if handled, err := writeStructured(cmd, ctx, entry); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s queued at %s\n", args[0], stageLabel(entry.Stage))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&stageFlag, "stage", "", "Stage to resume from")
	return cmd
}

func newTaskCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd, func(manager *workflow.Manager, _ queueaccess.Backend) error {
				task, err := manager.Cancel(cmd.Context(), args[0])
				if err != nil {
					return describeLookup(err, args[0])
				}
				if handled, err := writeStructured(cmd, ctx, task); handled {
					return err
				}
				out := cmd.OutOrStdout()
				if task.Status == queue.TaskCancelled {
					fmt.Fprintf(out, "Task %s cancelled\n", task.ID)
				} else {
					fmt.Fprintf(out, "Cancellation requested for task %s; the running stage will be discarded\n", task.ID)
				}
				return nil
			})
		},
	}
}

func newTaskRunNowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run-now <id>",
		Short: "Start a scheduled task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd, func(manager *workflow.Manager, _ queueaccess.Backend) error {
				task, err := manager.RunNow(cmd.Context(), args[0])
				if err != nil {
					return describeLookup(err, args[0])
				}
				if handled, err := writeStructured(cmd, ctx, task); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s started at %s\n", task.ID, stageLabel(task.Stage))
				return nil
			})
		},
	}
}

func readPayload(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(value, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return data, nil
	}
	return []byte(value), nil
}

// parseScheduleTime accepts an RFC3339 timestamp or a delay relative to now.
// An empty value means now.
func parseScheduleTime(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	delay, err := time.ParseDuration(value)
	if err != nil || delay < 0 {
		return time.Time{}, fmt.Errorf("invalid --at %q: use RFC3339 or a positive delay such as 30m", value)
	}
	return now.Add(delay), nil
}

func parseTaskStatuses(values []string) ([]queue.TaskStatus, error) {
	statuses := make([]queue.TaskStatus, 0, len(values))
	for _, value := range values {
		status, ok := queue.ParseTaskStatus(value)
		if !ok {
			return nil, fmt.Errorf("unknown task status %q", value)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func describeLookup(err error, id string) error {
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("task %s not found", id)
	}
	return err
}
