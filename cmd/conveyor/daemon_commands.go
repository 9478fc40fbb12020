package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conveyor/internal/daemon"
	"conveyor/internal/daemonctl"
	"conveyor/internal/daemonrun"
	"conveyor/internal/queue"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the conveyor daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), ctx.configValue(), exe,
				daemonctl.LaunchOptions{ConfigPath: ctx.configPath()}, 10*time.Second)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(out, "Daemon already running")
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the conveyor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), 15*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon did not exit in time; killed pid %d\n", result.PID)
				return nil
			}
			fmt.Fprintln(out, "Daemon stopped")
			return nil
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the conveyor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopCmd.RunE(cmd, args); err != nil {
				return err
			}
			return startCmd.RunE(cmd, args)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, workflow and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.configValue())
			if err != nil {
				return err
			}
			if handled, err := writeStructured(cmd, ctx, status); handled {
				return err
			}
			renderStatus(cmd.OutOrStdout(), status, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dispatcher slot usage per worker class",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			stats, err := client.Dispatcher(cmd.Context())
			if err != nil {
				if errors.Is(err, daemon.ErrUnreachable) {
					return fmt.Errorf("dispatcher stats need a running daemon: %w", err)
				}
				return err
			}
			if handled, err := writeStructured(cmd, ctx, stats); handled {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pool size: %d\n", stats.PoolSize)
			fmt.Fprint(out, renderTable(
				[]string{"Class", "Busy", "Processed", "Succeeded", "Failed"},
				buildClassRows(stats.Classes),
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd, statsCmd}
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the conveyor daemon in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    strings.TrimSpace(logLevel),
				Development: development,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&development, "development", false, "Include source locations in log output")
	return cmd
}

func renderStatus(out io.Writer, status daemon.Status, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	if status.Running {
		fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", status.PID), colorize))
		fmt.Fprintln(out, renderStatusLine("Owner", statusInfo, status.Workflow.Owner, colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "not running", colorize))
	}
	if status.DispatchError != "" {
		fmt.Fprintln(out, renderStatusLine("Dispatcher", statusError, status.DispatchError, colorize))
	}
	if status.Workflow.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusWarn, status.Workflow.LastError, colorize))
	}
	if db := status.Database; db != nil {
		kind := statusOK
		if !db.Reachable || !db.IntegrityCheck {
			kind = statusError
		}
		fmt.Fprintln(out, renderStatusLine("Queue database", kind, fmt.Sprintf("%s %s", db.Driver, db.Location), colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Pipeline", statusInfo, strings.Join(status.Workflow.Pipeline, " -> "), colorize))
	for _, health := range status.Workflow.StageHealth {
		kind := statusOK
		detail := "ready"
		if !health.Ready {
			kind = statusError
			detail = health.Detail
		}
		fmt.Fprintln(out, renderStatusLine(stageLabel(queue.Stage(health.Name)), kind, detail, colorize))
	}

	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Queue", colorize) {
		fmt.Fprintln(out, line)
	}
	if len(status.Workflow.QueueStats) > 0 {
		fmt.Fprint(out, renderTable(
			[]string{"Stage", "Waiting", "Processing", "Completed", "Failed"},
			buildStageStatsRows(status.Workflow.QueueStats),
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
	}
	if rows := buildTaskCountRows(status.Workflow.TaskCounts); len(rows) > 0 {
		fmt.Fprint(out, renderTable([]string{"Task status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	} else {
		fmt.Fprintln(out, "No tasks")
	}

	if len(status.Dispatcher) > 0 {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Dispatcher", colorize) {
			fmt.Fprintln(out, line)
		}
		fmt.Fprint(out, renderTable(
			[]string{"Class", "Busy", "Processed", "Succeeded", "Failed"},
			buildClassRows(status.Dispatcher),
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
	}
}
