package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/queueaccess"
	"conveyor/internal/workflow"
)

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
}

// ErrDaemonNotRunning indicates no daemon process is alive.
var ErrDaemonNotRunning = errors.New("daemon not running")

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// PIDPath returns the pid file written by a running daemon.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, "conveyord.pid")
}

// NewClient builds an API client from the configured bind address and token.
func NewClient(cfg *config.Config) *daemon.Client {
	return daemon.NewClient(cfg.Paths.APIBind, cfg.Paths.APIToken)
}

// Launch starts a detached daemon process via the hidden `daemon` command.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForAPI polls the status endpoint until the daemon reports running.
func WaitForAPI(ctx context.Context, client *daemon.Client, timeout time.Duration) (daemon.Status, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		status, err := client.Status(ctx)
		if err == nil && status.Running {
			return status, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return daemon.Status{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return daemon.Status{}, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless one is already answering.
func EnsureStarted(ctx context.Context, cfg *config.Config, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client := NewClient(cfg)
	if status, err := client.Status(ctx); err == nil && status.Running {
		return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
	}
	if alive, pid := ProcessInfo(cfg); alive {
		return StartResult{State: StartStateAlreadyRunning, PID: pid}, nil
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	status, err := WaitForAPI(ctx, client, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, Launched: true, PID: status.PID}, nil
}

// ProcessInfo reads the pid file and reports whether that process is alive.
func ProcessInfo(cfg *config.Config) (bool, int) {
	pid, err := readPID(PIDPath(cfg))
	if err != nil || pid <= 0 {
		return false, 0
	}
	return processAlive(pid), pid
}

// StopAndTerminate sends SIGTERM to the daemon and escalates to SIGKILL when
// it is still alive after gracePeriod.
func StopAndTerminate(cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	alive, pid := ProcessInfo(cfg)
	if !alive {
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return StopResult{}, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}

	result := StopResult{PID: pid}
	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return result, nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(PIDPath(cfg)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("remove pid file: %w", err)
	}
	result.ForcedKill = true
	return result, nil
}

// BuildStatusSnapshot asks the daemon for its status and falls back to
// reading the queue directly when no daemon answers.
func BuildStatusSnapshot(ctx context.Context, cfg *config.Config) (daemon.Status, error) {
	if cfg == nil {
		return daemon.Status{}, errors.New("configuration not available")
	}
	if status, err := NewClient(cfg).Status(ctx); err == nil {
		return status, nil
	} else if !errors.Is(err, daemon.ErrUnreachable) {
		return daemon.Status{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	session, err := queueaccess.Open(queryCtx, cfg, nil)
	if err != nil {
		return daemon.Status{}, err
	}
	defer session.Close()

	status := daemon.Status{
		Driver:       session.Driver,
		LockFilePath: cfg.Paths.LockFile,
		Workflow: workflow.StatusSummary{
			Pipeline: append([]string(nil), cfg.Pipeline.Stages...),
		},
	}
	if counts, err := session.Backend.TaskCounts(queryCtx); err == nil {
		status.Workflow.TaskCounts = counts
	}
	if stats, err := session.Backend.Stats(queryCtx); err == nil {
		status.Workflow.QueueStats = stats
	}
	if health, err := session.Backend.CheckHealth(queryCtx); err == nil {
		status.Database = &health
	}
	return status, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
