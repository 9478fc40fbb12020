package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/queueaccess"
	"conveyor/internal/services/llm"
	"conveyor/internal/stageexec"
	"conveyor/internal/workers"
	"conveyor/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the conveyor daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("conveyor-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update conveyor.log link: %v\n", err)
	}
	logWorkerSnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.Paths.StateDir, "conveyord.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	session, err := queueaccess.Open(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	defer session.Close()
	store := session.Backend

	registry, err := stageexec.Build(cfg, nil)
	if err != nil {
		return fmt.Errorf("build stage executors: %w", err)
	}

	owner := queue.CurrentOwner(uuid.NewString()[:8])
	manager := workflow.NewManager(cfg, store, registry, logger, workflow.WithOwner(owner))

	var client dispatch.ModelClient
	if cfg.LLM.Enabled {
		client = llm.NewClient(llm.Config(cfg.GetLLM()))
	}
	routing := dispatch.BuildRouting(cfg, client, logger)
	sources := []dispatch.Source{
		dispatch.NewPipelineSource(store, manager, owner, logger),
		dispatch.NewMaintenanceSource(store, workers.NewRunner(cfg.Dispatcher.Classes, logger), owner.String(), logger),
	}
	dispatcher := dispatch.New(routing.Capacity, routing.Chain, sources,
		dispatch.WithPollInterval(time.Duration(cfg.Dispatcher.PollInterval)*time.Second),
		dispatch.WithLogger(logger),
	)

	daemonOpts := []daemon.Option{daemon.WithDriver(session.Driver)}
	if routing.Model != nil {
		daemonOpts = append(daemonOpts, daemon.WithPromptWatcher(routing.Model))
	}
	d, err := daemon.New(cfg, store, logger, manager, dispatcher, daemonOpts...)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check the lock file and queue database access"),
		)
		return err
	}
	if addr := d.APIAddress(); addr != "" {
		logger.Info("api listening", logging.String("address", addr))
	}

	<-signalCtx.Done()
	logger.Info("conveyor daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "conveyor.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// logWorkerSnapshot records which worker CLIs are resolvable at startup.
func logWorkerSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "worker_snapshot"),
		logging.Bool("llm_enabled", cfg.LLM.Enabled),
		logging.Bool("llm_key_present", strings.TrimSpace(cfg.LLM.APIKey) != ""),
		logging.String("queue_driver", cfg.Queue.Driver),
	}
	for _, class := range cfg.Dispatcher.Classes {
		attrs = append(attrs,
			logging.Bool(class.Name+"_available", binaryAvailable(class.Command)),
			logging.Int(class.Name+"_slots", class.Slots),
		)
	}
	logger.Info("worker snapshot", logging.Args(attrs...)...)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
