package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"conveyor/internal/config"
	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/queueaccess"
	"conveyor/internal/workflow"
)

const releaseTimeout = 10 * time.Second

// Daemon coordinates the background processing services and enforces
// single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      queueaccess.Backend
	driver     string
	workflow   *workflow.Manager
	dispatcher *dispatch.Dispatcher
	prompt     *dispatch.ModelClassifier

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	dispatchErr error
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool                   `json:"running"`
	PID           int                    `json:"pid"`
	Driver        string                 `json:"driver"`
	LockFilePath  string                 `json:"lock_file"`
	DispatchError string                 `json:"dispatch_error,omitempty"`
	Workflow      workflow.StatusSummary `json:"workflow"`
	Dispatcher    []dispatch.ClassStats  `json:"dispatcher"`
	Database      *queue.DatabaseHealth  `json:"database,omitempty"`
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithPromptWatcher hot-reloads the model classifier prompt while running.
func WithPromptWatcher(model *dispatch.ModelClassifier) Option {
	return func(d *Daemon) {
		d.prompt = model
	}
}

// WithDriver records the queue backend name for status output.
func WithDriver(driver string) Option {
	return func(d *Daemon) {
		d.driver = driver
	}
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store queueaccess.Backend, logger *slog.Logger, wf *workflow.Manager, disp *dispatch.Dispatcher, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || wf == nil || disp == nil {
		return nil, errors.New("daemon requires config, store, workflow manager and dispatcher")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		driver:     cfg.Queue.Driver,
		workflow:   wf,
		dispatcher: disp,
		lockPath:   cfg.Paths.LockFile,
		lock:       flock.New(cfg.Paths.LockFile),
	}
	for _, opt := range opts {
		opt(d)
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the daemon lock and launches the workflow loops, the
// dispatcher pool and the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conveyor daemon instance is already running")
	}

	if reopened, err := d.store.ReopenOrphanedJobs(ctx, workflow.ProcessAlive); err != nil {
		d.logger.Warn("failed to reopen orphaned maintenance jobs", logging.Error(err))
	} else if reopened > 0 {
		d.logger.Info("reopened orphaned maintenance jobs",
			logging.Int("count", reopened),
			logging.String(logging.FieldEventType, "maintenance_orphans_reopened"),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.workflow.Stop()
		_ = d.lock.Unlock()
		cancel()
		return err
	}
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.dispatcher.Run(runCtx); err != nil {
			d.setDispatchErr(err)
			logging.ErrorWithContext(d.logger, "dispatcher exited", "dispatcher_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check dispatcher classes and slots in the config"),
			)
		}
	}()
	if d.prompt != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.prompt.Watch(runCtx); err != nil {
				logging.WarnWithContext(d.logger, "classifier prompt watcher stopped", "prompt_watch_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "prompt edits need a restart"),
				)
			}
		}()
	}

	d.running.Store(true)
	d.logger.Info("conveyor daemon started",
		logging.String("lock", d.lockPath),
		logging.String("owner", d.workflow.Owner().String()),
		logging.Int("pool_size", d.dispatcher.PoolSize()),
		logging.String(logging.FieldEventType, "daemon_start"),
	)
	return nil
}

// Stop stops background processing, hands back any entry this process still
// owns and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.workflow.Stop()
	d.api.stop()

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if released, err := d.store.ReleaseOwned(ctx, d.workflow.Owner()); err != nil {
		d.logger.Warn("failed to release owned entries", logging.Error(err))
	} else if released > 0 {
		d.logger.Info("released in-flight entries", logging.Int64("count", released))
	}

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("conveyor daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close stops the daemon. The queue backend is owned by the caller.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// APIAddress returns the bound API address, or "" when the API is disabled.
func (d *Daemon) APIAddress() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Driver:       d.driver,
		LockFilePath: d.lockPath,
		Workflow:     d.workflow.Status(ctx),
		Dispatcher:   d.dispatcher.Stats(),
	}
	if err := d.getDispatchErr(); err != nil {
		status.DispatchError = err.Error()
	}
	if health, err := d.store.CheckHealth(ctx); err == nil {
		status.Database = &health
	} else {
		d.logger.Warn("database health check failed", logging.Error(err))
	}
	return status
}

func (d *Daemon) setDispatchErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatchErr = err
}

func (d *Daemon) getDispatchErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchErr
}
