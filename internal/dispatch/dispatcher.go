package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
)

const (
	defaultPollInterval = 5 * time.Second
	maxDeferred         = 512
)

// Dispatcher runs a pool of sum(slots) loops. Each loop claims a job from the
// first source that has one, classifies it and runs it only if a slot in the
// chosen class is free. Otherwise the job is handed back to its source and
// passed over by later claims until its class frees a slot, so a full class
// never holds claims or blocks jobs bound for other classes.
type Dispatcher struct {
	sources  []Source
	chain    *Chain
	capacity *Capacity
	poll     time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	deferred map[deferKey]Decision
}

type deferKey struct {
	source string
	ref    int64
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval sets how long idle loops wait before polling again.
func WithPollInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.poll = d
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(disp *Dispatcher) {
		if logger != nil {
			disp.logger = logger
		}
	}
}

// New constructs a dispatcher. Sources are consulted in order.
func New(capacity *Capacity, chain *Chain, sources []Source, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sources:  sources,
		chain:    chain,
		capacity: capacity,
		poll:     defaultPollInterval,
		logger:   logging.NewNop(),
		deferred: make(map[deferKey]Decision),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.NewComponentLogger(d.logger, "dispatcher")
	return d
}

// Stats returns per-class slot usage and outcome counts.
func (d *Dispatcher) Stats() []ClassStats {
	return d.capacity.Stats()
}

// PoolSize returns the number of dispatch loops.
func (d *Dispatcher) PoolSize() int {
	return d.capacity.Total()
}

// Run blocks until ctx is cancelled. In-flight jobs are given the cancelled
// context and are expected to hand their work back.
func (d *Dispatcher) Run(ctx context.Context) error {
	size := d.PoolSize()
	if size == 0 {
		return fmt.Errorf("dispatcher has no worker slots")
	}
	if len(d.sources) == 0 {
		return fmt.Errorf("dispatcher has no job sources")
	}
	d.logger.Info("dispatcher started",
		logging.Int("pool_size", size),
		logging.String("classes", d.describeSlots()),
		logging.String(logging.FieldEventType, "dispatcher_start"),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		g.Go(func() error {
			d.loop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		d.statusLoop(gctx)
		return nil
	})
	err := g.Wait()
	d.logger.Info("dispatcher stopped",
		logging.String("classes", d.describeSlots()),
		logging.String(logging.FieldEventType, "dispatcher_stop"),
	)
	return err
}

func (d *Dispatcher) loop(ctx context.Context) {
	for ctx.Err() == nil {
		changed := d.capacity.Changed()
		source, job, contended := d.claim(ctx)
		if job == nil {
			if contended {
				continue
			}
			if !d.idle(ctx, changed) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			source.Abandon(ctx, job)
			return
		}
		decision := d.classify(ctx, source, job)
		if !d.capacity.TryAcquire(decision.Class) {
			d.handBack(ctx, source, job, decision)
			continue
		}
		d.forget(source, job)
		d.process(ctx, source, job, decision)
	}
}

// claim asks each source in order for a job. contended is set when a source
// lost every claim attempt to other claimers, in which case the caller polls
// again without idling.
func (d *Dispatcher) claim(ctx context.Context) (Source, *Job, bool) {
	contended := false
	for _, source := range d.sources {
		job, err := source.Next(ctx, d.excluded(source.Name()))
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, false
			}
			if errors.Is(err, queue.ErrClaimContended) {
				d.logger.Debug("job claim contended",
					logging.String("source", source.Name()),
					logging.String(logging.FieldEventType, "dispatch_claim_contended"),
				)
				contended = true
				continue
			}
			logging.WarnWithContext(d.logger, "job claim failed", "dispatch_claim_failed",
				logging.String("source", source.Name()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database health"),
			)
			continue
		}
		if job != nil {
			return source, job, false
		}
	}
	return nil, nil, contended
}

// excluded lists the handed-back jobs of source whose class is still full.
func (d *Dispatcher) excluded(source string) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var refs []int64
	for key, decision := range d.deferred {
		if key.source == source && d.capacity.Full(decision.Class) {
			refs = append(refs, key.ref)
		}
	}
	return refs
}

// classify reuses the decision made when the job was last handed back.
func (d *Dispatcher) classify(ctx context.Context, source Source, job *Job) Decision {
	d.mu.Lock()
	decision, ok := d.deferred[deferKey{source: source.Name(), ref: job.Ref}]
	d.mu.Unlock()
	if ok {
		return decision
	}
	return d.chain.Classify(ctx, job.Text)
}

// handBack records the deferral before abandoning so no loop reclaims the job
// while its class is still full.
func (d *Dispatcher) handBack(ctx context.Context, source Source, job *Job, decision Decision) {
	d.mu.Lock()
	if len(d.deferred) >= maxDeferred {
		clear(d.deferred)
	}
	d.deferred[deferKey{source: source.Name(), ref: job.Ref}] = decision
	d.mu.Unlock()
	source.Abandon(ctx, job)
	d.logger.Debug("class full, job handed back",
		logging.String("source", source.Name()),
		logging.String("job", job.ID),
		logging.String(logging.FieldClass, decision.Class),
		logging.String(logging.FieldEventType, "dispatch_deferred"),
	)
}

func (d *Dispatcher) forget(source Source, job *Job) {
	d.mu.Lock()
	delete(d.deferred, deferKey{source: source.Name(), ref: job.Ref})
	d.mu.Unlock()
}

// process runs a job whose slot is already held and returns the slot.
func (d *Dispatcher) process(ctx context.Context, source Source, job *Job, decision Decision) {
	logger := d.logger.With(
		logging.String("source", source.Name()),
		logging.String("job", job.ID),
		logging.String(logging.FieldClass, decision.Class),
	)
	attrs := append(logging.DecisionAttrs(decision.Classifier, decision.Class, decision.Reason),
		logging.Float64("confidence", decision.Confidence),
		logging.String(logging.FieldEventType, "dispatch_start"),
	)
	logger.Info("job dispatched", logging.Args(attrs...)...)

	start := time.Now()
	err := source.Run(ctx, job, decision)
	d.capacity.Release(decision.Class, err == nil)

	if err != nil {
		logger.Info("job finished with error",
			logging.Duration("elapsed", time.Since(start)),
			logging.String("disposition", services.Classify(err).String()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "dispatch_failed"),
		)
		return
	}
	logger.Info("job finished",
		logging.Duration("elapsed", time.Since(start)),
		logging.String(logging.FieldEventType, "dispatch_complete"),
	)
}

func (d *Dispatcher) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	lastProcessed := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := d.capacity.Stats()
			busy, processed, succeeded, failed := 0, 0, 0, 0
			for _, s := range stats {
				busy += s.Busy
				processed += s.Processed
				succeeded += s.Succeeded
				failed += s.Failed
			}
			if busy == 0 && processed == lastProcessed {
				continue
			}
			lastProcessed = processed
			d.logger.Info("dispatcher status",
				logging.String("classes", d.describeSlots()),
				logging.Int("processed", processed),
				logging.Int("succeeded", succeeded),
				logging.Int("failed", failed),
				logging.String(logging.FieldEventType, "dispatch_status"),
			)
		}
	}
}

// describeSlots renders busy/slots per class, e.g. "planning 1/2 | deep-reasoning 0/6".
func (d *Dispatcher) describeSlots() string {
	stats := d.capacity.Stats()
	parts := make([]string, 0, len(stats))
	for _, s := range stats {
		parts = append(parts, fmt.Sprintf("%s %d/%d", s.Class, s.Busy, s.Slots))
	}
	return strings.Join(parts, " | ")
}

// idle waits for the poll interval or a released slot.
func (d *Dispatcher) idle(ctx context.Context, changed <-chan struct{}) bool {
	timer := time.NewTimer(d.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-changed:
		return true
	}
}
