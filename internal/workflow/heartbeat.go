package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

// HeartbeatStore is the queue subset the heartbeat monitor needs.
type HeartbeatStore interface {
	Heartbeat(ctx context.Context, ref queue.EntryRef) error
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// HeartbeatMonitor refreshes in-flight entries and reclaims silent ones.
type HeartbeatMonitor struct {
	store             HeartbeatStore
	logger            *slog.Logger
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(store HeartbeatStore, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HeartbeatMonitor{
		store:             store,
		logger:            logger,
		heartbeatInterval: interval,
		heartbeatTimeout:  timeout,
	}
}

// ReclaimStale returns processing entries whose last heartbeat is older than
// the timeout to waiting.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context, now time.Time) (int64, error) {
	if h.heartbeatTimeout <= 0 {
		return 0, nil
	}
	reclaimed, err := h.store.ReleaseStale(ctx, now.Add(-h.heartbeatTimeout))
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		h.logger.Info("reclaimed stale entries",
			logging.Int64("count", reclaimed),
			logging.String(logging.FieldEventType, "heartbeat_reclaim"),
		)
	}
	return reclaimed, nil
}

// StartLoop refreshes the heartbeat of ref until ctx is cancelled. When the
// store reports the claim gone, lost is called with the cause and the loop
// stops.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, ref queue.EntryRef, lost func(error)) {
	defer wg.Done()
	if h.heartbeatInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger.With(logging.String(logging.FieldComponent, "workflow-heartbeat")))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.store.Heartbeat(ctx, ref)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return
			case claimLost(err):
				logging.WarnWithContext(logger, "heartbeat target no longer held by this worker", "heartbeat_lost",
					logging.Error(err),
					logging.String(logging.FieldImpact, "stage call interrupted, result dropped"),
				)
				if lost != nil {
					lost(err)
				}
				return
			default:
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}

// claimLost reports errors meaning the entry is no longer held by the caller's
// claim: it was reclaimed, settled elsewhere, or deleted by a retry.
func claimLost(err error) bool {
	return errors.Is(err, queue.ErrClaimLost) ||
		errors.Is(err, queue.ErrNotProcessing) ||
		errors.Is(err, queue.ErrNotFound)
}
