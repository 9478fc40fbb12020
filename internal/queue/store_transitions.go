package queue

import (
	"context"
	"fmt"
	"time"
)

// ReleaseStale returns processing entries whose last heartbeat is older than
// cutoff to waiting. Retry counts are untouched.
func (s *Store) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE queue_entries
         SET status = ?, started_at = NULL, heartbeat_at = NULL, owner = NULL
         WHERE status = ? AND COALESCE(heartbeat_at, started_at, created_at) < ?`,
		EntryWaiting, EntryProcessing, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("release stale entries: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseOrphaned returns processing entries to waiting when alive reports
// their owner gone. Entries without an owner are left for ReleaseStale.
func (s *Store) ReleaseOrphaned(ctx context.Context, alive func(Owner) bool) (int64, error) {
	entries, err := s.ListEntriesByStatus(ctx, EntryProcessing)
	if err != nil {
		return 0, err
	}
	var released int64
	for _, entry := range entries {
		if entry.Owner.IsZero() || alive(entry.Owner) {
			continue
		}
		res, err := s.execWithRetry(ctx,
			`UPDATE queue_entries
             SET status = ?, started_at = NULL, heartbeat_at = NULL, owner = NULL
             WHERE id = ? AND status = ? AND owner = ?`,
			EntryWaiting, entry.ID, EntryProcessing, entry.Owner.String(),
		)
		if err != nil {
			return released, fmt.Errorf("release orphaned entry %d: %w", entry.ID, err)
		}
		n, _ := res.RowsAffected()
		released += n
	}
	return released, nil
}

// ReleaseOwned returns every entry held by owner to waiting. The daemon calls
// it on shutdown and on startup with its previous identity.
func (s *Store) ReleaseOwned(ctx context.Context, owner Owner) (int64, error) {
	if owner.IsZero() {
		return 0, nil
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE queue_entries
         SET status = ?, started_at = NULL, heartbeat_at = NULL, owner = NULL
         WHERE status = ? AND owner = ?`,
		EntryWaiting, EntryProcessing, owner.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("release owned entries: %w", err)
	}
	return res.RowsAffected()
}
