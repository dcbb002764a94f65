package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/luminarias/fieldsync/internal/logging"
)

// Purger deletes synced entries older than maxAge. syncer.Queue satisfies it.
type Purger interface {
	PurgeOldSynced(ctx context.Context, maxAge time.Duration) (int, error)
}

// RetentionSweeper periodically removes synced entries past their retention
// age. Unsynced entries are never touched.
type RetentionSweeper struct {
	queue    Purger
	maxAge   time.Duration
	interval time.Duration
	log      *slog.Logger
}

// NewRetentionSweeper builds a sweeper.
func NewRetentionSweeper(queue Purger, maxAge, interval time.Duration, logger *slog.Logger) *RetentionSweeper {
	return &RetentionSweeper{queue: queue, maxAge: maxAge, interval: interval, log: logging.OrDefault(logger)}
}

// Run sweeps once immediately, then every interval until ctx is cancelled.
func (r *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs a single purge. Failures are logged; the next tick retries.
func (r *RetentionSweeper) Sweep(ctx context.Context) int {
	n, err := r.queue.PurgeOldSynced(ctx, r.maxAge)
	if err != nil {
		r.log.Warn("retention sweep failed", "err", err)
		return 0
	}
	if n > 0 {
		r.log.Info("retention sweep removed synced submissions", "removed", n, "max_age", r.maxAge)
	}
	return n
}
