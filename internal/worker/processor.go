// Package worker runs dispatched sync tasks inside the asynq worker loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/luminarias/fieldsync/internal/logging"
	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/queue"
	"github.com/luminarias/fieldsync/internal/syncer"
)

// BatchRunner runs one sync batch. *syncer.Engine satisfies it.
type BatchRunner interface {
	SyncAll(ctx context.Context, progress syncer.ProgressFunc) (syncer.Result, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	runner BatchRunner
	online func() bool
	log    *slog.Logger
}

// NewProcessor constructs a worker processor. online may be nil, in which
// case every task runs.
func NewProcessor(runner BatchRunner, online func() bool, logger *slog.Logger) *Processor {
	return &Processor{runner: runner, online: online, log: logging.OrDefault(logger)}
}

// Handler registers the sync task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.SyncTask, p.HandleSync)
	return mux
}

// HandleSync runs one batch. A batch already in flight absorbs the task.
// Storage failures skip retry because re-running cannot fix them.
func (p *Processor) HandleSync(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeSyncPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log := p.log.With("requested_by", payload.RequestedBy, "requested_at", payload.RequestedAt)
	if p.online != nil && !p.online() {
		log.Info("sync task dropped, remote unreachable")
		return nil
	}

	res, err := p.runner.SyncAll(ctx, nil)
	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		log.Info("sync task coalesced into running batch")
		return nil
	case errors.Is(err, model.ErrStorage):
		log.Error("sync task failed", "err", err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	case err != nil:
		log.Error("sync task failed", "err", err)
		return err
	}
	log.Info("sync task finished", "batch_id", res.BatchID, "succeeded", res.Succeeded, "failed", res.Failed)
	return nil
}
