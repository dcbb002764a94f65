// Package syncer moves queued luminaria captures to the remote store: three
// photo uploads followed by one record creation per submission.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/luminarias/fieldsync/internal/codec"
	"github.com/luminarias/fieldsync/internal/logging"
	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/remote"
	"github.com/luminarias/fieldsync/internal/signing"
)

// ErrSyncInProgress is returned by SyncAll when another batch is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// ProgressFunc receives (current, total) before each attempt and once with
// current == total when the batch is done.
type ProgressFunc func(current, total int)

// Failure is one submission that did not sync in a batch.
type Failure struct {
	ID  int64
	Err error
}

// Result summarises a batch.
type Result struct {
	BatchID   string
	Total     int
	Succeeded int
	Failed    int
	Failures  []Failure
}

// Engine syncs queue entries. It is safe for concurrent use; at most one
// SyncAll runs at a time.
type Engine struct {
	queue   Queue
	blobs   remote.BlobUploader
	records remote.RecordCreator
	signer  *signing.Signer
	log     *slog.Logger

	running atomic.Bool
}

// NewEngine wires an Engine. A nil logger uses slog.Default().
func NewEngine(q Queue, blobs remote.BlobUploader, records remote.RecordCreator, signer *signing.Signer, logger *slog.Logger) *Engine {
	return &Engine{
		queue:   q,
		blobs:   blobs,
		records: records,
		signer:  signer,
		log:     logging.OrDefault(logger),
	}
}

// Syncing reports whether a batch is currently running.
func (e *Engine) Syncing() bool { return e.running.Load() }

// SyncOne materializes sub remotely and marks it synced. On failure the
// reason is stored on the entry and the error is returned; nothing is
// retried here.
func (e *Engine) SyncOne(ctx context.Context, sub *model.PendingSubmission) error {
	if sub.Synced {
		return nil
	}
	log := e.log.With("submission_id", sub.ID, "pole", sub.PoleNumber)
	if err := e.syncOne(ctx, log, sub); err != nil {
		if markErr := e.queue.MarkFailed(ctx, sub.ID, err.Error()); markErr != nil {
			log.Warn("record failure reason", "err", markErr)
		}
		return err
	}
	return nil
}

func (e *Engine) syncOne(ctx context.Context, log *slog.Logger, sub *model.PendingSubmission) error {
	parts, err := codec.UploadParts(sub)
	if err != nil {
		return err
	}

	var urls [3]string
	g, gctx := errgroup.WithContext(ctx)
	for i := range parts {
		part := parts[i]
		g.Go(func() error {
			url, err := e.blobs.Upload(gctx, part)
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if orphans := nonEmpty(urls[:]); len(orphans) > 0 {
			log.Warn("orphaned photo uploads", "urls", orphans)
		}
		return err
	}

	req := remote.RecordRequest{
		ColoniaID:         sub.ColoniaID,
		PoleNumber:        sub.PoleNumber,
		Watts:             sub.Watts,
		Latitude:          sub.Latitude,
		Longitude:         sub.Longitude,
		PhotoFullURL:      urls[0],
		PhotoWattsURL:     urls[1],
		PhotoPhotocellURL: urls[2],
		PhotocellIsNew:    sub.PhotocellIsNew,
	}
	if e.signer != nil {
		req.IdempotencyKey = e.signer.IdempotencyKey(sub.ID, sub.CapturedAt)
	}
	rec, err := e.records.CreateRecord(ctx, req)
	if err != nil {
		log.Warn("orphaned photo uploads", "urls", urls[:])
		return err
	}

	if err := e.queue.MarkSynced(ctx, sub.ID); err != nil {
		// The record exists remotely; the replay on the next run carries the
		// same idempotency key.
		log.Error("record created but not marked synced", "record_id", rec.ID, "err", err)
		if errors.Is(err, model.ErrStorage) {
			return err
		}
		return fmt.Errorf("%w: mark synced: %w", model.ErrStorage, err)
	}
	log.Info("submission synced", "record_id", rec.ID)
	return nil
}

// SyncAll syncs one snapshot of the pending entries, oldest capture first,
// one at a time. Individual failures are collected in the Result; the error
// return is reserved for an unreadable queue and ErrSyncInProgress.
//
// A started batch runs to the end of its snapshot even if ctx is cancelled
// meanwhile; ctx only carries values. Every request is bounded by the
// HTTP client timeout.
func (e *Engine) SyncAll(ctx context.Context, progress ProgressFunc) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer e.running.Store(false)
	ctx = context.WithoutCancel(ctx)

	res := Result{BatchID: uuid.NewString()}
	log := e.log.With("batch_id", res.BatchID)

	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		return res, err
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Before(pending[j]) })
	res.Total = len(pending)
	if progress == nil {
		progress = func(int, int) {}
	}

	start := time.Now()
	log.Info("sync batch started", "pending", res.Total)
	for i, sub := range pending {
		progress(i, res.Total)
		if err := e.SyncOne(ctx, sub); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, Failure{ID: sub.ID, Err: err})
			log.Warn("submission sync failed", "submission_id", sub.ID, "err", err)
			continue
		}
		res.Succeeded++
	}
	progress(res.Total, res.Total)
	log.Info("sync batch finished",
		"succeeded", res.Succeeded, "failed", res.Failed, "duration", time.Since(start))
	return res, nil
}

func nonEmpty(urls []string) []string {
	var out []string
	for _, u := range urls {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}
