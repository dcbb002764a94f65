package syncer

import (
	"context"
	"time"

	"github.com/luminarias/fieldsync/internal/model"
)

// Queue is the durable local queue of pending submissions. Every method
// returns errors wrapping model.ErrStorage when the backing store fails;
// implementations never retry on their own.
type Queue interface {
	// Enqueue persists c with synced=false and capturedAt=now and returns the
	// assigned id. Ids are never reused.
	Enqueue(ctx context.Context, c model.Capture) (int64, error)
	// ListPending returns every entry with synced=false, in store order.
	ListPending(ctx context.Context) ([]*model.PendingSubmission, error)
	// ListAll returns every entry, synced or not.
	ListAll(ctx context.Context) ([]*model.PendingSubmission, error)
	// Get returns one entry or model.ErrNotFound.
	Get(ctx context.Context, id int64) (*model.PendingSubmission, error)
	// Count returns the number of unsynced entries.
	Count(ctx context.Context) (int, error)
	// MarkSynced flips synced to true and clears lastError. Idempotent.
	MarkSynced(ctx context.Context, id int64) error
	// MarkFailed records reason as lastError on an unsynced entry. It never
	// changes synced.
	MarkFailed(ctx context.Context, id int64, reason string) error
	// Delete removes an entry regardless of sync state. Idempotent.
	Delete(ctx context.Context, id int64) error
	// PurgeOldSynced deletes synced entries captured more than maxAge ago
	// and returns how many were removed.
	PurgeOldSynced(ctx context.Context, maxAge time.Duration) (int, error)
}
