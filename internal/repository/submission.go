// Package repository wraps the SQL used by the queue and the direct record
// backend.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luminarias/fieldsync/internal/database"
	"github.com/luminarias/fieldsync/internal/model"
)

// SubmissionRepository is the SQLite-backed durable queue. The database
// handle is opened on first use and cached until Close.
type SubmissionRepository struct {
	path string
	now  func() time.Time

	mu sync.Mutex
	db *sql.DB
}

// NewSubmissionRepository constructs a repository over the SQLite file at
// path. Nothing is opened until the first operation.
func NewSubmissionRepository(path string) *SubmissionRepository {
	return &SubmissionRepository{path: path, now: time.Now}
}

// WithClock replaces the time source used for capture timestamps and
// retention.
func (r *SubmissionRepository) WithClock(now func() time.Time) *SubmissionRepository {
	r.now = now
	return r
}

// Open forces the lazy open, surfacing errors early for callers that want to
// fail at startup.
func (r *SubmissionRepository) Open(ctx context.Context) error {
	_, err := r.handle(ctx)
	return err
}

// Close releases the cached handle. The repository may be reopened by a
// later operation.
func (r *SubmissionRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *SubmissionRepository) handle(ctx context.Context) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		return r.db, nil
	}
	db, err := database.OpenQueue(ctx, r.path)
	if err != nil {
		return nil, storageErr("open queue", err)
	}
	r.db = db
	return db, nil
}

const submissionColumns = `id, colonia_id, pole_number, watts, latitude, longitude,
	photo_full, photo_full_type, photo_watts, photo_watts_type,
	photo_photocell, photo_photocell_type, photocell_is_new, captured_at, synced, last_error`

// Enqueue inserts a new unsynced entry in a single transaction.
func (r *SubmissionRepository) Enqueue(ctx context.Context, c model.Capture) (int64, error) {
	db, err := r.handle(ctx)
	if err != nil {
		return 0, err
	}
	sub := model.NewPending(c, r.now())
	var colonia sql.NullInt64
	if sub.ColoniaID != nil {
		colonia = sql.NullInt64{Int64: *sub.ColoniaID, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO pending_luminarias (colonia_id, pole_number, watts, latitude, longitude,
			photo_full, photo_full_type, photo_watts, photo_watts_type,
			photo_photocell, photo_photocell_type, photocell_is_new, captured_at, synced)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,0)
	`, colonia, sub.PoleNumber, sub.Watts, sub.Latitude, sub.Longitude,
		sub.PhotoFull.Data, sub.PhotoFull.ContentType,
		sub.PhotoWatts.Data, sub.PhotoWatts.ContentType,
		sub.PhotoPhotocell.Data, sub.PhotoPhotocell.ContentType,
		sub.PhotocellIsNew, sub.CapturedAt)
	if err != nil {
		return 0, storageErr("insert submission", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("read submission id", err)
	}
	return id, nil
}

// ListPending returns unsynced entries in id order.
func (r *SubmissionRepository) ListPending(ctx context.Context) ([]*model.PendingSubmission, error) {
	return r.list(ctx, `SELECT `+submissionColumns+` FROM pending_luminarias WHERE synced = 0 ORDER BY id`)
}

// ListAll returns every entry in id order.
func (r *SubmissionRepository) ListAll(ctx context.Context) ([]*model.PendingSubmission, error) {
	return r.list(ctx, `SELECT `+submissionColumns+` FROM pending_luminarias ORDER BY id`)
}

// Get returns a single entry.
func (r *SubmissionRepository) Get(ctx context.Context, id int64) (*model.PendingSubmission, error) {
	db, err := r.handle(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM pending_luminarias WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("select submission", err)
	}
	return sub, nil
}

// Count returns the number of unsynced entries using the synced index.
func (r *SubmissionRepository) Count(ctx context.Context) (int, error) {
	db, err := r.handle(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_luminarias WHERE synced = 0`).Scan(&n); err != nil {
		return 0, storageErr("count pending", err)
	}
	return n, nil
}

// MarkSynced flips synced to true. Absent ids and already synced entries
// are left untouched.
func (r *SubmissionRepository) MarkSynced(ctx context.Context, id int64) error {
	return r.exec(ctx, "mark synced",
		`UPDATE pending_luminarias SET synced = 1, last_error = NULL WHERE id = ? AND synced = 0`, id)
}

// MarkFailed stores reason on an unsynced entry.
func (r *SubmissionRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.exec(ctx, "mark failed",
		`UPDATE pending_luminarias SET last_error = ? WHERE id = ? AND synced = 0`, reason, id)
}

// Delete removes the entry. Deleting an absent id is not an error.
func (r *SubmissionRepository) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, "delete submission", `DELETE FROM pending_luminarias WHERE id = ?`, id)
}

// PurgeOldSynced removes synced entries older than maxAge.
func (r *SubmissionRepository) PurgeOldSynced(ctx context.Context, maxAge time.Duration) (int, error) {
	db, err := r.handle(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-maxAge).UnixMilli()
	res, err := db.ExecContext(ctx,
		`DELETE FROM pending_luminarias WHERE synced = 1 AND captured_at < ?`, cutoff)
	if err != nil {
		return 0, storageErr("purge synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge synced", err)
	}
	return int(n), nil
}

func (r *SubmissionRepository) exec(ctx context.Context, op, query string, args ...any) error {
	db, err := r.handle(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (r *SubmissionRepository) list(ctx context.Context, query string) ([]*model.PendingSubmission, error) {
	db, err := r.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list submissions", err)
	}
	defer rows.Close()
	var out []*model.PendingSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, storageErr("scan submission", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list submissions", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(s scanner) (*model.PendingSubmission, error) {
	var (
		sub       model.PendingSubmission
		colonia   sql.NullInt64
		lastError sql.NullString
	)
	err := s.Scan(&sub.ID, &colonia, &sub.PoleNumber, &sub.Watts, &sub.Latitude, &sub.Longitude,
		&sub.PhotoFull.Data, &sub.PhotoFull.ContentType,
		&sub.PhotoWatts.Data, &sub.PhotoWatts.ContentType,
		&sub.PhotoPhotocell.Data, &sub.PhotoPhotocell.ContentType,
		&sub.PhotocellIsNew, &sub.CapturedAt, &sub.Synced, &lastError)
	if err != nil {
		return nil, err
	}
	if colonia.Valid {
		v := colonia.Int64
		sub.ColoniaID = &v
	}
	sub.LastError = lastError.String
	return &sub, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrStorage, op, err)
}
