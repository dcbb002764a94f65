// Package storage contains the in-memory queue used by tests and by the
// agent's ephemeral mode.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luminarias/fieldsync/internal/model"
)

// MemoryStore is a process-local queue with the same semantics as the
// SQLite repository: monotonic ids that are never reused, terminal synced
// flag, copies in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]*model.PendingSubmission
	now    func() time.Time

	// failWith, when set, is returned by every operation. Tests use it to
	// simulate an unavailable store.
	failWith error
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[int64]*model.PendingSubmission),
		now:   time.Now,
	}
}

// WithClock replaces the time source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// FailWith makes every subsequent operation fail with err wrapped in
// model.ErrStorage. Passing nil restores normal behaviour.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryStore) failure(op string) error {
	if m.failWith == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", model.ErrStorage, op, m.failWith)
}

// Enqueue stores a copy of c.
func (m *MemoryStore) Enqueue(_ context.Context, c model.Capture) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("insert submission"); err != nil {
		return 0, err
	}
	sub := model.NewPending(c, m.now())
	m.nextID++
	sub.ID = m.nextID
	m.items[sub.ID] = sub
	return sub.ID, nil
}

// ListPending returns copies of unsynced entries in id order.
func (m *MemoryStore) ListPending(_ context.Context) ([]*model.PendingSubmission, error) {
	return m.list("list submissions", func(s *model.PendingSubmission) bool { return !s.Synced })
}

// ListAll returns copies of every entry in id order.
func (m *MemoryStore) ListAll(_ context.Context) ([]*model.PendingSubmission, error) {
	return m.list("list submissions", func(*model.PendingSubmission) bool { return true })
}

func (m *MemoryStore) list(op string, keep func(*model.PendingSubmission) bool) ([]*model.PendingSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(op); err != nil {
		return nil, err
	}
	out := make([]*model.PendingSubmission, 0, len(m.items))
	for _, s := range m.items {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a copy of one entry.
func (m *MemoryStore) Get(_ context.Context, id int64) (*model.PendingSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("select submission"); err != nil {
		return nil, err
	}
	s, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("submission %d: %w", id, model.ErrNotFound)
	}
	return s.Clone(), nil
}

// Count returns the number of unsynced entries.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("count pending"); err != nil {
		return 0, err
	}
	n := 0
	for _, s := range m.items {
		if !s.Synced {
			n++
		}
	}
	return n, nil
}

// MarkSynced flips synced to true and clears lastError.
func (m *MemoryStore) MarkSynced(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("mark synced"); err != nil {
		return err
	}
	if s, ok := m.items[id]; ok && !s.Synced {
		s.Synced = true
		s.LastError = ""
	}
	return nil
}

// MarkFailed stores reason on an unsynced entry.
func (m *MemoryStore) MarkFailed(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("mark failed"); err != nil {
		return err
	}
	if s, ok := m.items[id]; ok && !s.Synced {
		s.LastError = reason
	}
	return nil
}

// Delete removes an entry.
func (m *MemoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("delete submission"); err != nil {
		return err
	}
	delete(m.items, id)
	return nil
}

// PurgeOldSynced removes synced entries older than maxAge.
func (m *MemoryStore) PurgeOldSynced(_ context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("purge synced"); err != nil {
		return 0, err
	}
	now := m.now()
	removed := 0
	for id, s := range m.items {
		if s.Synced && now.Sub(s.CapturedTime()) > maxAge {
			delete(m.items, id)
			removed++
		}
	}
	return removed, nil
}
