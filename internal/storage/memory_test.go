package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/syncer"
)

var _ syncer.Queue = (*MemoryStore)(nil)

func capture(pole string) model.Capture {
	return model.Capture{
		PoleNumber:     pole,
		Watts:          25,
		PhotoFull:      model.Payload{Data: []byte("full"), ContentType: "image/png"},
		PhotoWatts:     model.Payload{Data: []byte("watts"), ContentType: "image/png"},
		PhotoPhotocell: model.Payload{Data: []byte("cell"), ContentType: "image/png"},
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	a, err := m.Enqueue(ctx, capture("A"))
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, capture("B"))
	require.NoError(t, err)
	assert.Less(t, a, b)

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.MarkSynced(ctx, a))
	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b, pending[0].ID)

	all, err := m.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, m.Delete(ctx, b))
	c, err := m.Enqueue(ctx, capture("C"))
	require.NoError(t, err)
	assert.Greater(t, c, b)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id, err := m.Enqueue(ctx, capture("A"))
	require.NoError(t, err)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	got.Synced = true
	got.PoleNumber = "mutated"
	want := got.PhotoFull.Data[0]
	got.PhotoFull.Data[0] ^= 0xFF

	again, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, again.Synced)
	assert.Equal(t, "A", again.PoleNumber)
	assert.Equal(t, want, again.PhotoFull.Data[0])

	listed, err := m.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	listed[0].PhotoWatts.Data[0] ^= 0xFF

	again, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("watts"), again.PhotoWatts.Data)
}

func TestMemoryStoreSyncedNeverReverts(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id, _ := m.Enqueue(ctx, capture("A"))
	require.NoError(t, m.MarkSynced(ctx, id))
	require.NoError(t, m.MarkFailed(ctx, id, "boom"))

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Empty(t, got.LastError)
}

func TestMemoryStoreRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	m := NewMemoryStore()

	m.WithClock(func() time.Time { return now.Add(-8 * 24 * time.Hour) })
	old, _ := m.Enqueue(ctx, capture("old"))
	oldPending, _ := m.Enqueue(ctx, capture("old-pending"))
	m.WithClock(func() time.Time { return now.Add(-6 * 24 * time.Hour) })
	recent, _ := m.Enqueue(ctx, capture("recent"))
	require.NoError(t, m.MarkSynced(ctx, old))
	require.NoError(t, m.MarkSynced(ctx, recent))

	m.WithClock(func() time.Time { return now })
	removed, err := m.PurgeOldSynced(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.Get(ctx, old)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = m.Get(ctx, recent)
	assert.NoError(t, err)
	_, err = m.Get(ctx, oldPending)
	assert.NoError(t, err)
}

func TestMemoryStoreFailure(t *testing.T) {
	m := NewMemoryStore()
	m.FailWith(errors.New("quota exceeded"))
	_, err := m.Enqueue(context.Background(), capture("A"))
	assert.ErrorIs(t, err, model.ErrStorage)
	_, err = m.ListPending(context.Background())
	assert.ErrorIs(t, err, model.ErrStorage)
}
