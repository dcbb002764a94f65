package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarias/fieldsync/internal/logging"
	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/queue"
	"github.com/luminarias/fieldsync/internal/syncer"
)

type stubRunner struct {
	calls int
	err   error
}

func (s *stubRunner) SyncAll(context.Context, syncer.ProgressFunc) (syncer.Result, error) {
	s.calls++
	return syncer.Result{}, s.err
}

func syncTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := queue.NewSyncTask(queue.SyncPayload{RequestedBy: "cli", RequestedAt: time.Now()})
	require.NoError(t, err)
	return task
}

func TestHandleSync(t *testing.T) {
	cases := []struct {
		name      string
		runErr    error
		wantErr   bool
		skipRetry bool
	}{
		{name: "success"},
		{name: "in progress", runErr: syncer.ErrSyncInProgress},
		{name: "storage", runErr: fmt.Errorf("%w: open queue: locked", model.ErrStorage), wantErr: true, skipRetry: true},
		{name: "cancelled", runErr: context.Canceled, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &stubRunner{err: tc.runErr}
			err := NewProcessor(runner, nil, logging.Discard()).HandleSync(context.Background(), syncTask(t))
			assert.Equal(t, 1, runner.calls)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandleSyncOffline(t *testing.T) {
	runner := &stubRunner{}
	p := NewProcessor(runner, func() bool { return false }, logging.Discard())
	require.NoError(t, p.HandleSync(context.Background(), syncTask(t)))
	assert.Zero(t, runner.calls)
}

func TestHandleSyncBadPayload(t *testing.T) {
	runner := &stubRunner{}
	err := NewProcessor(runner, nil, logging.Discard()).HandleSync(context.Background(), asynq.NewTask(queue.SyncTask, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, runner.calls)
}

func TestSyncPayloadRoundTrip(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	task, err := queue.NewSyncTask(queue.SyncPayload{RequestedBy: "ops", RequestedAt: at})
	require.NoError(t, err)
	assert.Equal(t, queue.SyncTask, task.Type())
	got, err := queue.DecodeSyncPayload(task)
	require.NoError(t, err)
	assert.Equal(t, "ops", got.RequestedBy)
	assert.True(t, at.Equal(got.RequestedAt))
}
