// Package queue defines the broker tasks that let an operator or another
// host ask a worker to run a sync batch.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// SyncTask asks a worker to run one sync batch over its local queue.
	SyncTask = "luminarias:sync"

	// uniqueWindow collapses repeated dispatches while a task is still
	// queued.
	uniqueWindow = 5 * time.Minute
)

// SyncPayload is serialized into the task payload for the worker logs.
type SyncPayload struct {
	RequestedBy string    `json:"requestedBy"`
	RequestedAt time.Time `json:"requestedAt"`
}

// NewSyncTask builds the task. Retries are disabled: the next trigger is the
// retry.
func NewSyncTask(payload SyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(SyncTask, data, asynq.MaxRetry(0), asynq.Unique(uniqueWindow)), nil
}

// EnqueueSync enqueues a sync task. A dispatch that duplicates a task still
// waiting in the broker is reported as coalesced rather than as an error.
func EnqueueSync(ctx context.Context, client *asynq.Client, payload SyncPayload) (coalesced bool, err error) {
	task, err := NewSyncTask(payload)
	if err != nil {
		return false, err
	}
	if _, err := client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return true, nil
		}
		return false, fmt.Errorf("enqueue sync task: %w", err)
	}
	return false, nil
}

// DecodeSyncPayload reads the payload of a SyncTask.
func DecodeSyncPayload(task *asynq.Task) (SyncPayload, error) {
	var p SyncPayload
	if len(task.Payload()) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
