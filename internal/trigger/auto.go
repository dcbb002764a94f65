// Package trigger decides when the sync engine runs: automatically after
// connectivity returns, on explicit user request, and on a retention
// schedule. Goroutines, timers and the connectivity monitor's callbacks
// power the implementation.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/luminarias/fieldsync/internal/connectivity"
	"github.com/luminarias/fieldsync/internal/logging"
	"github.com/luminarias/fieldsync/internal/syncer"
)

// BatchRunner runs one sync batch. *syncer.Engine satisfies it.
type BatchRunner interface {
	SyncAll(ctx context.Context, progress syncer.ProgressFunc) (syncer.Result, error)
}

// Counter reports how many entries are waiting. syncer.Queue satisfies it.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Notifier receives the result of every automatic batch that attempted at
// least one entry.
type Notifier func(syncer.Result)

// AutoSync schedules a batch DebounceDelay after the monitor reports the
// service reachable again. Signals that arrive while a run is pending reset
// the timer, so a burst of them produces a single batch.
type AutoSync struct {
	runner  BatchRunner
	queue   Counter
	monitor *connectivity.Monitor
	delay   time.Duration
	log     *slog.Logger

	notify   Notifier
	progress syncer.ProgressFunc

	mu      sync.Mutex
	ctx     context.Context
	timer   *time.Timer
	pending bool
	unsub   func()
	wg      sync.WaitGroup
}

// NewAutoSync builds an AutoSync. Call Start to attach it to the monitor.
func NewAutoSync(runner BatchRunner, queue Counter, monitor *connectivity.Monitor, delay time.Duration, logger *slog.Logger) *AutoSync {
	return &AutoSync{
		runner:  runner,
		queue:   queue,
		monitor: monitor,
		delay:   delay,
		log:     logging.OrDefault(logger),
	}
}

// OnComplete registers the completion notifier.
func (a *AutoSync) OnComplete(n Notifier) *AutoSync {
	a.notify = n
	return a
}

// OnProgress registers a progress callback for automatic batches.
func (a *AutoSync) OnProgress(p syncer.ProgressFunc) *AutoSync {
	a.progress = p
	return a
}

// Start subscribes to the monitor. Cancelling ctx stops any pending timer
// and detaches from the monitor; a batch already running finishes its
// snapshot first.
func (a *AutoSync) Start(ctx context.Context) {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	a.unsub = a.monitor.Subscribe(func(online bool) {
		if online {
			a.scheduleIfPending()
			return
		}
		a.Cancel()
	})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-ctx.Done()
		a.unsub()
		a.Cancel()
	}()
	if a.monitor.Online() {
		a.scheduleIfPending()
	}
}

// Wait blocks until Start's context is cancelled and every batch started by
// this AutoSync has returned.
func (a *AutoSync) Wait() { a.wg.Wait() }

// Schedule arms (or re-arms) the debounce timer when the monitor is online.
// The capture surface calls it after a successful enqueue.
func (a *AutoSync) Schedule() {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Checked under a.mu so an offline transition's Cancel, which also takes
	// a.mu, always lands after any timer armed here.
	if !a.monitor.Online() {
		return
	}
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.pending = true
	a.timer = time.AfterFunc(a.delay, a.fire)
}

// Cancel drops a scheduled batch that has not started yet.
func (a *AutoSync) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = false
}

// Pending reports whether a batch is scheduled but not yet started.
func (a *AutoSync) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Forced cancels any scheduled automatic batch and runs one now, so the
// two never both fire for the same reconnect.
func (a *AutoSync) Forced(ctx context.Context, progress syncer.ProgressFunc) (syncer.Result, error) {
	if !a.monitor.Online() {
		return syncer.Result{}, ErrOffline
	}
	a.Cancel()
	return Forced(ctx, a.runner, a.monitor, progress)
}

func (a *AutoSync) scheduleIfPending() {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		return
	}
	n, err := a.queue.Count(ctx)
	if err != nil {
		a.log.Warn("count pending submissions", "err", err)
		return
	}
	if n == 0 {
		return
	}
	a.Schedule()
}

func (a *AutoSync) fire() {
	a.mu.Lock()
	if !a.pending {
		a.mu.Unlock()
		return
	}
	a.pending = false
	a.timer = nil
	ctx := a.ctx
	// Start's shutdown goroutine holds the WaitGroup until its Cancel gets
	// a.mu, so a live ctx here means the counter is still above zero.
	if ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	if !a.monitor.Online() {
		return
	}
	res, err := a.runner.SyncAll(ctx, a.progress)
	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		a.log.Debug("automatic sync skipped, batch already running")
		return
	case err != nil:
		a.log.Warn("automatic sync failed", "err", err)
		return
	}
	if res.Total > 0 && a.notify != nil {
		a.notify(res)
	}
}
