package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/luminarias/fieldsync/internal/connectivity"
	"github.com/luminarias/fieldsync/internal/syncer"
)

// ErrOffline is returned by a forced sync while the monitor reports the
// service unreachable. Its text is shown to the user as is.
var ErrOffline = errors.New("no connection: connect to the internet to sync")

// Forced runs a batch on explicit user request. It fails fast with
// ErrOffline when the monitor is offline and never queues the request.
func Forced(ctx context.Context, runner BatchRunner, monitor *connectivity.Monitor, progress syncer.ProgressFunc) (syncer.Result, error) {
	if !monitor.Online() {
		return syncer.Result{}, ErrOffline
	}
	return runner.SyncAll(ctx, progress)
}

// Summary renders the count based message shown after a forced batch.
func Summary(res syncer.Result) string {
	switch {
	case res.Total == 0:
		return "nothing to sync"
	case res.Failed == 0:
		return fmt.Sprintf("%d of %d submissions synced", res.Succeeded, res.Total)
	case res.Succeeded == 0:
		return fmt.Sprintf("%d submissions failed to sync; they stay queued for the next attempt", res.Failed)
	default:
		return fmt.Sprintf("%d of %d submissions synced, %d failed and stay queued", res.Succeeded, res.Total, res.Failed)
	}
}
