// Package dispatch implements the dispatch worker: it subscribes to the
// activity notifier and drives the remote-API client's bulk/targeted/
// incremental sync modes.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/jasonberkes/ses-local/internal/activity"
)

const tickInterval = 5 * time.Minute

// SyncClient is the subset of remoteapi.Client the dispatch worker drives.
type SyncClient interface {
	BulkSync(ctx context.Context) (int, error)
	TargetedSync(ctx context.Context, uuids []string) (int, error)
	IncrementalSync(ctx context.Context) (int, error)
}

// Worker drains the notifier's bounded queue on a periodic tick or whenever
// the queue is non-empty, merges the UUID sets, and calls the appropriate
// sync mode on the client.
type Worker struct {
	notifier *activity.Notifier
	queue    *activity.Queue
	client   SyncClient
}

func New(notifier *activity.Notifier, client SyncClient) *Worker {
	return &Worker{
		notifier: notifier,
		queue:    activity.NewQueue(5),
		client:   client,
	}
}

// Run blocks until ctx is cancelled. The first pass after start always calls
// bulk-sync regardless of queued events; a periodic fallback tick guarantees
// progress even without any notifier activity.
func (w *Worker) Run(ctx context.Context) {
	events, unsubscribe := w.notifier.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	first := true

	runPass := func() {
		if first {
			first = false
			if _, err := w.client.BulkSync(ctx); err != nil {
				slog.Warn("dispatch worker: bulk sync failed", "error", err)
			}
			return
		}

		merged := w.queue.DrainMerged()
		if len(merged) > 0 {
			if _, err := w.client.TargetedSync(ctx, merged); err != nil {
				slog.Warn("dispatch worker: targeted sync failed", "error", err)
			}
			return
		}

		if _, err := w.client.IncrementalSync(ctx); err != nil {
			slog.Warn("dispatch worker: incremental sync failed", "error", err)
		}
	}

	// Drive the mandatory first pass immediately, before waiting on any
	// event or tick.
	runPass()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			w.queue.Push(evt)
			// Queue every event already waiting so one pass merges them all.
		drain:
			for {
				select {
				case more, ok := <-events:
					if !ok {
						break drain
					}
					w.queue.Push(more)
				default:
					break drain
				}
			}
			runPass()
		case <-ticker.C:
			runPass()
		}
	}
}
