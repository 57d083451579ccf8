package engine

import (
	"context"
	"errors"
	"time"

	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/optimistic"
	"github.com/zeusync/livesync/internal/core/sync/store"
	"github.com/zeusync/livesync/internal/core/sync/validate"
)

// schedule submits id in the background unless the connection is offline,
// in which case the change waits in the pending queue for drain.
func (e *Engine) schedule(id string) {
	if e.store.Snapshot().ConnectionStatus == model.StatusOffline {
		e.logger.Debug("Offline, change queued", log.String("change_id", id))
		return
	}
	e.goSubmit(func(ctx context.Context) {
		e.submit(ctx, id)
	})
}

// drain submits every queued change oldest first, one at a time.
func (e *Engine) drain() {
	queue := e.tracker.Queue()
	if len(queue) == 0 {
		return
	}
	e.logger.Info("Connection recovered, draining queued changes", log.Int("queued", len(queue)))
	e.goSubmit(func(ctx context.Context) {
		for _, p := range queue {
			if ctx.Err() != nil {
				return
			}
			e.submit(ctx, p.Change.ID)
		}
	})
}

// goSubmit runs fn in the background unless the engine is stopping. The
// check and the Add share e.mx with Stop so no submission starts after Stop
// began waiting for them.
func (e *Engine) goSubmit(fn func(ctx context.Context)) {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.stopped.Load() {
		return
	}
	e.submits.Add(1)
	go func() {
		defer e.submits.Done()
		fn(e.lifetime)
	}()
}

// submit sends one pending change, retrying transient failures with backoff.
// A change is never submitted twice concurrently.
func (e *Engine) submit(ctx context.Context, id string) {
	if _, busy := e.inflight.LoadOrStore(id, struct{}{}); busy {
		return
	}
	defer e.inflight.Delete(id)

	err := e.backoff.Retry(ctx, "engine.submit", func(ctx context.Context, attempt int) error {
		p, ok := e.store.Snapshot().PendingChanges[id]
		if !ok {
			// superseded by a resolution or confirmed by an earlier attempt
			return nil
		}
		if err := e.tracker.MarkInFlight(id); err != nil {
			return ignoreGone(err)
		}

		res, err := e.transport.Submit(ctx, p.Change)
		if err != nil {
			if errs.IsTransient(err) {
				if _, rerr := e.tracker.Reject(id, err); rerr != nil {
					return ignoreGone(rerr)
				}
			}
			return err
		}
		if err = validate.CheckSubmit(res); err != nil {
			return err
		}

		opened, err := e.tracker.Confirm(id, res.Version, res.Conflicts)
		if err != nil {
			return ignoreGone(err)
		}
		e.touched(p.Change)
		e.announce(opened)
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		e.logger.Debug("Retrying submission",
			log.String("change_id", id),
			log.Int("attempt", attempt),
			log.Duration("delay", delay),
			log.Error(err))
	})
	if err == nil {
		return
	}

	switch {
	case ctx.Err() != nil:
		// torn down; results are dropped
		return
	case errors.Is(err, errs.ErrRetriesExceeded) && e.store.Snapshot().ConnectionStatus == model.StatusOffline:
		e.logger.Info("Submission deferred until the connection recovers", log.String("change_id", id))
		return
	}
	if _, rerr := e.tracker.Reject(id, err); rerr != nil && !isGone(rerr) {
		e.logger.Warn("Failed to record rejected submission", log.String("change_id", id), log.Error(rerr))
	}
}

// ignoreGone maps errors caused by the change or the store disappearing
// mid-flight to success; there is nothing left to retry.
func ignoreGone(err error) error {
	if isGone(err) {
		return nil
	}
	return err
}

func isGone(err error) bool {
	return errors.Is(err, optimistic.ErrNotPending) || errors.Is(err, store.ErrClosed)
}
