// Package engine is the composition root of the synchronization core. It owns
// one instance of every component, runs the background loops and exposes the
// action surface used by the application: optimistic updates, polls, conflict
// resolution, subscriptions and the read-only state projection.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/livesync/internal/core/events/bus"
	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/backoff"
	"github.com/zeusync/livesync/internal/core/sync/cache"
	"github.com/zeusync/livesync/internal/core/sync/conflict"
	"github.com/zeusync/livesync/internal/core/sync/dedup"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/optimistic"
	"github.com/zeusync/livesync/internal/core/sync/polling"
	"github.com/zeusync/livesync/internal/core/sync/push"
	"github.com/zeusync/livesync/internal/core/sync/store"
	"github.com/zeusync/livesync/internal/core/sync/validate"
)

var (
	ErrStarted = errors.New("engine: already started")
	ErrStopped = errors.New("engine: stopped")
)

// Transport is the request/response collaborator.
type Transport interface {
	polling.Poller
	Submit(ctx context.Context, change model.Change) (model.SubmitResult, error)
}

type Options struct {
	Actor     model.Actor
	Transport Transport
	// Push is optional; without it only polling feeds the state.
	Push push.Client

	RecentCap        int
	ResolvedCap      int
	ConflictWindow   time.Duration
	DedupCapacity    int
	Intervals        polling.Intervals
	Backoff          backoff.Policy
	OfflineThreshold int
	Cache            cache.Options

	// Validator is built with defaults when nil.
	Validator *validate.Validator
	Logger    log.Log
	Now       func() time.Time
}

type Engine struct {
	logger    log.Log
	transport Transport
	push      push.Client
	backoff   backoff.Policy

	store     *store.Store
	bus       bus.EventBus
	cache     *cache.Manager
	dedup     *dedup.Deduplicator
	validator *validate.Validator
	tracker   *optimistic.Tracker
	resolver  *conflict.Resolver
	sync      *polling.Synchronizer
	pipeline  *push.Pipeline

	lifetime context.Context
	cancel   context.CancelFunc
	submits  sync.WaitGroup
	inflight sync.Map

	mx      sync.Mutex
	group   *errgroup.Group
	stopRun context.CancelFunc
	stopped atomic.Bool
}

func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = dedup.DefaultCapacity
	}
	if opts.Backoff.MaxAttempts == 0 && opts.Backoff.Base == 0 {
		opts.Backoff = backoff.DefaultPolicy()
	}
	if opts.Cache.Logger == nil {
		opts.Cache.Logger = opts.Logger
	}
	if opts.Validator == nil {
		v, err := validate.New(validate.WithClock(opts.Now))
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}
	d, err := dedup.New(opts.DedupCapacity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:    opts.Logger.With(log.String("component", "engine")),
		transport: opts.Transport,
		push:      opts.Push,
		backoff:   opts.Backoff,
		bus:       bus.New(),
		cache:     cache.New(opts.Cache),
		dedup:     d,
		validator: opts.Validator,
		lifetime:  ctx,
		cancel:    cancel,
	}

	e.store = store.New(store.Options{
		RecentCap:   opts.RecentCap,
		ResolvedCap: opts.ResolvedCap,
		Logger:      opts.Logger,
		OnCommit:    e.committed,
		Now:         opts.Now,
	})
	clock := optimistic.NewVersionClock(opts.Now)
	e.resolver = conflict.NewResolver(conflict.Options{
		Store:  e.store,
		Clock:  clock,
		Actor:  opts.Actor,
		Window: opts.ConflictWindow,
		Logger: opts.Logger,
	})
	e.tracker = optimistic.New(optimistic.Options{
		Store:     e.store,
		Clock:     clock,
		Actor:     opts.Actor,
		Conflicts: e.resolver,
		Logger:    opts.Logger,
	})
	e.sync = polling.New(polling.Options{
		Store:            e.store,
		Poller:           opts.Transport,
		Reconciler:       e.resolver,
		Cache:            e.cache,
		Intervals:        opts.Intervals,
		Backoff:          opts.Backoff,
		OfflineThreshold: opts.OfflineThreshold,
		OnOutcome:        e.polled,
		Logger:           opts.Logger,
		Now:              opts.Now,
	})
	e.pipeline = push.New(push.Options{
		Store:     e.store,
		Validator: e.validator,
		Dedup:     e.dedup,
		Cache:     e.cache,
		Bus:       e.bus,
		Logger:    opts.Logger,
	})
	// warm the notification views so the first pushes patch them
	e.Notifications()
	return e, nil
}

// Start launches the polling loop, the cache sweeper and the push transport.
// They run until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.stopped.Load() {
		return ErrStopped
	}
	if e.group != nil {
		return ErrStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.sync.Run(gctx) })
	g.Go(func() error { return e.cache.Run(gctx) })
	if e.push != nil {
		e.pipeline.Attach(e.push)
		g.Go(func() error {
			if err := e.push.Connect(gctx); err != nil && gctx.Err() == nil {
				e.logger.Warn("Push transport unavailable, relying on polling", log.Error(err))
			}
			return nil
		})
	}
	e.group, e.stopRun = g, cancel
	e.logger.Info("Engine started", log.String("actor", e.tracker.Actor().ID))
	return nil
}

// Stop cancels everything in flight and tears the engine down. Results that
// arrive afterwards are dropped. Stop is idempotent.
func (e *Engine) Stop() error {
	e.mx.Lock()
	if e.stopped.Swap(true) {
		e.mx.Unlock()
		return nil
	}
	g, stopRun := e.group, e.stopRun
	e.mx.Unlock()

	e.store.Close()
	e.cancel()
	e.sync.Stop()

	var err error
	if stopRun != nil {
		stopRun()
	}
	if e.push != nil {
		e.pipeline.Detach(e.push)
		err = errors.Join(err, e.push.Close())
	}
	if g != nil {
		if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
			err = errors.Join(err, gerr)
		}
	}
	e.submits.Wait()
	err = errors.Join(err, e.bus.Close())
	e.logger.Info("Engine stopped")
	return err
}

// Snapshot returns the read-only state projection with current cache metrics.
func (e *Engine) Snapshot() *model.SynchronizationState {
	snap := *e.store.Snapshot()
	snap.Metrics.CacheHitRate = e.cache.Stats().HitRate
	return &snap
}

// ApplyOptimisticUpdate applies intent locally and submits it in the
// background. It returns as soon as the local state is updated. While the
// connection is offline the change is only queued and goes out once a poll
// succeeds again.
func (e *Engine) ApplyOptimisticUpdate(intent model.Intent) (model.Change, error) {
	if e.stopped.Load() {
		return model.Change{}, ErrStopped
	}
	change, err := e.tracker.ApplyLocal(intent)
	if err != nil {
		return model.Change{}, err
	}
	e.touched(change)
	e.schedule(change.ID)
	return change, nil
}

// Poll fetches and merges server state now.
func (e *Engine) Poll(ctx context.Context) (polling.Outcome, error) {
	if e.stopped.Load() {
		return polling.Outcome{}, ErrStopped
	}
	return e.sync.Poll(ctx)
}

// ResolveConflict settles one open conflict. The change issued by the local
// and manual strategies is submitted like any optimistic update.
func (e *Engine) ResolveConflict(conflictID string, strategy model.Strategy, payload json.RawMessage) (conflict.Outcome, error) {
	out, err := e.resolver.Resolve(conflictID, strategy, payload)
	if err != nil {
		return conflict.Outcome{}, err
	}
	touched := []model.Change{out.Conflict.LocalChange, out.Conflict.RemoteChange}
	if out.Requeued != nil {
		touched = append(touched, *out.Requeued)
	}
	e.touched(touched...)
	if out.Requeued != nil {
		e.schedule(out.Requeued.ID)
	}
	return out, nil
}

// Ingest feeds one raw push message through the ingestion pipeline, for
// transports that are not attached as a push.Client.
func (e *Engine) Ingest(raw []byte) push.Result {
	return e.pipeline.Ingest(raw)
}

// Subscribe registers handler for one of the model.Event* types.
func (e *Engine) Subscribe(eventType string, handler bus.EventHandler) (bus.Subscription, error) {
	return e.bus.Subscribe(eventType, handler)
}

func (e *Engine) Unsubscribe(sub bus.Subscription) error {
	return e.bus.Unsubscribe(sub)
}

func (e *Engine) Bus() bus.EventBus {
	return e.bus
}

func (e *Engine) Cache() *cache.Manager {
	return e.cache
}

// Foreground resumes polling and polls immediately.
func (e *Engine) Foreground() {
	e.sync.Foreground()
}

// Background pauses scheduled polling; explicit Poll calls still work.
func (e *Engine) Background() {
	e.sync.Background()
}

func (e *Engine) SetIntervals(iv polling.Intervals) {
	e.sync.SetIntervals(iv)
}

func (e *Engine) SetResourceClass(c polling.Class) {
	e.sync.SetClass(c)
}

func (e *Engine) SetConflictWindow(d time.Duration) {
	e.resolver.SetWindow(d)
}

// committed fans store transitions out to subscribers.
func (e *Engine) committed(prev, next *model.SynchronizationState) {
	if prev.ConnectionStatus != next.ConnectionStatus {
		e.publish(model.EventConnectionChanged, model.ConnectionEvent{From: prev.ConnectionStatus, To: next.ConnectionStatus})
	}
	e.publish(model.EventStateChanged, model.StateEvent{Revision: next.Revision, State: next})
}

// polled runs after every network poll.
func (e *Engine) polled(out polling.Outcome, err error) {
	if err != nil {
		return
	}
	e.announce(out.Opened)
	if out.Recovered {
		e.drain()
	}
}

func (e *Engine) announce(conflicts []model.Conflict) {
	for _, c := range conflicts {
		e.publish(model.EventConflictDetected, model.ConflictEvent{Conflict: c})
	}
}

func (e *Engine) publish(eventType string, data any) {
	err := e.bus.Publish(bus.NewEvent(eventType, "engine", data))
	if err != nil && !errors.Is(err, bus.ErrBusClosed) {
		e.logger.Warn("Event subscribers failed", log.String("event", eventType), log.Error(err))
	}
}
