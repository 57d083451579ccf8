package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/optimistic"
	"github.com/zeusync/livesync/internal/core/sync/store"
)

var ErrNotFound = errors.New("conflict: not found")

type Options struct {
	Store  *store.Store
	Clock  *optimistic.VersionClock
	Actor  model.Actor
	Window time.Duration
	Logger log.Log
}

type Resolver struct {
	store  *store.Store
	clock  *optimistic.VersionClock
	actor  model.Actor
	window atomic.Int64
	logger log.Log
}

var _ optimistic.ConflictSink = (*Resolver)(nil)

func NewResolver(opts Options) *Resolver {
	if opts.Clock == nil {
		opts.Clock = optimistic.NewVersionClock(nil)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	r := &Resolver{
		store:  opts.Store,
		clock:  opts.Clock,
		actor:  opts.Actor,
		logger: opts.Logger.With(log.String("component", "conflict")),
	}
	r.SetWindow(opts.Window)
	return r
}

func (r *Resolver) Window() time.Duration {
	return time.Duration(r.window.Load())
}

// SetWindow changes the freshness window for later detections.
func (r *Resolver) SetWindow(d time.Duration) {
	if d <= 0 {
		d = DefaultWindow
	}
	r.window.Store(int64(d))
}

// Add opens conflicts inside tx. A conflict on a resource that already has
// an open one is merged into it. The conflicts that were newly opened are
// returned.
func (r *Resolver) Add(tx *store.Tx, conflicts ...model.Conflict) []model.Conflict {
	var opened []model.Conflict
	for _, c := range conflicts {
		if c.ID == "" {
			c.ID = ID(c.LocalChange, c.RemoteChange)
		}
		if c.ResourceID == "" {
			c.ResourceID = c.LocalChange.ResourceID
			c.ResourceType = c.LocalChange.ResourceType
		}
		if c.DetectedAt.IsZero() {
			c.DetectedAt = tx.Now()
		}
		c.Resolution, c.ResolvedAt = nil, nil

		stored, merged := tx.AddConflict(c)
		if merged {
			continue
		}
		tx.Metrics().ConflictsDetected++
		opened = append(opened, stored)
		r.logger.Info("Conflict detected",
			log.String("conflict_id", stored.ID),
			log.String("resource", stored.Key().String()),
			log.String("remote_actor", stored.RemoteChange.ActorID))
	}
	return opened
}

// Reconcile compares incoming remote changes against the pending local ones
// in tx and opens a conflict for every overlap. It does not touch the recent
// list.
func (r *Resolver) Reconcile(tx *store.Tx, incoming []model.Change) []model.Conflict {
	if len(incoming) == 0 || len(tx.State().PendingChanges) == 0 {
		return nil
	}
	window := r.Window()
	var found []model.Conflict
	for _, p := range optimistic.Ordered(tx.State()) {
		found = append(found, Detect(p.Change, incoming, window)...)
	}
	if len(found) == 0 {
		return nil
	}
	return r.Add(tx, found...)
}

// Outcome describes what a resolution did.
type Outcome struct {
	// Conflict is the audit copy stamped with resolution and resolvedAt.
	Conflict model.Conflict
	// Requeued is the new pending change issued by the local and manual
	// strategies; nil for remote.
	Requeued *model.Change
}

// Resolve settles one open conflict. Every strategy removes the conflict and
// records it in the resolved audit list; other open conflicts are untouched.
func (r *Resolver) Resolve(conflictID string, strategy model.Strategy, merged json.RawMessage) (Outcome, error) {
	const op = "conflict.resolve"

	if !strategy.Valid() {
		return Outcome{}, errs.Validation(op, fmt.Errorf("unknown strategy %q", strategy))
	}
	if strategy == model.StrategyManual && len(merged) == 0 {
		return Outcome{}, errs.Validation(op, errors.New("manual resolution requires a merged payload"))
	}
	if len(merged) > 0 && !json.Valid(merged) {
		return Outcome{}, errs.Validation(op, errors.New("merged payload is not valid JSON"))
	}

	var out Outcome
	_, err := r.store.Update(func(tx *store.Tx) error {
		c, ok := tx.RemoveConflict(conflictID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, conflictID)
		}

		superseded := supersede(tx, c.Key())

		switch strategy {
		case model.StrategyLocal:
			change, err := r.requeue(tx, c.LocalChange, c.LocalChange.Payload)
			if err != nil {
				return err
			}
			out.Requeued = &change
		case model.StrategyRemote:
			tx.UpsertChange(c.RemoteChange)
		case model.StrategyManual:
			local := c.LocalChange
			local.Kind = model.KindUpdate
			change, err := r.requeue(tx, local, merged)
			if err != nil {
				return err
			}
			out.Requeued = &change
		}

		out.Conflict = c.Resolved(strategy, tx.Now())
		tx.RecordResolved(out.Conflict)
		tx.Metrics().ConflictsResolved++

		r.logger.Info("Conflict resolved",
			log.String("conflict_id", c.ID),
			log.String("strategy", string(strategy)),
			log.Int("superseded", superseded))
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// supersede drops every pending change on key together with its optimistic
// entry in the recent list.
func supersede(tx *store.Tx, key model.ResourceKey) int {
	dropped := 0
	for _, p := range tx.State().PendingFor(key) {
		tx.DeletePending(p.Change.ID)
		tx.RemoveChange(p.Change.ID)
		dropped++
	}
	return dropped
}

func (r *Resolver) requeue(tx *store.Tx, base model.Change, payload json.RawMessage) (model.Change, error) {
	change, _, err := optimistic.Stage(tx, r.clock, r.actor, model.Intent{
		ResourceID:   base.ResourceID,
		ResourceType: base.ResourceType,
		Kind:         base.Kind,
		Payload:      payload,
	})
	return change, err
}
