// Package optimistic records locally applied changes until the server
// confirms or rejects them.
package optimistic

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/store"
)

var (
	// ErrPendingLimit is returned when every slot of the recent list is taken
	// by an unconfirmed change.
	ErrPendingLimit = errors.New("optimistic: too many pending changes")
	ErrNotPending   = errors.New("optimistic: change is not pending")
)

// ConflictSink takes over conflicts reported by the server on confirmation.
// It runs inside the confirming transaction and returns the conflicts that
// were not already open.
type ConflictSink interface {
	Add(tx *store.Tx, conflicts ...model.Conflict) []model.Conflict
}

// Stage turns intent into a pending change inside tx. It is a no-op when a
// change with the same id is already known; the known change is returned and
// created is false.
func Stage(tx *store.Tx, clock *VersionClock, actor model.Actor, intent model.Intent) (change model.Change, created bool, err error) {
	const op = "optimistic.stage"

	if intent.ChangeID != "" {
		if p, ok := tx.Pending(intent.ChangeID); ok {
			return p.Change, false, nil
		}
		if c, ok := tx.State().FindChange(intent.ChangeID); ok {
			return c, false, nil
		}
	}
	if !intent.Kind.Valid() {
		return model.Change{}, false, errs.Validation(op, fmt.Errorf("unknown change kind %q", intent.Kind))
	}
	if !intent.ResourceType.Valid() {
		return model.Change{}, false, errs.Validation(op, fmt.Errorf("unknown resource type %q", intent.ResourceType))
	}
	if intent.ResourceID == "" {
		return model.Change{}, false, errs.Validation(op, errors.New("resource id is required"))
	}
	if len(tx.State().PendingChanges) >= tx.RecentCap() {
		return model.Change{}, false, ErrPendingLimit
	}

	id := intent.ChangeID
	if id == "" {
		id = uuid.NewString()
	}
	now := tx.Now()
	change = model.Change{
		ID:           id,
		ActorID:      actor.ID,
		ActorName:    actor.Name,
		Kind:         intent.Kind,
		ResourceID:   intent.ResourceID,
		ResourceType: intent.ResourceType,
		Payload:      slices.Clone(intent.Payload),
		Timestamp:    now,
		Version:      clock.Next(),
	}

	// pending first so the cap never evicts the new entry
	tx.PutPending(model.PendingChange{Change: change, Status: model.PendingQueued, CreatedAt: now})
	tx.UpsertChange(change)
	return change, true, nil
}

type Options struct {
	Store     *store.Store
	Clock     *VersionClock
	Actor     model.Actor
	Conflicts ConflictSink
	Logger    log.Log
}

type Tracker struct {
	store     *store.Store
	clock     *VersionClock
	actor     model.Actor
	conflicts ConflictSink
	logger    log.Log
}

func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = NewVersionClock(nil)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	return &Tracker{
		store:     opts.Store,
		clock:     opts.Clock,
		actor:     opts.Actor,
		conflicts: opts.Conflicts,
		logger:    opts.Logger.With(log.String("component", "optimistic")),
	}
}

func (t *Tracker) Actor() model.Actor {
	return t.actor
}

// ApplyLocal records intent as a pending change at the front of the recent
// list. It never waits on the network.
func (t *Tracker) ApplyLocal(intent model.Intent) (model.Change, error) {
	var (
		change  model.Change
		created bool
	)
	_, err := t.store.Update(func(tx *store.Tx) error {
		var err error
		change, created, err = Stage(tx, t.clock, t.actor, intent)
		return err
	})
	if err != nil {
		return model.Change{}, err
	}
	if created {
		t.logger.Debug("Local change applied",
			log.String("change_id", change.ID),
			log.String("resource", change.Key().String()),
			log.Int64("version", change.Version))
	}
	return change, nil
}

// MarkInFlight flags a pending change as being submitted.
func (t *Tracker) MarkInFlight(id string) error {
	_, err := t.store.Update(func(tx *store.Tx) error {
		p, ok := tx.Pending(id)
		if !ok {
			return ErrNotPending
		}
		p.Status = model.PendingInFlight
		p.Attempts++
		tx.PutPending(p)
		return nil
	})
	return err
}

// Confirm removes id from the pending set and installs the server version on
// the matching change. Conflicts reported alongside are handed to the
// conflict sink; the ones newly opened are returned.
func (t *Tracker) Confirm(id string, serverVersion int64, conflicts []model.Conflict) ([]model.Conflict, error) {
	var opened []model.Conflict
	_, err := t.store.Update(func(tx *store.Tx) error {
		p, ok := tx.Pending(id)
		if !ok {
			return ErrNotPending
		}
		tx.DeletePending(id)
		confirmed := p.Change.WithVersion(serverVersion)
		if !tx.ReplaceChange(confirmed) {
			tx.UpsertChange(confirmed)
		}
		tx.SetSubmitError(nil)
		tx.Metrics().Submits++
		if len(conflicts) > 0 && t.conflicts != nil {
			opened = t.conflicts.Add(tx, conflicts...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Debug("Change confirmed",
		log.String("change_id", id),
		log.Int64("server_version", serverVersion),
		log.Int("conflicts", len(conflicts)))
	return opened, nil
}

// Reject records a failed submission. A transient cause keeps the change
// pending for a retry; any other cause drops it and surfaces the error while
// the optimistic entry stays in the recent list until the next merge.
func (t *Tracker) Reject(id string, cause error) (errs.Kind, error) {
	kind := errs.KindOf(cause)
	if kind == errs.KindUnknown {
		kind = errs.KindPermanent
	}
	_, err := t.store.Update(func(tx *store.Tx) error {
		p, ok := tx.Pending(id)
		if !ok {
			return ErrNotPending
		}
		if kind == errs.KindTransient {
			p.Status = model.PendingRetrying
			p.LastError = cause.Error()
			tx.PutPending(p)
			tx.Metrics().SubmitRetries++
			return nil
		}
		tx.DeletePending(id)
		tx.SetSubmitError(cause)
		return nil
	})
	if err != nil {
		return kind, err
	}
	if kind == errs.KindTransient {
		t.logger.Warn("Submission failed, keeping change pending", log.String("change_id", id), log.Error(cause))
	} else {
		t.logger.Error("Submission rejected", log.String("change_id", id), log.Error(cause))
	}
	return kind, nil
}

// Queue returns pending changes oldest first, the order they are drained in.
func (t *Tracker) Queue() []model.PendingChange {
	return Ordered(t.store.Snapshot())
}

// Ordered lists the pending changes of state oldest first.
func Ordered(state *model.SynchronizationState) []model.PendingChange {
	out := make([]model.PendingChange, 0, len(state.PendingChanges))
	for _, p := range state.PendingChanges {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.PendingChange) int {
		if a.Change.Before(b.Change) {
			return -1
		}
		if b.Change.Before(a.Change) {
			return 1
		}
		return 0
	})
	return out
}
