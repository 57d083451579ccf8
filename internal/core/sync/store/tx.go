package store

import (
	"slices"
	"time"

	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
)

// Tx is a copy-on-write view of the state used inside Store.Update.
// Collections are cloned the first time they are written.
type Tx struct {
	base *model.SynchronizationState
	next *model.SynchronizationState

	recentCap   int
	resolvedCap int
	now         func() time.Time

	recentOwned   bool
	usersOwned    bool
	conflictOwned bool
	resolvedOwned bool
}

func newTx(base *model.SynchronizationState, recentCap, resolvedCap int, now func() time.Time) *Tx {
	return &Tx{
		base:        base,
		next:        base.Clone(),
		recentCap:   recentCap,
		resolvedCap: resolvedCap,
		now:         now,
	}
}

// State exposes the in-progress state for reads.
func (tx *Tx) State() *model.SynchronizationState {
	return tx.next
}

// Base is the snapshot the transaction started from.
func (tx *Tx) Base() *model.SynchronizationState {
	return tx.base
}

func (tx *Tx) Now() time.Time {
	return tx.now()
}

func (tx *Tx) RecentCap() int {
	return tx.recentCap
}

func (tx *Tx) Metrics() *model.Metrics {
	return &tx.next.Metrics
}

func (tx *Tx) ownRecent() {
	if !tx.recentOwned {
		tx.next.RecentChanges = slices.Clone(tx.next.RecentChanges)
		tx.recentOwned = true
	}
}

// UpsertChange unions c into the recent list by id. On a duplicate id the
// higher version wins. The list is re-sorted and capped; eviction removes the
// oldest entries that are not pending. It reports whether c was stored.
func (tx *Tx) UpsertChange(c model.Change) bool {
	tx.ownRecent()
	idx := slices.IndexFunc(tx.next.RecentChanges, func(existing model.Change) bool { return existing.ID == c.ID })
	if idx >= 0 {
		if tx.next.RecentChanges[idx].Version >= c.Version {
			return false
		}
		tx.next.RecentChanges[idx] = c
	} else {
		tx.next.RecentChanges = append(tx.next.RecentChanges, c)
	}
	tx.normalizeRecent()
	_, kept := tx.next.FindChange(c.ID)
	return kept
}

// MergeChanges unions changes into the recent list by id with the same
// last-writer-wins rule as UpsertChange, normalizing once at the end. It
// returns the changes that were stored or replaced an older version.
func (tx *Tx) MergeChanges(changes []model.Change) []model.Change {
	tx.ownRecent()
	index := make(map[string]int, len(tx.next.RecentChanges))
	for i, c := range tx.next.RecentChanges {
		index[c.ID] = i
	}
	var applied []model.Change
	for _, c := range changes {
		if i, ok := index[c.ID]; ok {
			if tx.next.RecentChanges[i].Version >= c.Version {
				continue
			}
			tx.next.RecentChanges[i] = c
		} else {
			index[c.ID] = len(tx.next.RecentChanges)
			tx.next.RecentChanges = append(tx.next.RecentChanges, c)
		}
		applied = append(applied, c)
	}
	tx.normalizeRecent()
	return applied
}

// ReplaceChange overwrites the change with c.ID regardless of version.
func (tx *Tx) ReplaceChange(c model.Change) bool {
	tx.ownRecent()
	idx := slices.IndexFunc(tx.next.RecentChanges, func(existing model.Change) bool { return existing.ID == c.ID })
	if idx < 0 {
		return false
	}
	tx.next.RecentChanges[idx] = c
	tx.normalizeRecent()
	return true
}

func (tx *Tx) RemoveChange(id string) bool {
	tx.ownRecent()
	before := len(tx.next.RecentChanges)
	tx.next.RecentChanges = slices.DeleteFunc(tx.next.RecentChanges, func(c model.Change) bool { return c.ID == id })
	return len(tx.next.RecentChanges) != before
}

// ReplaceRecent swaps the whole recent list, used by full refreshes.
func (tx *Tx) ReplaceRecent(changes []model.Change) {
	tx.next.RecentChanges = slices.Clone(changes)
	tx.recentOwned = true
	tx.normalizeRecent()
}

func (tx *Tx) normalizeRecent() {
	model.SortRecentFirst(tx.next.RecentChanges)
	excess := len(tx.next.RecentChanges) - tx.recentCap
	for i := len(tx.next.RecentChanges) - 1; i >= 0 && excess > 0; i-- {
		if _, pending := tx.next.PendingChanges[tx.next.RecentChanges[i].ID]; pending {
			continue
		}
		tx.next.RecentChanges = slices.Delete(tx.next.RecentChanges, i, i+1)
		excess--
	}
}

func (tx *Tx) Pending(id string) (model.PendingChange, bool) {
	p, ok := tx.next.PendingChanges[id]
	return p, ok
}

func (tx *Tx) PutPending(p model.PendingChange) {
	tx.next.PendingChanges[p.Change.ID] = p
}

func (tx *Tx) DeletePending(id string) bool {
	_, ok := tx.next.PendingChanges[id]
	delete(tx.next.PendingChanges, id)
	return ok
}

// AddConflict inserts c or, when a conflict on the same resource is already
// open, merges c into it. The stored conflict is returned.
func (tx *Tx) AddConflict(c model.Conflict) (model.Conflict, bool) {
	if !tx.conflictOwned {
		tx.next.Conflicts = slices.Clone(tx.next.Conflicts)
		tx.conflictOwned = true
	}
	for i, existing := range tx.next.Conflicts {
		if existing.Key() == c.Key() {
			merged := existing.Merge(c)
			tx.next.Conflicts[i] = merged
			return merged, true
		}
	}
	tx.next.Conflicts = append(tx.next.Conflicts, c)
	return c, false
}

func (tx *Tx) RemoveConflict(id string) (model.Conflict, bool) {
	idx := slices.IndexFunc(tx.next.Conflicts, func(c model.Conflict) bool { return c.ID == id })
	if idx < 0 {
		return model.Conflict{}, false
	}
	if !tx.conflictOwned {
		tx.next.Conflicts = slices.Clone(tx.next.Conflicts)
		tx.conflictOwned = true
	}
	removed := tx.next.Conflicts[idx]
	tx.next.Conflicts = slices.Delete(tx.next.Conflicts, idx, idx+1)
	return removed, true
}

// RecordResolved appends an audit entry, keeping the newest resolvedCap entries.
func (tx *Tx) RecordResolved(c model.Conflict) {
	if !tx.resolvedOwned {
		tx.next.ResolvedConflicts = slices.Clone(tx.next.ResolvedConflicts)
		tx.resolvedOwned = true
	}
	tx.next.ResolvedConflicts = append(tx.next.ResolvedConflicts, c)
	if over := len(tx.next.ResolvedConflicts) - tx.resolvedCap; over > 0 {
		tx.next.ResolvedConflicts = slices.Delete(tx.next.ResolvedConflicts, 0, over)
	}
}

// ReplaceActiveUsers installs the server's projection. Users the server no
// longer lists are kept and marked offline.
func (tx *Tx) ReplaceActiveUsers(users []model.ActiveUser) {
	next := slices.Clone(users)
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		seen[u.ID] = struct{}{}
	}
	for _, old := range tx.next.ActiveUsers {
		if _, ok := seen[old.ID]; ok {
			continue
		}
		old.IsOnline = false
		next = append(next, old)
	}
	tx.next.ActiveUsers = next
	tx.usersOwned = true
}

func (tx *Tx) UpsertActiveUser(u model.ActiveUser) {
	if !tx.usersOwned {
		tx.next.ActiveUsers = slices.Clone(tx.next.ActiveUsers)
		tx.usersOwned = true
	}
	for i, existing := range tx.next.ActiveUsers {
		if existing.ID == u.ID {
			if u.LastActivityAt.Before(existing.LastActivityAt) {
				u.LastActivityAt = existing.LastActivityAt
			}
			tx.next.ActiveUsers[i] = u
			return
		}
	}
	tx.next.ActiveUsers = append(tx.next.ActiveUsers, u)
}

// AdvanceServerVersion moves the watermark forward. A lower version is an
// anomaly and is reported as an ordering violation without touching the state.
func (tx *Tx) AdvanceServerVersion(v int64) error {
	if v < tx.next.ServerVersion {
		return errs.Ordering("store.watermark", "server version %d regressed below %d", v, tx.next.ServerVersion)
	}
	tx.next.ServerVersion = v
	return nil
}

// ResetServerVersion installs v unconditionally; only full refreshes use it.
func (tx *Tx) ResetServerVersion(v int64) {
	tx.next.ServerVersion = v
}

func (tx *Tx) SetLastSyncedAt(t time.Time) {
	tx.next.LastSyncedAt = t
}

func (tx *Tx) SetConnectionStatus(status model.ConnectionStatus) {
	tx.next.ConnectionStatus = status
}

func (tx *Tx) SetPollingError(err error) {
	tx.next.PollingError = errString(err)
}

func (tx *Tx) SetSubmitError(err error) {
	tx.next.SubmitError = errString(err)
}

func (tx *Tx) SetSelfHealing(v bool) {
	tx.next.SelfHealing = v
}

// AddUnread adjusts the unread counter with saturation at zero.
func (tx *Tx) AddUnread(delta int) int {
	n := tx.next.UnreadCount + delta
	if n < 0 {
		n = 0
	}
	tx.next.UnreadCount = n
	return n
}

func (tx *Tx) SetUnread(n int) {
	tx.next.UnreadCount = max(n, 0)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
