package polling

import (
	"errors"

	"github.com/zeusync/livesync/internal/core/sync/cache"
	"github.com/zeusync/livesync/internal/core/sync/model"
)

// TagChanges is carried by every cached view derived from recent changes.
const TagChanges = "changes"

// ChangesKey is the cache key of the recent-changes view of one resource
// type. It doubles as the tag of that view.
func ChangesKey(t model.ResourceType) string {
	return TagChanges + ":" + string(t)
}

// ChangesView derives the view of resource type t from a snapshot, most
// recent first.
func ChangesView(snap *model.SynchronizationState, t model.ResourceType) []model.Change {
	view := make([]model.Change, 0)
	for _, c := range snap.RecentChanges {
		if c.ResourceType == t {
			view = append(view, c)
		}
	}
	return view
}

// SyncChangeViews brings the cached views touched by changes in line with
// the committed snapshot. Every id already listed or touched is re-read from
// snap: present ids take their committed version, evicted or superseded ids
// are retracted. Views that are not cached are left alone; a view that
// cannot be patched is invalidated. It reports whether every patch applied.
func SyncChangeViews(c *cache.Manager, snap *model.SynchronizationState, changes []model.Change) bool {
	if c == nil || len(changes) == 0 {
		return true
	}
	touched := make(map[model.ResourceType][]string)
	for _, ch := range changes {
		touched[ch.ResourceType] = append(touched[ch.ResourceType], ch.ID)
	}

	ok := true
	for t, ids := range touched {
		key := ChangesKey(t)
		err := cache.PatchAs(c, key, func(list []model.Change) ([]model.Change, error) {
			return rebuildView(snap, t, list, ids), nil
		})
		if err != nil && !errors.Is(err, cache.ErrNotCached) && !errors.Is(err, cache.ErrStale) {
			c.InvalidateKey(key)
			ok = false
		}
	}
	return ok
}

func rebuildView(snap *model.SynchronizationState, t model.ResourceType, list []model.Change, ids []string) []model.Change {
	seen := make(map[string]struct{}, len(list)+len(ids))
	next := make([]model.Change, 0, len(list)+len(ids))
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if c, found := snap.FindChange(id); found && c.ResourceType == t {
			next = append(next, c)
		}
	}
	for _, c := range list {
		add(c.ID)
	}
	for _, id := range ids {
		add(id)
	}
	model.SortRecentFirst(next)
	return next
}
