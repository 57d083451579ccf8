package engine

import (
	"github.com/zeusync/livesync/internal/core/sync/cache"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/polling"
	"github.com/zeusync/livesync/internal/core/sync/push"
)

// Changes returns the recent changes of resource type t, most recent first.
// The view is served from the cache and derived from the store on a miss;
// polls, pushes and local mutations keep it patched afterwards.
func (e *Engine) Changes(t model.ResourceType) []model.Change {
	key := polling.ChangesKey(t)
	if view, stale, ok := cache.GetAs[[]model.Change](e.cache, key); ok && !stale {
		return view
	}
	return fill(e, key, func(snap *model.SynchronizationState) []model.Change {
		return polling.ChangesView(snap, t)
	}, polling.TagChanges, key)
}

// Notifications returns the notification list built from push traffic and
// the unread count. A missing unread count is read from the store. The list
// has no other source: once missing or invalidated it restarts empty and
// fills again from later pushes.
func (e *Engine) Notifications() ([]model.NotificationView, int) {
	unread, stale, ok := cache.GetAs[int](e.cache, push.KeyUnreadCount)
	if !ok || stale {
		unread = fill(e, push.KeyUnreadCount, func(snap *model.SynchronizationState) int {
			return snap.UnreadCount
		}, push.TagNotifications)
	}
	list, stale, ok := cache.GetAs[[]model.NotificationView](e.cache, push.KeyNotificationList)
	if !ok || stale {
		list = fill(e, push.KeyNotificationList, func(*model.SynchronizationState) []model.NotificationView {
			return []model.NotificationView{}
		}, push.TagNotifications)
	}
	return list, unread
}

// fill caches the view derived from the current snapshot. A commit landing
// between the read and the Set may have skipped its patch, so the entry is
// marked stale again when the store moved on meanwhile.
func fill[T any](e *Engine, key string, derive func(*model.SynchronizationState) T, tags ...string) T {
	snap := e.store.Snapshot()
	view := derive(snap)
	e.cache.Set(key, view, tags...)
	if e.store.Snapshot().Revision != snap.Revision {
		e.cache.InvalidateKey(key)
	}
	return view
}

// touched brings the change views in line after a local mutation.
func (e *Engine) touched(changes ...model.Change) {
	if !polling.SyncChangeViews(e.cache, e.store.Snapshot(), changes) {
		e.logger.Debug("Change views invalidated after a failed patch")
	}
}
