package push

import (
	"slices"
	"time"

	"github.com/zeusync/livesync/internal/core/sync/model"
)

// Cache keys and tags of the notification views derived from push traffic.
const (
	TagNotifications = "notifications"

	KeyUnreadCount      = "notifications:unread-count"
	KeyNotificationList = "notifications:list"
)

// MaxListedNotifications bounds the cached notification list.
const MaxListedNotifications = 100

// patchList applies msg to a cached notification list and returns the new
// list. The input slice is never modified.
func patchList(list []model.NotificationView, msg model.PushMessage, view *model.NotificationView) []model.NotificationView {
	switch msg.Type {
	case model.PushNotificationCreated:
		next := make([]model.NotificationView, 0, len(list)+1)
		next = append(next, *view)
		for _, n := range list {
			if n.ID != view.ID {
				next = append(next, n)
			}
		}
		if len(next) > MaxListedNotifications {
			next = next[:MaxListedNotifications]
		}
		return next
	case model.PushNotificationRead:
		return markRead(list, msg.Read.ReadAt, msg.Read.NotificationID)
	case model.PushBulkRead:
		return markRead(list, msg.BulkRead.ReadAt, msg.BulkRead.NotificationIDs...)
	case model.PushNotificationArchived:
		return slices.DeleteFunc(slices.Clone(list), func(n model.NotificationView) bool {
			return n.ID == msg.Archived.NotificationID
		})
	}
	return list
}

func markRead(list []model.NotificationView, at time.Time, ids ...string) []model.NotificationView {
	next := slices.Clone(list)
	for i := range next {
		if next[i].ReadAt != nil || !slices.Contains(ids, next[i].ID) {
			continue
		}
		readAt := at
		next[i].ReadAt = &readAt
		next[i].Unread = false
	}
	return next
}
