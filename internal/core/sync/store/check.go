package store

import (
	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
)

// Check verifies the structural invariants of a snapshot. A failure is a
// data corruption error.
func Check(s *model.SynchronizationState, recentCap int) error {
	if len(s.RecentChanges) > recentCap {
		return errs.Corruption("store.check", "recent changes %d exceed cap %d", len(s.RecentChanges), recentCap)
	}
	seen := make(map[string]int, len(s.RecentChanges))
	for _, c := range s.RecentChanges {
		seen[c.ID]++
		if seen[c.ID] > 1 {
			return errs.Corruption("store.check", "change %s listed twice", c.ID)
		}
	}
	for id := range s.PendingChanges {
		if seen[id] != 1 {
			return errs.Corruption("store.check", "pending change %s missing from recent changes", id)
		}
	}
	keys := make(map[model.ResourceKey]struct{}, len(s.Conflicts))
	for _, c := range s.Conflicts {
		if _, dup := keys[c.Key()]; dup {
			return errs.Corruption("store.check", "two open conflicts on %s", c.Key())
		}
		keys[c.Key()] = struct{}{}
	}
	if s.UnreadCount < 0 {
		return errs.Corruption("store.check", "negative unread count %d", s.UnreadCount)
	}
	if s.ServerVersion < 0 {
		return errs.Corruption("store.check", "negative server version %d", s.ServerVersion)
	}
	return nil
}
