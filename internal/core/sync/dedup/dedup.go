// Package dedup recognizes re-delivered push messages.
//
// Each message maps to a textual dedup key. The key is reduced to its 64-bit
// xxhash digest and kept in a bounded LRU set, so memory stays flat no matter
// how long the pipeline runs.
package dedup

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zeusync/livesync/internal/core/sync/model"
)

const DefaultCapacity = 1000

type Deduplicator struct {
	seen       *lru.Cache[uint64, struct{}]
	duplicates atomic.Uint64
	accepted   atomic.Uint64
}

func New(capacity int) (*Deduplicator, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[uint64, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}
	return &Deduplicator{seen: c}, nil
}

// Seen records key and reports whether it had already been recorded.
// A duplicate refreshes the key's recency.
func (d *Deduplicator) Seen(key string) bool {
	digest := xxhash.Sum64String(key)
	if found, _ := d.seen.ContainsOrAdd(digest, struct{}{}); found {
		d.seen.Get(digest)
		d.duplicates.Add(1)
		return true
	}
	d.accepted.Add(1)
	return false
}

func (d *Deduplicator) Len() int {
	return d.seen.Len()
}

func (d *Deduplicator) Duplicates() uint64 {
	return d.duplicates.Load()
}

func (d *Deduplicator) Accepted() uint64 {
	return d.accepted.Load()
}

func (d *Deduplicator) Reset() {
	d.seen.Purge()
}

// Key derives the dedup key of a validated push message. Receipts include the
// instant they carry, so a second read of the same notification at a later
// time is not mistaken for a redelivery.
func Key(msg model.PushMessage) string {
	switch msg.Type {
	case model.PushNotificationCreated:
		if msg.Created != nil {
			return "created:" + msg.Created.ID
		}
	case model.PushNotificationRead:
		if msg.Read != nil {
			return "read:" + msg.Read.NotificationID + ":" + millis(msg.Read.ReadAt.UnixMilli())
		}
	case model.PushNotificationArchived:
		if msg.Archived != nil {
			return "archived:" + msg.Archived.NotificationID + ":" + millis(msg.Archived.ArchivedAt.UnixMilli())
		}
	case model.PushBulkRead:
		if msg.BulkRead != nil {
			ids := slices.Clone(msg.BulkRead.NotificationIDs)
			slices.Sort(ids)
			return "bulk_read:" + strings.Join(ids, ",") + ":" + millis(msg.BulkRead.ReadAt.UnixMilli())
		}
	}
	return string(msg.Type) + ":" + millis(msg.Timestamp.UnixMilli())
}

func millis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
