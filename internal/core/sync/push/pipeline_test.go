package push

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/livesync/internal/core/events/bus"
	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/cache"
	"github.com/zeusync/livesync/internal/core/sync/dedup"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/store"
	"github.com/zeusync/livesync/internal/core/sync/validate"
)

type harness struct {
	pipeline *Pipeline
	store    *store.Store
	cache    *cache.Manager
	bus      bus.EventBus
	logs     *observer.ObservedLogs
	updates  []model.UpdateEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	d, err := dedup.New(dedup.DefaultCapacity)
	require.NoError(t, err)
	v, err := validate.New()
	require.NoError(t, err)

	h := &harness{
		store: store.New(store.Options{}),
		cache: cache.New(cache.Options{}),
		bus:   bus.New(),
		logs:  logs,
	}
	t.Cleanup(func() { _ = h.bus.Close() })
	_, err = bus.Subscribe(h.bus, model.EventUpdate, func(ev model.UpdateEvent) error {
		h.updates = append(h.updates, ev)
		return nil
	})
	require.NoError(t, err)

	h.pipeline = New(Options{
		Store:     h.store,
		Validator: v,
		Dedup:     d,
		Cache:     h.cache,
		Bus:       h.bus,
		Logger:    log.NewFromCore(core),
	})
	return h
}

func created(id string, seq int) []byte {
	seqField := ""
	if seq > 0 {
		seqField = fmt.Sprintf(`"sequenceNumber":%d,`, seq)
	}
	return []byte(fmt.Sprintf(`{"type":"notification_created",%s"timestamp":"2024-03-10T12:00:00Z",
		"payload":{"id":%q,"userId":"u-1","type":"comment","title":"Hi","createdAt":"2024-03-10T12:00:00Z",
		"resourceId":"ev-1","resourceType":"calendar_event"}}`, seqField, id))
}

func read(id, at string) []byte {
	return []byte(fmt.Sprintf(`{"type":"notification_read","timestamp":%q,
		"payload":{"notificationId":%q,"readAt":%q}}`, at, id, at))
}

func TestIngestCreated(t *testing.T) {
	h := newHarness(t)

	res := h.pipeline.Ingest(created("n-1", 0))
	require.True(t, res.Accepted)
	require.NotNil(t, res.View)
	assert.Equal(t, "n-1", res.View.ID)
	assert.True(t, res.View.Unread)
	assert.Equal(t, "/calendar/events/ev-1", res.View.Link)
	assert.Equal(t, 1, res.Unread)

	snap := h.store.Snapshot()
	assert.Equal(t, 1, snap.UnreadCount)
	assert.Equal(t, uint64(1), snap.Metrics.MessagesAccepted)

	require.Len(t, h.updates, 1, "exactly one event per accepted message")
	assert.Equal(t, 1, h.updates[0].UnreadCount)
	require.NotNil(t, h.updates[0].Notification)
	assert.Equal(t, "n-1", h.updates[0].Notification.ID)
}

func TestIngestSequenceOrdering(t *testing.T) {
	h := newHarness(t)

	var accepted []int
	for _, seq := range []int{3, 1, 4, 2} {
		res := h.pipeline.Ingest(created(fmt.Sprintf("n-%d", seq), seq))
		if res.Accepted {
			accepted = append(accepted, seq)
		} else {
			assert.Equal(t, DropStale, res.Reason)
		}
	}
	assert.Equal(t, []int{3, 4}, accepted)
	assert.Equal(t, uint64(2), h.pipeline.Dropped()[DropStale])
	assert.Equal(t, 2, h.store.Snapshot().UnreadCount)
}

func TestIngestThousandDuplicates(t *testing.T) {
	h := newHarness(t)

	for range 1000 {
		h.pipeline.Ingest(created("n-1", 0))
	}

	snap := h.store.Snapshot()
	assert.Equal(t, 1, snap.UnreadCount)
	assert.Equal(t, uint64(1), snap.Metrics.MessagesAccepted)
	assert.Equal(t, uint64(999), snap.Metrics.MessagesDropped)
	assert.Equal(t, uint64(999), h.pipeline.Dropped()[DropDuplicate])
	assert.Len(t, h.updates, 1)
}

func TestIngestMalformedIsLoggedAndDropped(t *testing.T) {
	h := newHarness(t)

	res := h.pipeline.Ingest([]byte(`{"type":"notification_created","payload":42}`))
	assert.False(t, res.Accepted)
	assert.Equal(t, DropInvalid, res.Reason)

	entries := h.logs.FilterMessage("Dropping malformed push message").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Empty(t, h.updates)

	// the stream keeps flowing
	assert.True(t, h.pipeline.Ingest(created("n-2", 0)).Accepted)
}

func TestUnreadCounterSaturates(t *testing.T) {
	h := newHarness(t)

	h.pipeline.Ingest(created("n-1", 0))
	res := h.pipeline.Ingest([]byte(`{"type":"bulk_read","timestamp":"2024-03-10T12:01:00Z",
		"payload":{"notificationIds":["n-1","n-2","n-3"],"readAt":"2024-03-10T12:01:00Z"}}`))
	require.True(t, res.Accepted)
	assert.Equal(t, 0, res.Unread)

	res = h.pipeline.Ingest(read("n-9", "2024-03-10T12:02:00Z"))
	require.True(t, res.Accepted)
	assert.Equal(t, 0, res.Unread, "never below zero")

	res = h.pipeline.Ingest([]byte(`{"type":"notification_archived","timestamp":"2024-03-10T12:03:00Z",
		"payload":{"notificationId":"n-1","archivedAt":"2024-03-10T12:03:00Z","wasUnread":false}}`))
	require.True(t, res.Accepted)
	assert.Zero(t, h.store.Snapshot().UnreadCount)
}

func TestReadReceiptsDedupByTimestamp(t *testing.T) {
	h := newHarness(t)
	h.pipeline.Ingest(created("n-1", 0))
	h.pipeline.Ingest(created("n-2", 0))

	assert.True(t, h.pipeline.Ingest(read("n-1", "2024-03-10T12:05:00Z")).Accepted)
	assert.False(t, h.pipeline.Ingest(read("n-1", "2024-03-10T12:05:00Z")).Accepted)
	assert.True(t, h.pipeline.Ingest(read("n-2", "2024-03-10T12:05:00Z")).Accepted)
	assert.Zero(t, h.store.Snapshot().UnreadCount)
}

func TestCachePatchedInPlace(t *testing.T) {
	h := newHarness(t)
	h.cache.Set(KeyUnreadCount, 0, TagNotifications)
	h.cache.Set(KeyNotificationList, []model.NotificationView{}, TagNotifications)

	h.pipeline.Ingest(created("n-1", 0))
	h.pipeline.Ingest(created("n-2", 0))
	res := h.pipeline.Ingest(read("n-1", "2024-03-10T12:05:00Z"))
	assert.False(t, res.Invalidated)

	count, stale, ok := cache.GetAs[int](h.cache, KeyUnreadCount)
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, 1, count)

	list, _, ok := cache.GetAs[[]model.NotificationView](h.cache, KeyNotificationList)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "n-2", list[0].ID)
	assert.True(t, list[0].Unread)
	assert.Equal(t, "n-1", list[1].ID)
	assert.False(t, list[1].Unread)
	require.NotNil(t, list[1].ReadAt)

	h.pipeline.Ingest([]byte(`{"type":"notification_archived","timestamp":"2024-03-10T12:06:00Z",
		"payload":{"notificationId":"n-2","archivedAt":"2024-03-10T12:06:00Z","wasUnread":true}}`))
	list, _, _ = cache.GetAs[[]model.NotificationView](h.cache, KeyNotificationList)
	require.Len(t, list, 1)
	assert.Equal(t, "n-1", list[0].ID)
}

func TestCachePatchFailureFallsBackToInvalidation(t *testing.T) {
	h := newHarness(t)
	h.cache.Set(KeyUnreadCount, 0, TagNotifications)
	h.cache.Set(KeyNotificationList, "not a list", TagNotifications)
	h.cache.Set("changes:recent", 1, "changes")

	res := h.pipeline.Ingest(created("n-1", 0))
	require.True(t, res.Accepted)
	assert.True(t, res.Invalidated)

	_, stale, ok := h.cache.Get(KeyNotificationList)
	require.True(t, ok)
	assert.True(t, stale)
	_, stale, _ = h.cache.Get(KeyUnreadCount)
	assert.True(t, stale, "the whole notification region is invalidated")
	_, stale, _ = h.cache.Get("changes:recent")
	assert.False(t, stale, "other regions are untouched")
	assert.Len(t, h.updates, 1)
}

func TestConnectionChanged(t *testing.T) {
	h := newHarness(t)

	h.pipeline.ConnectionChanged(true, nil)
	assert.Equal(t, model.StatusConnected, h.store.Snapshot().ConnectionStatus)

	h.pipeline.ConnectionChanged(false, nil)
	assert.Equal(t, model.StatusDisconnected, h.store.Snapshot().ConnectionStatus)

	_, err := h.store.Update(func(tx *store.Tx) error {
		tx.SetConnectionStatus(model.StatusOffline)
		return nil
	})
	require.NoError(t, err)
	h.pipeline.ConnectionChanged(false, nil)
	assert.Equal(t, model.StatusOffline, h.store.Snapshot().ConnectionStatus)
}

func TestClosedStoreDropsMessages(t *testing.T) {
	h := newHarness(t)
	h.store.Close()

	res := h.pipeline.Ingest(created("n-1", 0))
	assert.False(t, res.Accepted)
	assert.Equal(t, DropClosed, res.Reason)
	assert.Empty(t, h.updates)
}

type fakeClient struct {
	mx       sync.Mutex
	handlers map[EventType]Handler
}

func (c *fakeClient) On(event EventType, h Handler) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.handlers == nil {
		c.handlers = map[EventType]Handler{}
	}
	c.handlers[event] = h
}

func (c *fakeClient) Off(event EventType) {
	c.mx.Lock()
	defer c.mx.Unlock()
	delete(c.handlers, event)
}

func (c *fakeClient) Connect(context.Context) error { return nil }
func (c *fakeClient) Close() error                  { return nil }

func (c *fakeClient) emit(e Event) {
	c.mx.Lock()
	h := c.handlers[e.Type]
	c.mx.Unlock()
	if h != nil {
		h(e)
	}
}

func TestAttachDetach(t *testing.T) {
	h := newHarness(t)
	client := &fakeClient{}

	h.pipeline.Attach(client)
	client.emit(Event{Type: EventConnectionChange, Connected: true})
	client.emit(Event{Type: EventMessage, Data: created("n-1", 0)})
	assert.Equal(t, 1, h.store.Snapshot().UnreadCount)
	assert.Equal(t, model.StatusConnected, h.store.Snapshot().ConnectionStatus)

	h.pipeline.Detach(client)
	client.emit(Event{Type: EventMessage, Data: created("n-2", 0)})
	assert.Equal(t, 1, h.store.Snapshot().UnreadCount)
}

func TestResetForgetsSequence(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.pipeline.Ingest(created("a", 10)).Accepted)
	require.False(t, h.pipeline.Ingest(created("b", 2)).Accepted)

	h.pipeline.Reset()
	assert.True(t, h.pipeline.Ingest(created("c", 1)).Accepted)
}

func TestReconnectRestartsSequence(t *testing.T) {
	h := newHarness(t)
	client := &fakeClient{}
	h.pipeline.Attach(client)

	client.emit(Event{Type: EventConnectionChange, Connected: true})
	require.True(t, h.pipeline.Ingest(created("a", 5)).Accepted)
	require.False(t, h.pipeline.Ingest(created("b", 1)).Accepted)

	client.emit(Event{Type: EventConnectionChange, Connected: false})
	client.emit(Event{Type: EventConnectionChange, Connected: true})
	assert.True(t, h.pipeline.Ingest(created("c", 1)).Accepted)
	assert.Equal(t, 2, h.store.Snapshot().UnreadCount)
}
