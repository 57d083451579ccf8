package polling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/livesync/internal/core/sync/cache"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/store"
)

func cacheView(c *cache.Manager, snap *model.SynchronizationState, t model.ResourceType) {
	key := ChangesKey(t)
	c.Set(key, ChangesView(snap, t), TagChanges, key)
}

func TestMergePatchesCachedChangeViews(t *testing.T) {
	event := change("e", "u-1", t0, 3)
	event.ResourceType = model.ResourceCalendarEvent
	p := &fakePoller{fn: respond(model.PollResult{
		Changes:       []model.Change{change("a", "u-1", t0, 1), change("b", "u-1", t0.Add(time.Second), 2), event},
		ServerVersion: 3,
	})}
	c := cache.New(cache.Options{})
	s, st := newSync(t, p, Options{Cache: c})
	cacheView(c, st.Snapshot(), model.ResourcePlanningStage)

	_, err := s.Poll(context.Background())
	require.NoError(t, err)

	view, stale, ok := cache.GetAs[[]model.Change](c, ChangesKey(model.ResourcePlanningStage))
	require.True(t, ok)
	assert.False(t, stale)
	require.Len(t, view, 2)
	assert.Equal(t, "b", view[0].ID)
	assert.Equal(t, "a", view[1].ID)
	assert.Equal(t, uint64(1), c.Stats().Patches)

	_, _, ok = c.Get(ChangesKey(model.ResourceCalendarEvent))
	assert.False(t, ok, "views nobody asked for are not created")
}

func TestFullRefreshInvalidatesChangeViews(t *testing.T) {
	p := &fakePoller{fn: respond(model.PollResult{
		Changes:       []model.Change{change("a", "u-1", t0, 10)},
		ServerVersion: 10,
	})}
	c := cache.New(cache.Options{})
	s, st := newSync(t, p, Options{Cache: c})
	_, err := s.Poll(context.Background())
	require.NoError(t, err)
	cacheView(c, st.Snapshot(), model.ResourcePlanningStage)

	p.set(respond(model.PollResult{ServerVersion: 4}))
	out, err := s.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, out.FullRefresh)

	_, stale, ok := cache.GetAs[[]model.Change](c, ChangesKey(model.ResourcePlanningStage))
	require.True(t, ok)
	assert.True(t, stale)
}

func TestSyncChangeViewsRereadsEveryListedID(t *testing.T) {
	c := cache.New(cache.Options{})
	key := ChangesKey(model.ResourcePlanningStage)
	c.Set(key, []model.Change{change("gone", "u-1", t0, 1), change("a", "u-1", t0, 1)}, TagChanges, key)

	st := store.New(store.Options{})
	snap, err := st.Update(func(tx *store.Tx) error {
		tx.UpsertChange(change("a", "u-1", t0, 5))
		tx.UpsertChange(change("new", "u-2", t0.Add(time.Second), 6))
		return nil
	})
	require.NoError(t, err)

	require.True(t, SyncChangeViews(c, snap, []model.Change{{ID: "new", ResourceType: model.ResourcePlanningStage}}))
	view, _, ok := cache.GetAs[[]model.Change](c, key)
	require.True(t, ok)
	require.Len(t, view, 2)
	assert.Equal(t, "new", view[0].ID)
	assert.Equal(t, "a", view[1].ID)
	assert.Equal(t, int64(5), view[1].Version, "listed ids take the committed version")
}

func TestSyncChangeViewsInvalidatesUnpatchableView(t *testing.T) {
	c := cache.New(cache.Options{})
	key := ChangesKey(model.ResourcePlanningStage)
	c.Set(key, "not a change list", TagChanges, key)

	ok := SyncChangeViews(c, model.NewState(), []model.Change{change("a", "u-1", t0, 1)})
	assert.False(t, ok)
	_, stale, found := c.Get(key)
	require.True(t, found)
	assert.True(t, stale)
}
