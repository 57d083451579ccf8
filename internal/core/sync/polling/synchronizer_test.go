package polling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/livesync/internal/core/sync/backoff"
	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/store"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type pollFunc func(ctx context.Context, since int64) (model.PollResult, error)

type fakePoller struct {
	mx     sync.Mutex
	calls  atomic.Int32
	sinces []int64
	fn     pollFunc
}

func (p *fakePoller) Poll(ctx context.Context, since int64) (model.PollResult, error) {
	p.calls.Add(1)
	p.mx.Lock()
	p.sinces = append(p.sinces, since)
	fn := p.fn
	p.mx.Unlock()
	return fn(ctx, since)
}

func (p *fakePoller) set(fn pollFunc) {
	p.mx.Lock()
	p.fn = fn
	p.mx.Unlock()
}

func respond(res model.PollResult) pollFunc {
	return func(context.Context, int64) (model.PollResult, error) { return res, nil }
}

func fail(err error) pollFunc {
	return func(context.Context, int64) (model.PollResult, error) { return model.PollResult{}, err }
}

type fakeReconciler struct {
	seen [][]model.Change
}

func (r *fakeReconciler) Reconcile(_ *store.Tx, incoming []model.Change) []model.Conflict {
	r.seen = append(r.seen, incoming)
	return nil
}

func change(id, actor string, at time.Time, version int64) model.Change {
	return model.Change{
		ID:           id,
		ActorID:      actor,
		Kind:         model.KindUpdate,
		ResourceID:   "stage-" + id,
		ResourceType: model.ResourcePlanningStage,
		Timestamp:    at,
		Version:      version,
	}
}

func newSync(t *testing.T, p Poller, opts Options) (*Synchronizer, *store.Store) {
	t.Helper()
	st := store.New(store.Options{})
	opts.Store = st
	opts.Poller = p
	if opts.Backoff.Base == 0 {
		opts.Backoff = backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3}
	}
	s := New(opts)
	t.Cleanup(s.Stop)
	return s, st
}

func TestPollMergesIncrementally(t *testing.T) {
	p := &fakePoller{fn: respond(model.PollResult{
		ActiveUsers:   []model.ActiveUser{{ID: "u-1", Name: "Anna", Role: model.RoleEditor, IsOnline: true}},
		Changes:       []model.Change{change("a", "u-1", t0, 1), change("b", "u-1", t0.Add(time.Second), 2)},
		ServerVersion: 2,
	})}
	rec := &fakeReconciler{}
	s, st := newSync(t, p, Options{Reconciler: rec})

	_, err := st.Update(func(tx *store.Tx) error {
		tx.UpsertChange(change("local", "me", t0.Add(-time.Second), 0))
		return nil
	})
	require.NoError(t, err)

	out, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, out.Applied, 2)
	assert.False(t, out.FullRefresh)

	snap := st.Snapshot()
	ids := make([]string, 0, len(snap.RecentChanges))
	for _, c := range snap.RecentChanges {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"b", "a", "local"}, ids, "union sorted most recent first")
	assert.Equal(t, int64(2), snap.ServerVersion)
	assert.Equal(t, model.StatusConnected, snap.ConnectionStatus)
	assert.Empty(t, snap.PollingError)
	assert.False(t, snap.LastSyncedAt.IsZero())
	assert.Equal(t, uint64(1), snap.Metrics.Polls)
	require.Len(t, snap.ActiveUsers, 1)
	assert.Len(t, rec.seen, 1)
	assert.Equal(t, []int64{0}, p.sinces)
	assert.Equal(t, PhaseIdle, s.Phase())

	// second poll asks from the watermark and keeps the higher version on duplicates
	p.set(respond(model.PollResult{
		Changes:       []model.Change{change("a", "u-1", t0, 3), change("b", "u-1", t0.Add(time.Second), 1)},
		ServerVersion: 3,
	}))
	out, err = s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2}, p.sinces)
	require.Len(t, out.Applied, 1)
	assert.Equal(t, "a", out.Applied[0].ID)

	a, _ := st.Snapshot().FindChange("a")
	assert.Equal(t, int64(3), a.Version)
	b, _ := st.Snapshot().FindChange("b")
	assert.Equal(t, int64(2), b.Version)
}

func TestPollCoalescesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	p := &fakePoller{fn: func(context.Context, int64) (model.PollResult, error) {
		<-release
		return model.PollResult{ServerVersion: 1}, nil
	}}
	var outcomes atomic.Int32
	s, _ := newSync(t, p, Options{OnOutcome: func(Outcome, error) { outcomes.Add(1) }})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Poll(context.Background())
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return s.Phase() == PhasePolling }, time.Second, time.Millisecond)
	// give the other callers time to join the in-flight poll
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int32(1), outcomes.Load())
}

func TestRegressionForcesFullRefresh(t *testing.T) {
	p := &fakePoller{fn: respond(model.PollResult{
		Changes:       []model.Change{change("old", "u-1", t0, 10)},
		ServerVersion: 10,
	})}
	s, st := newSync(t, p, Options{})
	_, err := s.Poll(context.Background())
	require.NoError(t, err)

	_, err = st.Update(func(tx *store.Tx) error {
		pending := change("mine", "me", t0.Add(time.Minute), 99)
		tx.PutPending(model.PendingChange{Change: pending, Status: model.PendingQueued})
		tx.UpsertChange(pending)
		return nil
	})
	require.NoError(t, err)

	p.set(func(_ context.Context, since int64) (model.PollResult, error) {
		if since == 0 {
			return model.PollResult{
				Changes:       []model.Change{change("fresh", "u-2", t0.Add(time.Second), 4)},
				ServerVersion: 4,
			}, nil
		}
		return model.PollResult{Changes: []model.Change{change("stale", "u-2", t0, 5)}, ServerVersion: 5}, nil
	})

	out, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, out.FullRefresh)
	assert.Equal(t, []int64{0, 10, 0}, p.sinces)

	snap := st.Snapshot()
	assert.Equal(t, int64(4), snap.ServerVersion)
	assert.Equal(t, uint64(1), snap.Metrics.FullRefreshes)
	ids := make([]string, 0, len(snap.RecentChanges))
	for _, c := range snap.RecentChanges {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"mine", "fresh"}, ids, "no incremental merge of the regressed response")
}

func TestFullRefreshKeepsPendingChangeTheServerAlreadyHas(t *testing.T) {
	p := &fakePoller{fn: respond(model.PollResult{ServerVersion: 10})}
	s, st := newSync(t, p, Options{OfflineThreshold: 2})
	_, err := s.Poll(context.Background())
	require.NoError(t, err)

	// accepted by the server but the answer was lost, so still pending
	mine := change("mine", "me", t0.Add(time.Minute), 99)
	_, err = st.Update(func(tx *store.Tx) error {
		tx.PutPending(model.PendingChange{Change: mine, Status: model.PendingRetrying})
		tx.UpsertChange(mine)
		return nil
	})
	require.NoError(t, err)

	p.set(respond(model.PollResult{
		Changes:       []model.Change{change("mine", "me", t0.Add(time.Minute), 4)},
		ServerVersion: 4,
	}))
	for i := 0; i < 3; i++ {
		out, err := s.Poll(context.Background())
		require.NoError(t, err, "poll %d", i)
		assert.Equal(t, i == 0, out.FullRefresh, "poll %d", i)
	}

	snap := st.Snapshot()
	assert.Equal(t, int64(4), snap.ServerVersion)
	assert.False(t, snap.SelfHealing)
	assert.Zero(t, snap.Metrics.Rollbacks)
	assert.Equal(t, model.StatusConnected, snap.ConnectionStatus)
	require.Len(t, snap.RecentChanges, 1)
	assert.Equal(t, int64(99), snap.RecentChanges[0].Version, "higher version wins")
	assert.Contains(t, snap.PendingChanges, "mine")
}

type corruptingReconciler struct{}

func (corruptingReconciler) Reconcile(tx *store.Tx, _ []model.Change) []model.Conflict {
	tx.PutPending(model.PendingChange{Change: change("ghost", "me", t0, 1)})
	return nil
}

func TestCorruptMergeRollsBackOnce(t *testing.T) {
	p := &fakePoller{fn: respond(model.PollResult{ServerVersion: 3})}
	s, st := newSync(t, p, Options{Reconciler: corruptingReconciler{}})

	_, err := s.Poll(context.Background())
	require.ErrorIs(t, err, errs.ErrDataCorruption)

	snap := st.Snapshot()
	assert.True(t, snap.SelfHealing)
	assert.Equal(t, uint64(1), snap.Metrics.Rollbacks)
	assert.Equal(t, uint64(1), snap.Metrics.PollFailures)
	assert.Zero(t, snap.ServerVersion)
	assert.Empty(t, snap.PendingChanges)
}

func TestFailuresDriveConnectionStatus(t *testing.T) {
	p := &fakePoller{fn: fail(errs.FromStatus("poll", 503, "unavailable"))}
	var errsSeen atomic.Int32
	s, st := newSync(t, p, Options{OfflineThreshold: 3, OnOutcome: func(_ Outcome, err error) {
		if err != nil {
			errsSeen.Add(1)
		}
	}})

	_, err := s.Poll(context.Background())
	require.Error(t, err)
	snap := st.Snapshot()
	assert.Equal(t, model.StatusDisconnected, snap.ConnectionStatus)
	assert.Contains(t, snap.PollingError, "unavailable")
	assert.Equal(t, PhaseBackoff, s.Phase())

	_, _ = s.Poll(context.Background())
	_, _ = s.Poll(context.Background())
	snap = st.Snapshot()
	assert.Equal(t, model.StatusOffline, snap.ConnectionStatus)
	assert.Equal(t, uint64(3), snap.Metrics.PollFailures)
	assert.Equal(t, int32(3), errsSeen.Load())
	assert.Equal(t, 3, s.Failures())

	p.set(respond(model.PollResult{ServerVersion: 1}))
	out, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	snap = st.Snapshot()
	assert.Equal(t, model.StatusConnected, snap.ConnectionStatus)
	assert.Empty(t, snap.PollingError)
	assert.Zero(t, s.Failures())
}

func TestCorruptResponseRollsBack(t *testing.T) {
	p := &fakePoller{fn: respond(model.PollResult{ServerVersion: -1})}
	s, st := newSync(t, p, Options{})

	_, err := s.Poll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDataCorruption)

	snap := st.Snapshot()
	assert.True(t, snap.SelfHealing)
	assert.Equal(t, uint64(1), snap.Metrics.Rollbacks)
	assert.Zero(t, snap.ServerVersion)
}

func TestStopDropsInflightResult(t *testing.T) {
	started := make(chan struct{})
	p := &fakePoller{fn: func(ctx context.Context, _ int64) (model.PollResult, error) {
		close(started)
		<-ctx.Done()
		return model.PollResult{Changes: []model.Change{change("late", "u", t0, 1)}, ServerVersion: 1}, nil
	}}
	s, st := newSync(t, p, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Poll(context.Background())
		done <- err
	}()
	<-started
	before := st.Snapshot()
	st.Close()
	s.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, store.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("poll did not finish after stop")
	}
	assert.Same(t, before, st.Snapshot(), "a torn-down store is never mutated")
}

func TestPollWaitHonorsCallerContext(t *testing.T) {
	release := make(chan struct{})
	p := &fakePoller{fn: func(context.Context, int64) (model.PollResult, error) {
		<-release
		return model.PollResult{}, nil
	}}
	s, _ := newSync(t, p, Options{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextDelay(t *testing.T) {
	p := &fakePoller{fn: fail(errors.New("dial tcp: refused"))}
	s, _ := newSync(t, p, Options{
		Intervals: Intervals{Live: 100 * time.Millisecond, Passive: time.Second},
		Backoff:   backoff.Policy{Base: 7 * time.Millisecond, Max: time.Second, MaxAttempts: 5},
	})

	assert.Equal(t, 100*time.Millisecond, s.NextDelay())
	s.SetClass(ClassPassive)
	assert.Equal(t, time.Second, s.NextDelay())

	_, _ = s.Poll(context.Background())
	assert.Equal(t, 7*time.Millisecond, s.NextDelay())
	_, _ = s.Poll(context.Background())
	assert.Equal(t, 14*time.Millisecond, s.NextDelay())

	s.SetIntervals(Intervals{Passive: 5 * time.Second})
	assert.Equal(t, 100*time.Millisecond, s.Intervals().Live, "unset values keep the current cadence")
	assert.Equal(t, 5*time.Second, s.Intervals().Passive)
}

func TestRunPausesInBackground(t *testing.T) {
	p := &fakePoller{fn: respond(model.PollResult{ServerVersion: 1})}
	s, _ := newSync(t, p, Options{Intervals: Intervals{Live: 2 * time.Millisecond, Passive: time.Second}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, time.Millisecond)

	s.Background()
	assert.True(t, s.Paused())
	time.Sleep(10 * time.Millisecond)
	paused := p.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, p.calls.Load(), paused+1, "no scheduled polls while backgrounded")

	s.SetIntervals(Intervals{Live: time.Hour})
	time.Sleep(5 * time.Millisecond)
	resumedFrom := p.calls.Load()
	s.Foreground()
	require.Eventually(t, func() bool { return p.calls.Load() == resumedFrom+1 }, time.Second, time.Millisecond,
		"foreground fires one poll immediately")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
