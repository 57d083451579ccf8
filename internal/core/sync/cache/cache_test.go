package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time {
	return time.Unix(0, c.now.Load())
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}

func TestSetGet(t *testing.T) {
	m := New(Options{})

	_, _, ok := m.Get("missing")
	assert.False(t, ok)

	m.Set("notifications:unread", 3, "notifications")
	v, stale, ok := m.Get("notifications:unread")
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, 3, v)

	st := m.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
	assert.Equal(t, 1, st.Bytes)
}

func TestPatch(t *testing.T) {
	m := New(Options{})
	m.Set("list", []string{"b"}, "notifications")

	err := PatchAs(m, "list", func(old []string) ([]string, error) {
		return append([]string{"a"}, old...), nil
	})
	require.NoError(t, err)

	v, _, ok := GetAs[[]string](m, "list")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, v)
	assert.Equal(t, uint64(1), m.Stats().Patches)
}

func TestPatchFailuresLeaveEntryUntouched(t *testing.T) {
	m := New(Options{})
	m.Set("count", 5, "notifications")

	err := m.Patch("count", func(any) (any, error) { panic("boom") })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPanicked)

	err = m.Patch("count", func(any) (any, error) { return nil, errors.New("cannot express") })
	require.Error(t, err)

	err = PatchAs(m, "count", func(s string) (string, error) { return s, nil })
	require.Error(t, err, "type mismatch must fail")

	v, _, _ := m.Get("count")
	assert.Equal(t, 5, v)
	assert.Equal(t, uint64(3), m.Stats().PatchFailures)

	assert.ErrorIs(t, m.Patch("absent", func(v any) (any, error) { return v, nil }), ErrNotCached)
}

func TestInvalidateByTag(t *testing.T) {
	m := New(Options{Shards: 4})
	m.Set("a", 1, "notifications", "user:1")
	m.Set("b", 2, "changes")
	m.Set("c", 3, "user:1")

	assert.Equal(t, 2, m.Invalidate("user:1"))
	assert.Equal(t, 0, m.Invalidate("user:1"), "already stale")

	_, stale, ok := m.Get("a")
	require.True(t, ok)
	assert.True(t, stale)
	_, stale, _ = m.Get("b")
	assert.False(t, stale)

	assert.ErrorIs(t, m.Patch("a", func(v any) (any, error) { return v, nil }), ErrStale)

	// Set refreshes a stale entry.
	m.Set("a", 10, "notifications")
	_, stale, _ = m.Get("a")
	assert.False(t, stale)

	assert.True(t, m.InvalidateKey("b"))
	assert.False(t, m.InvalidateKey("b"))
	assert.Equal(t, 2, m.Stats().StaleEntries)
}

func TestSweepRemovesUnused(t *testing.T) {
	clock := newFakeClock()
	m := New(Options{TTL: time.Minute, Now: clock.Now})

	m.Set("old", 1)
	m.Set("used", 2)
	clock.Advance(50 * time.Second)
	m.Get("used")
	clock.Advance(20 * time.Second)

	assert.Equal(t, 1, m.Sweep())
	_, _, ok := m.Get("old")
	assert.False(t, ok)
	_, _, ok = m.Get("used")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), m.Stats().Evictions)
}

func TestReadsDuringSweep(t *testing.T) {
	m := New(Options{TTL: time.Nanosecond})
	for i := range 200 {
		m.Set(strconv.Itoa(i), i, "bulk")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			m.Sweep()
			m.Invalidate("bulk")
		}
	}()

	for i := range 10_000 {
		m.Get(strconv.Itoa(i % 200))
	}
	cancel()
	wg.Wait()
}

func TestRunStopsOnCancel(t *testing.T) {
	m := New(Options{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(Options{}), New(Options{})
	a.Set("k", 1)
	_, _, ok := b.Get("k")
	assert.False(t, ok)
}
