// Package cache keeps derived query results consistent with raw change data.
//
// Results are stored under a query key together with a set of tags. A
// targeted Patch mutates one result in place of a refetch; Invalidate marks
// every result carrying a tag as stale so consumers refetch lazily. Entries
// unused for longer than the TTL are removed by Sweep.
//
// Reads are lock free: every shard publishes an immutable map through an
// atomic pointer and writers replace it under the shard's write lock.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/livesync/internal/core/observability/log"
)

var (
	ErrNotCached = errors.New("cache: key not cached")
	ErrStale     = errors.New("cache: entry is stale")
	ErrPanicked  = errors.New("cache: patch mutator panicked")
)

const (
	DefaultShards        = 16
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Mutator returns the replacement for a cached value. It must not retain old.
type Mutator func(old any) (any, error)

type Options struct {
	Shards        int
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        log.Log
	Now           func() time.Time
	// Sizer estimates the memory held by a value. Defaults to its JSON size.
	Sizer func(any) int
}

type entry struct {
	value      any
	tags       map[string]struct{}
	stale      bool
	size       int
	lastAccess atomic.Int64
}

func (e *entry) with(value any, size int, stale bool) *entry {
	n := &entry{value: value, tags: e.tags, stale: stale, size: size}
	n.lastAccess.Store(e.lastAccess.Load())
	return n
}

func (e *entry) hasAny(tags []string) bool {
	for _, t := range tags {
		if _, ok := e.tags[t]; ok {
			return true
		}
	}
	return false
}

type shard struct {
	mx      sync.Mutex
	entries atomic.Pointer[map[string]*entry]
}

func (s *shard) load() map[string]*entry {
	return *s.entries.Load()
}

// mutate runs fn against a private copy of the shard map and publishes it.
// Callers hold s.mx.
func (s *shard) mutate(fn func(m map[string]*entry)) {
	next := maps.Clone(s.load())
	fn(next)
	s.entries.Store(&next)
}

type Manager struct {
	shards        []*shard
	count         uint32
	ttl           time.Duration
	sweepInterval time.Duration
	logger        log.Log
	now           func() time.Time
	sizer         func(any) int

	hits          atomic.Uint64
	misses        atomic.Uint64
	patches       atomic.Uint64
	patchFailures atomic.Uint64
	invalidations atomic.Uint64
	evictions     atomic.Uint64
}

func New(opts Options) *Manager {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sizer == nil {
		opts.Sizer = jsonSize
	}

	m := &Manager{
		shards:        make([]*shard, opts.Shards),
		count:         uint32(opts.Shards),
		ttl:           opts.TTL,
		sweepInterval: opts.SweepInterval,
		logger:        opts.Logger.With(log.String("component", "cache")),
		now:           opts.Now,
		sizer:         opts.Sizer,
	}
	for i := range m.shards {
		s := &shard{}
		empty := make(map[string]*entry)
		s.entries.Store(&empty)
		m.shards[i] = s
	}
	return m
}

func (m *Manager) shardFor(key string) *shard {
	return m.shards[uint32(xxhash.Sum64String(key))%m.count]
}

func (m *Manager) touch(e *entry) {
	e.lastAccess.Store(m.now().UnixNano())
}

// Get returns the cached value for key. A stale value is still returned so
// the caller can render it while refetching.
func (m *Manager) Get(key string) (value any, stale bool, ok bool) {
	e, found := m.shardFor(key).load()[key]
	if !found {
		m.misses.Add(1)
		return nil, false, false
	}
	m.touch(e)
	if e.stale {
		m.misses.Add(1)
	} else {
		m.hits.Add(1)
	}
	return e.value, e.stale, true
}

// Set stores a fresh value under key, replacing any previous entry and tags.
func (m *Manager) Set(key string, value any, tags ...string) {
	e := &entry{
		value: value,
		tags:  make(map[string]struct{}, len(tags)),
		size:  m.sizer(value),
	}
	for _, t := range tags {
		e.tags[t] = struct{}{}
	}
	m.touch(e)

	s := m.shardFor(key)
	s.mx.Lock()
	defer s.mx.Unlock()
	s.mutate(func(entries map[string]*entry) {
		entries[key] = e
	})
}

// Patch applies fn to the cached value of key. The entry is left untouched
// when fn fails or panics; callers fall back to Invalidate.
func (m *Manager) Patch(key string, fn Mutator) (err error) {
	s := m.shardFor(key)
	s.mx.Lock()
	defer s.mx.Unlock()

	defer func() {
		if err != nil {
			m.patchFailures.Add(1)
		}
	}()

	e, ok := s.load()[key]
	if !ok {
		return fmt.Errorf("patch %q: %w", key, ErrNotCached)
	}
	if e.stale {
		return fmt.Errorf("patch %q: %w", key, ErrStale)
	}

	next, err := safeApply(fn, e.value)
	if err != nil {
		return fmt.Errorf("patch %q: %w", key, err)
	}

	patched := e.with(next, m.sizer(next), false)
	m.touch(patched)
	s.mutate(func(entries map[string]*entry) {
		entries[key] = patched
	})
	m.patches.Add(1)
	return nil
}

func safeApply(fn Mutator, old any) (next any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return fn(old)
}

// Invalidate marks every entry carrying any of tags as stale and returns how
// many entries changed.
func (m *Manager) Invalidate(tags ...string) int {
	if len(tags) == 0 {
		return 0
	}
	marked := 0
	for _, s := range m.shards {
		s.mx.Lock()
		var hit []string
		for k, e := range s.load() {
			if !e.stale && e.hasAny(tags) {
				hit = append(hit, k)
			}
		}
		if len(hit) > 0 {
			s.mutate(func(entries map[string]*entry) {
				for _, k := range hit {
					entries[k] = entries[k].with(entries[k].value, entries[k].size, true)
				}
			})
			marked += len(hit)
		}
		s.mx.Unlock()
	}
	if marked > 0 {
		m.invalidations.Add(uint64(marked))
		m.logger.Debug("cache entries invalidated", log.Strings("tags", tags), log.Int("entries", marked))
	}
	return marked
}

// InvalidateKey marks a single entry stale.
func (m *Manager) InvalidateKey(key string) bool {
	s := m.shardFor(key)
	s.mx.Lock()
	defer s.mx.Unlock()

	e, ok := s.load()[key]
	if !ok || e.stale {
		return false
	}
	s.mutate(func(entries map[string]*entry) {
		entries[key] = e.with(e.value, e.size, true)
	})
	m.invalidations.Add(1)
	return true
}

func (m *Manager) Delete(key string) bool {
	s := m.shardFor(key)
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.load()[key]; !ok {
		return false
	}
	s.mutate(func(entries map[string]*entry) {
		delete(entries, key)
	})
	return true
}

// Sweep removes entries that were not read or written within the TTL.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.ttl).UnixNano()
	removed := 0
	for _, s := range m.shards {
		var expired []string
		for k, e := range s.load() {
			if e.lastAccess.Load() < cutoff {
				expired = append(expired, k)
			}
		}
		if len(expired) == 0 {
			continue
		}

		s.mx.Lock()
		s.mutate(func(entries map[string]*entry) {
			for _, k := range expired {
				// a concurrent read may have refreshed it since the scan
				if e, ok := entries[k]; ok && e.lastAccess.Load() < cutoff {
					delete(entries, k)
					removed++
				}
			}
		})
		s.mx.Unlock()
	}
	if removed > 0 {
		m.evictions.Add(uint64(removed))
	}
	return removed
}

// Run sweeps on every interval tick until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := m.Sweep()
			st := m.Stats()
			m.logger.Debug("cache swept",
				log.Int("removed", removed),
				log.Int("entries", st.Entries),
				log.Int("bytes", st.Bytes),
				log.Float64("hit_rate", st.HitRate),
			)
		}
	}
}

type Stats struct {
	Entries       int
	StaleEntries  int
	Bytes         int
	Hits          uint64
	Misses        uint64
	HitRate       float64
	Patches       uint64
	PatchFailures uint64
	Invalidations uint64
	Evictions     uint64
}

func (m *Manager) Stats() Stats {
	st := Stats{
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Patches:       m.patches.Load(),
		PatchFailures: m.patchFailures.Load(),
		Invalidations: m.invalidations.Load(),
		Evictions:     m.evictions.Load(),
	}
	for _, s := range m.shards {
		for _, e := range s.load() {
			st.Entries++
			st.Bytes += e.size
			if e.stale {
				st.StaleEntries++
			}
		}
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

func jsonSize(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return len(x)
	case []byte:
		return len(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// GetAs is Get with a type assertion. A value of another type reads as a miss.
func GetAs[T any](m *Manager, key string) (T, bool, bool) {
	var zero T
	v, stale, ok := m.Get(key)
	if !ok {
		return zero, false, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false, false
	}
	return t, stale, true
}

// PatchAs is Patch over a typed mutator.
func PatchAs[T any](m *Manager, key string, fn func(T) (T, error)) error {
	return m.Patch(key, func(old any) (any, error) {
		t, ok := old.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("cached value is %T, not %T", old, zero)
		}
		return fn(t)
	})
}
