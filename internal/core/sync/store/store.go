// Package store holds the single source of truth of the synchronization engine.
//
// Readers get immutable snapshots without locking. Writers go through Update,
// which runs a transaction against a private copy and publishes it in one
// atomic step, so no reader can observe a half-applied merge. A transaction
// that leaves the state inconsistent is replaced by the last snapshot that
// passed the consistency checks and the SelfHealing flag is raised.
package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
)

var ErrClosed = errors.New("state store is closed")

type CommitFunc func(prev, next *model.SynchronizationState)

type Options struct {
	RecentCap   int
	ResolvedCap int
	Logger      log.Log
	// OnCommit runs after every committed transition, outside the write lock.
	OnCommit CommitFunc
	Now      func() time.Time
}

type Store struct {
	mu       sync.Mutex
	current  atomic.Pointer[model.SynchronizationState]
	lastGood *model.SynchronizationState
	closed   atomic.Bool

	recentCap   int
	resolvedCap int
	logger      log.Log
	onCommit    CommitFunc
	now         func() time.Time
}

func New(opts Options) *Store {
	if opts.RecentCap <= 0 {
		opts.RecentCap = model.DefaultRecentCap
	}
	if opts.ResolvedCap <= 0 {
		opts.ResolvedCap = model.DefaultResolvedCap
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		recentCap:   opts.RecentCap,
		resolvedCap: opts.ResolvedCap,
		logger:      opts.Logger.With(log.String("component", "store")),
		onCommit:    opts.OnCommit,
		now:         opts.Now,
	}
	initial := model.NewState()
	s.current.Store(initial)
	s.lastGood = initial
	return s
}

// Snapshot returns the latest committed state. It never blocks.
func (s *Store) Snapshot() *model.SynchronizationState {
	return s.current.Load()
}

func (s *Store) RecentCap() int {
	return s.recentCap
}

// Update runs fn against a transaction and commits the result atomically.
// When fn returns an error nothing is committed, except for data corruption,
// which rolls the state back to the last known good snapshot.
func (s *Store) Update(fn func(tx *Tx) error) (*model.SynchronizationState, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	prev := s.current.Load()
	tx := newTx(prev, s.recentCap, s.resolvedCap, s.now)

	err := fn(tx)
	if err == nil {
		if checkErr := Check(tx.next, s.recentCap); checkErr != nil {
			err = checkErr
		}
	}

	var next *model.SynchronizationState
	switch {
	case err == nil:
		next = tx.next
		next.Revision = prev.Revision + 1
		s.lastGood = next
	case errors.Is(err, errs.ErrDataCorruption):
		next = s.rollbackLocked(prev)
		s.logger.Error("State rolled back to last known good snapshot",
			log.Uint64("from_revision", prev.Revision),
			log.Uint64("to_revision", next.Revision),
			log.Error(err))
	default:
		s.mu.Unlock()
		return prev, err
	}
	s.current.Store(next)
	s.mu.Unlock()

	if s.onCommit != nil {
		s.onCommit(prev, next)
	}
	return next, err
}

func (s *Store) rollbackLocked(prev *model.SynchronizationState) *model.SynchronizationState {
	restored := s.lastGood.Clone()
	restored.Revision = prev.Revision + 1
	restored.SelfHealing = true
	restored.ConnectionStatus = prev.ConnectionStatus
	restored.Metrics = prev.Metrics
	restored.Metrics.Rollbacks++
	return restored
}

// Close tears the store down. Later updates fail with ErrClosed, so results of
// operations that outlive the session are dropped.
func (s *Store) Close() {
	s.closed.Store(true)
}

func (s *Store) Closed() bool {
	return s.closed.Load()
}
