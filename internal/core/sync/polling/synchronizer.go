// Package polling keeps the state store in step with the server by fetching
// its state on a schedule.
//
// A poll moves the synchronizer through Idle → Polling → MergeSuccess → Idle,
// or Idle → Polling → MergeFailure → Backoff → Idle. At most one fetch is in
// flight: concurrent Poll calls share its outcome.
package polling

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/backoff"
	"github.com/zeusync/livesync/internal/core/sync/cache"
	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/store"
	"github.com/zeusync/livesync/internal/core/sync/validate"
)

// Poller fetches server state. since is the last merged server version; zero
// asks for a full snapshot.
type Poller interface {
	Poll(ctx context.Context, since int64) (model.PollResult, error)
}

// Reconciler opens conflicts between incoming changes and pending local ones.
type Reconciler interface {
	Reconcile(tx *store.Tx, incoming []model.Change) []model.Conflict
}

type Phase int32

const (
	PhaseIdle Phase = iota
	PhasePolling
	PhaseMergeSuccess
	PhaseMergeFailure
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePolling:
		return "polling"
	case PhaseMergeSuccess:
		return "merge_success"
	case PhaseMergeFailure:
		return "merge_failure"
	case PhaseBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Class selects the cadence. Live surfaces are being edited; passive ones
// are only displayed.
type Class string

const (
	ClassLive    Class = "live"
	ClassPassive Class = "passive"
)

type Intervals struct {
	Live    time.Duration `yaml:"live"`
	Passive time.Duration `yaml:"passive"`
	// Jitter spreads every interval over ±Jitter of its value.
	Jitter float64 `yaml:"jitter"`
}

func DefaultIntervals() Intervals {
	return Intervals{Live: 2 * time.Second, Passive: 30 * time.Second, Jitter: 0.1}
}

func (iv Intervals) For(class Class) time.Duration {
	if class == ClassPassive {
		return iv.Passive
	}
	return iv.Live
}

// Outcome is the result of one network poll, shared by every coalesced caller.
type Outcome struct {
	Result      model.PollResult
	Applied     []model.Change
	Opened      []model.Conflict
	FullRefresh bool
	// Recovered is set on the first success after one or more failures.
	Recovered bool
	Latency   time.Duration
}

type OutcomeFunc func(Outcome, error)

type Options struct {
	Store      *store.Store
	Poller     Poller
	Reconciler Reconciler
	// Cache holds the change views kept in step with every merge; optional.
	Cache     *cache.Manager
	Intervals Intervals
	Backoff    backoff.Policy
	// OfflineThreshold is the number of consecutive failures after which the
	// connection is reported offline.
	OfflineThreshold int
	Class            Class
	// OnOutcome is called once per network poll, after its merge.
	OnOutcome OutcomeFunc
	Logger    log.Log
	Now       func() time.Time
}

type Synchronizer struct {
	store      *store.Store
	poller     Poller
	reconciler Reconciler
	cache      *cache.Manager
	backoff    backoff.Policy
	threshold  int
	onOutcome  OutcomeFunc
	logger     log.Log
	now        func() time.Time

	group     singleflight.Group
	phase     atomic.Int32
	failures  atomic.Int32
	paused    atomic.Bool
	class     atomic.Value
	intervals atomic.Pointer[Intervals]
	wake      chan struct{}

	lifetime context.Context
	cancel   context.CancelFunc
}

func New(opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = 3
	}
	if opts.Class == "" {
		opts.Class = ClassLive
	}
	if opts.Backoff.MaxAttempts == 0 && opts.Backoff.Base == 0 {
		opts.Backoff = backoff.DefaultPolicy()
	}
	iv := opts.Intervals
	if iv.Live <= 0 || iv.Passive <= 0 {
		def := DefaultIntervals()
		iv.Live = cmpOr(iv.Live, def.Live)
		iv.Passive = cmpOr(iv.Passive, def.Passive)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		store:      opts.Store,
		poller:     opts.Poller,
		reconciler: opts.Reconciler,
		cache:      opts.Cache,
		backoff:    opts.Backoff,
		threshold:  opts.OfflineThreshold,
		onOutcome:  opts.OnOutcome,
		logger:     opts.Logger.With(log.String("component", "polling")),
		now:        opts.Now,
		wake:       make(chan struct{}, 1),
		lifetime:   ctx,
		cancel:     cancel,
	}
	s.class.Store(opts.Class)
	s.intervals.Store(&iv)
	return s
}

func cmpOr(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func (s *Synchronizer) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Synchronizer) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

func (s *Synchronizer) Failures() int {
	return int(s.failures.Load())
}

// Poll fetches and merges server state. A call made while a fetch is already
// in flight waits for that fetch instead of starting another one. ctx bounds
// only the wait; the fetch itself lives as long as the synchronizer.
func (s *Synchronizer) Poll(ctx context.Context) (Outcome, error) {
	ch := s.group.DoChan("poll", func() (any, error) {
		return s.pollOnce(s.lifetime)
	})
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		out, _ := res.Val.(Outcome)
		return out, res.Err
	}
}

func (s *Synchronizer) pollOnce(ctx context.Context) (Outcome, error) {
	s.setPhase(PhasePolling)
	start := s.now()

	base := s.store.Snapshot()
	res, err := s.fetch(ctx, base.ServerVersion)
	latency := s.now().Sub(start)
	if err != nil {
		return s.fail(err, true)
	}

	out := Outcome{Result: res, Latency: latency, Recovered: s.failures.Load() > 0}
	err = s.merge(res, latency, &out)
	if errors.Is(err, errs.ErrOrdering) {
		s.logger.Warn("Server version regressed, forcing full refresh",
			log.Int64("server_version", res.ServerVersion),
			log.Int64("watermark", s.store.Snapshot().ServerVersion))
		full, ferr := s.fetch(ctx, 0)
		if ferr != nil {
			return s.fail(ferr, true)
		}
		out = Outcome{Result: full, Latency: s.now().Sub(start), Recovered: out.Recovered, FullRefresh: true}
		err = s.refresh(full, out.Latency, &out)
	}
	if err != nil {
		// the store has already restored the last good snapshot for a
		// corruption raised inside merge or refresh
		return s.fail(err, false)
	}

	s.failures.Store(0)
	s.setPhase(PhaseMergeSuccess)
	if s.onOutcome != nil {
		s.onOutcome(out, nil)
	}
	s.setPhase(PhaseIdle)
	return out, nil
}

func (s *Synchronizer) fetch(ctx context.Context, since int64) (model.PollResult, error) {
	res, err := s.poller.Poll(ctx, since)
	if err != nil {
		return model.PollResult{}, err
	}
	if err = validate.CheckPoll(res); err != nil {
		return model.PollResult{}, err
	}
	return res, nil
}

func (s *Synchronizer) merge(res model.PollResult, latency time.Duration, out *Outcome) error {
	next, err := s.store.Update(func(tx *store.Tx) error {
		if err := tx.AdvanceServerVersion(res.ServerVersion); err != nil {
			return err
		}
		tx.ReplaceActiveUsers(res.ActiveUsers)
		out.Applied = tx.MergeChanges(res.Changes)
		if s.reconciler != nil {
			out.Opened = s.reconciler.Reconcile(tx, res.Changes)
		}
		s.markSynced(tx, latency)
		return nil
	})
	if err == nil && !SyncChangeViews(s.cache, next, out.Applied) {
		s.logger.Debug("Change views invalidated after a failed patch")
	}
	return err
}

// refresh installs a full snapshot. Pending local changes stay on top of it;
// one the server already lists keeps whichever copy has the higher version.
func (s *Synchronizer) refresh(res model.PollResult, latency time.Duration, out *Outcome) error {
	_, err := s.store.Update(func(tx *store.Tx) error {
		pending := make([]model.Change, 0, len(tx.State().PendingChanges))
		for _, p := range tx.State().PendingChanges {
			pending = append(pending, p.Change)
		}
		tx.ReplaceRecent(nil)
		tx.MergeChanges(res.Changes)
		tx.MergeChanges(pending)
		tx.ResetServerVersion(res.ServerVersion)
		tx.ReplaceActiveUsers(res.ActiveUsers)
		out.Applied = slices.Clone(res.Changes)
		if s.reconciler != nil {
			out.Opened = s.reconciler.Reconcile(tx, res.Changes)
		}
		tx.Metrics().FullRefreshes++
		s.markSynced(tx, latency)
		return nil
	})
	if err == nil && s.cache != nil {
		s.cache.Invalidate(TagChanges)
	}
	return err
}

func (s *Synchronizer) markSynced(tx *store.Tx, latency time.Duration) {
	m := tx.Metrics()
	m.Polls++
	m.AvgPollLatency += (latency - m.AvgPollLatency) / time.Duration(m.Polls)
	tx.SetLastSyncedAt(tx.Now())
	tx.SetPollingError(nil)
	tx.SetConnectionStatus(model.StatusConnected)
}

// fail records a failed poll. Polling failures never escape as panics or
// partial merges: the error lands in the snapshot's PollingError. rollback
// asks for a restore of the last good snapshot when cause is a corruption the
// store has not seen yet.
func (s *Synchronizer) fail(cause error, rollback bool) (Outcome, error) {
	s.setPhase(PhaseMergeFailure)
	failures := int(s.failures.Add(1))

	status := model.StatusDisconnected
	if failures >= s.threshold {
		status = model.StatusOffline
	}
	_, err := s.store.Update(func(tx *store.Tx) error {
		tx.Metrics().PollFailures++
		tx.SetPollingError(cause)
		tx.SetConnectionStatus(status)
		return nil
	})
	if err == nil && rollback && errors.Is(cause, errs.ErrDataCorruption) {
		// hand the corruption to the store so it restores the last good snapshot
		_, _ = s.store.Update(func(*store.Tx) error { return cause })
	}

	s.logger.Warn("Poll failed",
		log.Int("consecutive_failures", failures),
		log.String("connection", string(status)),
		log.Error(cause))

	s.setPhase(PhaseBackoff)
	if s.onOutcome != nil {
		s.onOutcome(Outcome{}, cause)
	}
	if errors.Is(err, store.ErrClosed) {
		return Outcome{}, err
	}
	return Outcome{}, cause
}

// Background pauses scheduled polling.
func (s *Synchronizer) Background() {
	if !s.paused.Swap(true) {
		s.logger.Debug("Polling paused")
	}
}

// Foreground resumes scheduled polling and fires one poll immediately.
func (s *Synchronizer) Foreground() {
	s.paused.Store(false)
	s.Wake()
}

func (s *Synchronizer) Paused() bool {
	return s.paused.Load()
}

// Wake makes a running loop poll now.
func (s *Synchronizer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) SetClass(c Class) {
	s.class.Store(c)
}

func (s *Synchronizer) Class() Class {
	return s.class.Load().(Class)
}

// SetIntervals replaces the cadence; it applies from the next scheduled poll.
func (s *Synchronizer) SetIntervals(iv Intervals) {
	cur := *s.intervals.Load()
	iv.Live = cmpOr(iv.Live, cur.Live)
	iv.Passive = cmpOr(iv.Passive, cur.Passive)
	s.intervals.Store(&iv)
}

func (s *Synchronizer) Intervals() Intervals {
	return *s.intervals.Load()
}

// NextDelay is the wait before the next scheduled poll: the class cadence
// after a success, the backoff delay after failures.
func (s *Synchronizer) NextDelay() time.Duration {
	if f := s.Failures(); f > 0 {
		return s.backoff.Delay(f - 1)
	}
	iv := s.Intervals()
	return backoff.Jittered(iv.For(s.Class()), iv.Jitter, rand.Float64())
}

// Run polls on schedule until ctx is done or Stop is called.
func (s *Synchronizer) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.lifetime.Done():
			return nil
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if s.paused.Load() {
			continue
		}
		_, _ = s.Poll(ctx)
		timer.Reset(s.NextDelay())
	}
}

// Stop cancels any fetch in flight; its result, if it still arrives, is not
// merged.
func (s *Synchronizer) Stop() {
	s.cancel()
}
