// Package push ingests the push transport's message stream into the state
// store.
//
// Every message goes through the same steps: schema validation, the sequence
// check, de-duplication, the unread counter, the cache patch and finally one
// "update" event. A message that fails any check is dropped and logged; it
// never stops the stream.
package push

import (
	"errors"
	"maps"
	"sync"

	"github.com/zeusync/livesync/internal/core/events/bus"
	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/cache"
	"github.com/zeusync/livesync/internal/core/sync/dedup"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/store"
	"github.com/zeusync/livesync/internal/core/sync/validate"
)

type DropReason string

const (
	DropNone      DropReason = ""
	DropInvalid   DropReason = "invalid"
	DropStale     DropReason = "stale_sequence"
	DropDuplicate DropReason = "duplicate"
	DropClosed    DropReason = "closed"
)

// Result reports what happened to one message.
type Result struct {
	Accepted bool
	Reason   DropReason
	Message  model.PushMessage
	View     *model.NotificationView
	Unread   int
	// Invalidated is set when the cache patch failed and the notification
	// views were invalidated instead.
	Invalidated bool
}

type Options struct {
	Store     *store.Store
	Validator *validate.Validator
	Dedup     *dedup.Deduplicator
	Cache     *cache.Manager
	Bus       bus.EventBus
	Logger    log.Log
}

type Pipeline struct {
	store     *store.Store
	validator *validate.Validator
	dedup     *dedup.Deduplicator
	cache     *cache.Manager
	bus       bus.EventBus
	logger    log.Log

	mx      sync.Mutex
	lastSeq int64
	hasSeq  bool
	dropped map[DropReason]uint64
}

func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	return &Pipeline{
		store:     opts.Store,
		validator: opts.Validator,
		dedup:     opts.Dedup,
		cache:     opts.Cache,
		bus:       opts.Bus,
		logger:    opts.Logger.With(log.String("component", "push")),
		dropped:   make(map[DropReason]uint64),
	}
}

// Attach routes client's message and connection events into the pipeline.
func (p *Pipeline) Attach(client Client) {
	client.On(EventMessage, func(e Event) {
		p.Ingest(e.Data)
	})
	client.On(EventConnectionChange, func(e Event) {
		p.ConnectionChanged(e.Connected, e.Err)
	})
}

func (p *Pipeline) Detach(client Client) {
	client.Off(EventMessage)
	client.Off(EventConnectionChange)
}

// Ingest runs one raw message through the pipeline. Messages are processed
// one at a time in arrival order.
func (p *Pipeline) Ingest(raw []byte) Result {
	msg, err := p.validator.ParsePush(raw)
	if err != nil {
		p.logger.Warn("Dropping malformed push message", log.Int("size", len(raw)), log.Error(err))
		return p.drop(Result{Reason: DropInvalid})
	}

	p.mx.Lock()
	defer p.mx.Unlock()

	if seq := msg.SequenceNumber; seq != nil {
		if p.hasSeq && *seq <= p.lastSeq {
			p.logger.Debug("Dropping out of order push message",
				log.Int64("sequence", *seq),
				log.Int64("last_accepted", p.lastSeq))
			return p.dropLocked(Result{Reason: DropStale, Message: msg})
		}
		p.lastSeq, p.hasSeq = *seq, true
	}

	if p.dedup.Seen(dedup.Key(msg)) {
		return p.dropLocked(Result{Reason: DropDuplicate, Message: msg})
	}

	res := Result{Accepted: true, Message: msg}
	if msg.Created != nil {
		view := p.validator.Transform(*msg.Created)
		res.View = &view
	}

	delta := unreadDelta(msg)
	_, err = p.store.Update(func(tx *store.Tx) error {
		res.Unread = tx.AddUnread(delta)
		tx.Metrics().MessagesAccepted++
		return nil
	})
	if err != nil {
		return p.dropLocked(Result{Reason: DropClosed, Message: msg})
	}

	res.Invalidated = !p.patchCaches(msg, res.View, res.Unread)

	if p.bus != nil {
		ev := model.UpdateEvent{Type: msg.Type, UnreadCount: res.Unread, Notification: res.View}
		if err = p.bus.Publish(bus.NewEvent(model.EventUpdate, "push", ev)); err != nil {
			p.logger.Warn("Update subscribers failed", log.Error(err))
		}
	}
	return res
}

// unreadDelta is the change of the unread counter caused by msg.
func unreadDelta(msg model.PushMessage) int {
	switch msg.Type {
	case model.PushNotificationCreated:
		if msg.Created.ReadAt == nil && !msg.Created.Archived {
			return 1
		}
	case model.PushNotificationRead:
		return -1
	case model.PushNotificationArchived:
		if msg.Archived.WasUnread {
			return -1
		}
	case model.PushBulkRead:
		return -len(msg.BulkRead.NotificationIDs)
	}
	return 0
}

// patchCaches applies msg to the cached notification views. When a targeted
// patch cannot be applied the whole notification region is invalidated. It
// reports whether every patch succeeded.
func (p *Pipeline) patchCaches(msg model.PushMessage, view *model.NotificationView, unread int) bool {
	if p.cache == nil {
		return true
	}
	ok := true
	apply := func(key string, err error) {
		switch {
		case err == nil:
		case isAbsent(err):
		default:
			p.logger.Warn("Cache patch failed, invalidating", log.String("key", key), log.Error(err))
			ok = false
		}
	}

	apply(KeyUnreadCount, cache.PatchAs(p.cache, KeyUnreadCount, func(int) (int, error) {
		return unread, nil
	}))
	apply(KeyNotificationList, cache.PatchAs(p.cache, KeyNotificationList, func(list []model.NotificationView) ([]model.NotificationView, error) {
		return patchList(list, msg, view), nil
	}))

	if !ok {
		p.cache.Invalidate(TagNotifications)
	}
	return ok
}

// isAbsent reports a patch that found nothing to keep consistent: the key is
// not cached or was already invalidated.
func isAbsent(err error) bool {
	return errors.Is(err, cache.ErrNotCached) || errors.Is(err, cache.ErrStale)
}

// ConnectionChanged folds a push transport status change into the connection
// status. A push disconnect does not override an offline status derived from
// failed polls. A connect starts a fresh stream, so the sequence watermark is
// forgotten.
func (p *Pipeline) ConnectionChanged(connected bool, cause error) {
	if connected {
		p.Reset()
	}
	_, err := p.store.Update(func(tx *store.Tx) error {
		current := tx.State().ConnectionStatus
		switch {
		case connected:
			tx.SetConnectionStatus(model.StatusConnected)
		case current == model.StatusConnected:
			tx.SetConnectionStatus(model.StatusDisconnected)
		}
		return nil
	})
	if err != nil {
		return
	}
	if connected {
		p.logger.Info("Push transport connected")
	} else {
		p.logger.Warn("Push transport disconnected", log.Error(cause))
	}
}

// Reset forgets the sequence watermark. ConnectionChanged calls it whenever
// the transport (re)connects.
func (p *Pipeline) Reset() {
	p.mx.Lock()
	p.lastSeq, p.hasSeq = 0, false
	p.mx.Unlock()
}

// Dropped returns how many messages were dropped per reason.
func (p *Pipeline) Dropped() map[DropReason]uint64 {
	p.mx.Lock()
	defer p.mx.Unlock()
	return maps.Clone(p.dropped)
}

func (p *Pipeline) drop(res Result) Result {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.dropLocked(res)
}

func (p *Pipeline) dropLocked(res Result) Result {
	p.dropped[res.Reason]++
	if res.Reason != DropClosed {
		_, _ = p.store.Update(func(tx *store.Tx) error {
			tx.Metrics().MessagesDropped++
			return nil
		})
	}
	return res
}
