package sip

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/tippresence/presenced/storage"
	"github.com/tippresence/presenced/timer"
)

// registry is the watcher bookkeeping half of the Service: the persisted
// watchers-by-resource/resource-by-watcher/watcher-timer indices plus the
// in-memory timer schedule, built the same way presence.Engine manages
// its own timer index and reconnect-triggered recovery.
type registry struct {
	store    storage.Adaptor
	clock    timer.Service
	log      *logrus.Entry
	onExpire func(WatcherID)

	mu     sync.Mutex
	timers map[string]timer.Handle // key: WatcherID.String()
}

// newRegistry constructs a registry and registers its recovery loader
// against store's reconnect hook. onExpire is invoked (never under the
// registry's lock) when a watcher's timer fires, whether armed fresh or
// recovered from a reconnect.
func newRegistry(store storage.Adaptor, clock timer.Service, log *logrus.Entry, onExpire func(WatcherID)) *registry {
	r := &registry{store: store, clock: clock, log: log, onExpire: onExpire, timers: make(map[string]timer.Handle)}
	store.OnReconnected(r.loadWatcherTimers)
	return r
}

// resourceOf returns the resource a watcher is subscribed to, or
// storage.ErrMissingKey if the watcher is unknown.
func (r *registry) resourceOf(ctx context.Context, id WatcherID) (string, error) {
	return r.store.HGet(ctx, storage.ResourceByWatcherKey, id.String())
}

// add registers a new watcher against resource and arms its expiry timer.
func (r *registry) add(ctx context.Context, id WatcherID, resource string, expiresSecs int) error {
	expiresAt := r.clock.Now() + int64(expiresSecs)

	if err := r.store.SAdd(ctx, storage.WatchersByResourceKey(resource), id.String()); err != nil {
		return errors.Wrap(err, "add watcher: index")
	}
	if err := r.store.HSet(ctx, storage.ResourceByWatcherKey, id.String(), resource); err != nil {
		return errors.Wrap(err, "add watcher: reverse index")
	}
	if err := r.store.HSet(ctx, storage.WatcherTimersKey, id.String(), formatExpiry(expiresAt)); err != nil {
		return errors.Wrap(err, "add watcher: timer entry")
	}

	r.arm(id, time.Duration(expiresSecs)*time.Second)
	return nil
}

// refresh reschedules id's expiry timer in place and updates the
// persisted deadline.
func (r *registry) refresh(ctx context.Context, id WatcherID, expiresSecs int) error {
	expiresAt := r.clock.Now() + int64(expiresSecs)
	if err := r.store.HSet(ctx, storage.WatcherTimersKey, id.String(), formatExpiry(expiresAt)); err != nil {
		return errors.Wrap(err, "refresh watcher: timer entry")
	}
	r.arm(id, time.Duration(expiresSecs)*time.Second)
	return nil
}

// remove tears down a watcher's bookkeeping and cancels its timer. It
// tolerates double invocation: a second call finds the reverse index
// entry already gone and returns storage.ErrMissingKey.
func (r *registry) remove(ctx context.Context, id WatcherID) error {
	r.cancel(id)

	resource, err := r.resourceOf(ctx, id)
	if errors.Is(err, storage.ErrMissingKey) {
		return storage.ErrMissingKey
	}
	if err != nil {
		return errors.Wrap(err, "remove watcher: lookup")
	}

	if err := r.store.SRem(ctx, storage.WatchersByResourceKey(resource), id.String()); err != nil {
		return errors.Wrap(err, "remove watcher: index")
	}
	if err := r.store.HDel(ctx, storage.ResourceByWatcherKey, id.String()); err != nil && !errors.Is(err, storage.ErrMissingKey) {
		return errors.Wrap(err, "remove watcher: reverse index")
	}
	if err := r.store.HDel(ctx, storage.WatcherTimersKey, id.String()); err != nil && !errors.Is(err, storage.ErrMissingKey) {
		return errors.Wrap(err, "remove watcher: timer entry")
	}
	return nil
}

func (r *registry) watchersOf(ctx context.Context, resource string) ([]WatcherID, error) {
	raw, err := r.store.SGetAll(ctx, storage.WatchersByResourceKey(resource))
	if err != nil {
		return nil, errors.Wrap(err, "list watchers")
	}
	out := make([]WatcherID, 0, len(raw))
	for _, s := range raw {
		id, err := ParseWatcherID(s)
		if err != nil {
			r.log.WithError(err).WithField("watcher", s).Warn("malformed watcher id in index, skipping")
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *registry) arm(id WatcherID, delay time.Duration) {
	key := id.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.timers[key]; ok {
		h.Reset(delay)
		return
	}
	r.timers[key] = r.clock.Schedule(delay, func() { r.onExpire(id) })
}

func (r *registry) cancel(id WatcherID) {
	key := id.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.timers[key]; ok {
		h.Cancel()
		delete(r.timers, key)
	}
}

// loadWatcherTimers reconciles the persisted watcher timer index on
// storage (re)connect: entries already past are dropped directly, and
// everything else gets an in-memory-only timer for its remaining
// lifetime. The persisted value is never rewritten during this load.
func (r *registry) loadWatcherTimers(ctx context.Context) error {
	all, err := r.store.HGetAll(ctx, storage.WatcherTimersKey)
	if errors.Is(err, storage.ErrMissingKey) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load watcher timers")
	}

	now := r.clock.Now()
	for key, value := range all {
		id, err := ParseWatcherID(key)
		if err != nil {
			r.log.WithError(err).WithField("watcher", key).Warn("malformed watcher id, skipping")
			continue
		}
		expiresAt, err := parseExpiry(value)
		if err != nil {
			r.log.WithError(err).WithField("watcher", key).Warn("malformed timer value, skipping")
			continue
		}

		if expiresAt <= now {
			if err := r.store.HDel(ctx, storage.WatcherTimersKey, key); err != nil && !errors.Is(err, storage.ErrMissingKey) {
				r.log.WithError(err).WithField("watcher", key).Error("drop stale watcher timer failed")
			}
			continue
		}
		r.arm(id, time.Duration(expiresAt-now)*time.Second)
	}
	return nil
}
