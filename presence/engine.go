package presence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tippresence/presenced/channel"
	"github.com/tippresence/presenced/rand"
	"github.com/tippresence/presenced/storage"
	"github.com/tippresence/presenced/timer"
)

// notifyQueueDepth bounds how many pending notify dispatches a single
// resource's dispatcher will buffer before a new write blocks handing
// its job off — the "bounded dispatch queue" that keeps a slow observer
// from holding up the resource's write lock.
const notifyQueueDepth = 8

// ErrNotFound is returned by updateStatus/removeStatus when the tag has no
// live Status (already expired, removed, or never published).
var ErrNotFound = errors.New("presence: not found")

// Observer is invoked after every state-changing operation on resource,
// even when active carries no records (an offline transition).
type Observer func(resource string, active []TaggedStatus)

// Engine is the multi-tag status store for every resource: puts, updates,
// reads with lazy expiry, removal, and the expiry-timer/persistence
// discipline that keeps the storage-backed timer index consistent with
// the in-memory schedule across restarts.
type Engine struct {
	store storage.Adaptor
	clock timer.Service
	log   *logrus.Entry

	resMu sync.Mutex
	locks map[string]*sync.Mutex

	timerMu sync.Mutex
	timers  map[string]timer.Handle // key: timerKey(resource, tag)

	obsMu     sync.Mutex
	observers []Observer

	queueMu sync.Mutex
	queues  map[string]chan notifyJob // one dispatcher goroutine per resource
}

// notifyJob asks a resource's dispatcher to run the observer fan-out and
// report back whether the fan-out's own state read succeeded.
type notifyJob struct {
	done chan error
}

// NewEngine constructs an Engine over store and clock and registers the
// crash-recovery loader against store's reconnect hook, so persisted
// timers are reconciled on first connect and every subsequent reconnect.
func NewEngine(store storage.Adaptor, clock timer.Service) *Engine {
	e := &Engine{
		store:  store,
		clock:  clock,
		log:    logrus.WithField("component", "presence.engine"),
		locks:  make(map[string]*sync.Mutex),
		timers: make(map[string]timer.Handle),
		queues: make(map[string]chan notifyJob),
	}
	store.OnReconnected(e.loadStatusTimers)
	return e
}

func timerKey(resource, tag string) string {
	return resource + ":" + tag
}

func (e *Engine) resourceLock(resource string) *sync.Mutex {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	l, ok := e.locks[resource]
	if !ok {
		l = &sync.Mutex{}
		e.locks[resource] = l
	}
	return l
}

// Watch registers fn to be invoked after every successful state-changing
// operation on a resource. Callbacks are best-effort: a panic or error
// inside one must never prevent another callback or a future notification.
func (e *Engine) Watch(fn Observer) {
	e.obsMu.Lock()
	e.observers = append(e.observers, fn)
	e.obsMu.Unlock()
}

// dispatchNotify hands a notify job to resource's dispatcher goroutine
// and waits for it to run, bounded by ctx. Called after the resource's
// write lock has already been released, so a slow observer delays only
// this operation's return, never another caller's access to the
// resource's write lock.
func (e *Engine) dispatchNotify(ctx context.Context, resource string) error {
	job := notifyJob{done: make(chan error, 1)}

	queue := e.notifyQueue(resource)
	select {
	case queue <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	for err := range channel.OrDone(ctx, job.done) {
		return err
	}
	return ctx.Err()
}

func (e *Engine) notifyQueue(resource string) chan notifyJob {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	q, ok := e.queues[resource]
	if !ok {
		q = make(chan notifyJob, notifyQueueDepth)
		e.queues[resource] = q
		go e.runNotifyDispatcher(resource, q)
	}
	return q
}

// runNotifyDispatcher serializes every notify fan-out for one resource,
// one at a time and in the order jobs were enqueued, preserving the
// causal ordering guarantee between mutations and the observers that see
// them without holding the resource's write lock while observers run.
func (e *Engine) runNotifyDispatcher(resource string, queue chan notifyJob) {
	for job := range queue {
		job.done <- e.runNotify(context.Background(), resource)
		close(job.done)
	}
}

func (e *Engine) runNotify(ctx context.Context, resource string) error {
	active, err := e.getActive(ctx, resource)
	if err != nil {
		return err
	}
	e.obsMu.Lock()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.obsMu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.WithField("resource", resource).Errorf("observer panicked: %v", r)
				}
			}()
			fn(resource, active)
		}()
	}
	return nil
}

// PutStatus writes a new Status under tag (minting one if empty), (re)sets
// its expiry timer in place, persists the timer entry, and notifies
// observers. The three writes — record, resources index, timer entry —
// run as one concurrent group under the resource lock; observers are then
// notified through the resource's dispatcher after the lock is released,
// and PutStatus returns only once that notification resolves.
func (e *Engine) PutStatus(ctx context.Context, resource string, doc map[string]any, expiresSecs int, priority int, tag string) (string, error) {
	if tag == "" {
		minted, err := rand.NewTag()
		if err != nil {
			return "", errors.Wrap(err, "mint tag")
		}
		tag = minted
	}

	lock := e.resourceLock(resource)
	lock.Lock()

	expiresAt := e.clock.Now() + int64(expiresSecs)
	status := Status{PresenceDoc: doc, ExpiresAt: expiresAt, Priority: priority}
	serialized, err := status.Serialize()
	if err != nil {
		lock.Unlock()
		return "", errors.Wrap(err, "serialize status")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.store.HSet(gctx, storage.ResourceTableKey(resource), tag, serialized) })
	g.Go(func() error { return e.store.SAdd(gctx, storage.ResourcesSetKey, resource) })
	g.Go(func() error {
		return e.store.HSet(gctx, storage.TimersTableKey, timerKey(resource, tag), formatExpiry(expiresAt))
	})
	if err := g.Wait(); err != nil {
		lock.Unlock()
		return "", errors.Wrap(err, "put status")
	}

	e.armTimer(resource, tag, time.Duration(expiresSecs)*time.Second)
	lock.Unlock()

	e.log.WithFields(logrus.Fields{"resource": resource, "tag": tag, "expires": expiresSecs}).Debug("put status")

	if err := e.dispatchNotify(ctx, resource); err != nil {
		return tag, errors.Wrap(err, "notify after put")
	}
	return tag, nil
}

// UpdateStatus mutates only the expiry of an existing Status, rescheduling
// its timer in place. Returns ErrNotFound if tag has no live Status.
func (e *Engine) UpdateStatus(ctx context.Context, resource, tag string, expiresSecs int) error {
	lock := e.resourceLock(resource)
	lock.Lock()

	current, err := e.readStatus(ctx, resource, tag)
	if err != nil {
		lock.Unlock()
		return err
	}

	expiresAt := e.clock.Now() + int64(expiresSecs)
	current.ExpiresAt = expiresAt
	serialized, err := current.Serialize()
	if err != nil {
		lock.Unlock()
		return errors.Wrap(err, "serialize status")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.store.HSet(gctx, storage.ResourceTableKey(resource), tag, serialized) })
	g.Go(func() error { return e.store.SAdd(gctx, storage.ResourcesSetKey, resource) })
	g.Go(func() error {
		return e.store.HSet(gctx, storage.TimersTableKey, timerKey(resource, tag), formatExpiry(expiresAt))
	})
	if err := g.Wait(); err != nil {
		lock.Unlock()
		return errors.Wrap(err, "update status")
	}

	e.armTimer(resource, tag, time.Duration(expiresSecs)*time.Second)
	lock.Unlock()

	e.log.WithFields(logrus.Fields{"resource": resource, "tag": tag, "expires": expiresSecs}).Debug("update status")

	return errors.Wrap(e.dispatchNotify(ctx, resource), "notify after update")
}

// readStatus fetches and parses the Status stored under (resource, tag),
// translating a missing hash field into ErrNotFound.
func (e *Engine) readStatus(ctx context.Context, resource, tag string) (Status, error) {
	raw, err := e.store.HGet(ctx, storage.ResourceTableKey(resource), tag)
	if errors.Is(err, storage.ErrMissingKey) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(raw)
}

// GetStatus returns the live (tag, Status) pairs for resource, or the
// singleton/empty list for a specific tag when tag is non-empty. Expired
// records are swept asynchronously via RemoveStatus and never returned.
func (e *Engine) GetStatus(ctx context.Context, resource, tag string) ([]TaggedStatus, error) {
	all, err := e.loadAll(ctx, resource)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	var active []TaggedStatus
	var expired []string
	for _, ts := range all {
		if tag != "" && ts.Tag != tag {
			continue
		}
		if ts.Status.ExpiresAt < now {
			expired = append(expired, ts.Tag)
			continue
		}
		active = append(active, ts)
	}

	for _, t := range expired {
		go func(t string) {
			if _, err := e.RemoveStatus(context.Background(), resource, t); err != nil && !errors.Is(err, ErrNotFound) {
				e.log.WithError(err).WithFields(logrus.Fields{"resource": resource, "tag": t}).Error("lazy expiry removal failed")
			}
		}(t)
	}

	return sortedTags(active), nil
}

func (e *Engine) getActive(ctx context.Context, resource string) ([]TaggedStatus, error) {
	all, err := e.loadAll(ctx, resource)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	var active []TaggedStatus
	for _, ts := range all {
		if ts.Status.ExpiresAt >= now {
			active = append(active, ts)
		}
	}
	return sortedTags(active), nil
}

func (e *Engine) loadAll(ctx context.Context, resource string) ([]TaggedStatus, error) {
	table, err := e.store.HGetAll(ctx, storage.ResourceTableKey(resource))
	if errors.Is(err, storage.ErrMissingKey) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]TaggedStatus, 0, len(table))
	for tag, raw := range table {
		status, err := ParseStatus(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parse status %s/%s", resource, tag)
		}
		out = append(out, TaggedStatus{Tag: tag, Status: status})
	}
	return out, nil
}

func sortedTags(in []TaggedStatus) []TaggedStatus {
	sort.Slice(in, func(i, j int) bool { return in[i].Tag < in[j].Tag })
	return in
}

// RemoveStatus deletes tag from resource's table, dropping resource from
// the resources index if the table becomes empty, and always cancels the
// in-memory timer on a successful delete. Returns ErrNotFound if tag was
// already absent (idempotent on repeated removal, including a remove
// racing the tag's own expiry).
func (e *Engine) RemoveStatus(ctx context.Context, resource, tag string) (bool, error) {
	lock := e.resourceLock(resource)
	lock.Lock()

	e.cancelTimer(resource, tag)

	err := e.store.HDel(ctx, storage.ResourceTableKey(resource), tag)
	if errors.Is(err, storage.ErrMissingKey) {
		lock.Unlock()
		return false, ErrNotFound
	}
	if err != nil {
		lock.Unlock()
		return false, errors.Wrap(err, "remove status")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		remaining, err := e.store.HGetAll(gctx, storage.ResourceTableKey(resource))
		if errors.Is(err, storage.ErrMissingKey) || len(remaining) == 0 {
			return e.store.SRem(gctx, storage.ResourcesSetKey, resource)
		}
		return err
	})
	g.Go(func() error {
		err := e.store.HDel(gctx, storage.TimersTableKey, timerKey(resource, tag))
		if errors.Is(err, storage.ErrMissingKey) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		lock.Unlock()
		return false, errors.Wrap(err, "remove status cleanup")
	}
	lock.Unlock()

	e.log.WithFields(logrus.Fields{"resource": resource, "tag": tag}).Debug("remove status")

	return true, errors.Wrap(e.dispatchNotify(ctx, resource), "notify after remove")
}

// DumpStatuses enumerates the resources index and returns every
// resource's live (tag, Status) pairs. Administrative use only.
func (e *Engine) DumpStatuses(ctx context.Context) (map[string][]TaggedStatus, error) {
	resources, err := e.store.SGetAll(ctx, storage.ResourcesSetKey)
	if err != nil {
		return nil, errors.Wrap(err, "dump statuses")
	}
	out := make(map[string][]TaggedStatus, len(resources))
	for _, resource := range resources {
		active, err := e.GetStatus(ctx, resource, "")
		if err != nil {
			return nil, errors.Wrapf(err, "dump status %s", resource)
		}
		out[resource] = active
	}
	return out, nil
}

// armTimer schedules a fresh timer for (resource, tag) or resets the
// existing one in place, preserving its identity.
func (e *Engine) armTimer(resource, tag string, delay time.Duration) {
	key := timerKey(resource, tag)

	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if h, ok := e.timers[key]; ok {
		h.Reset(delay)
		return
	}
	e.timers[key] = e.clock.Schedule(delay, func() {
		if _, err := e.RemoveStatus(context.Background(), resource, tag); err != nil && !errors.Is(err, ErrNotFound) {
			e.log.WithError(err).WithFields(logrus.Fields{"resource": resource, "tag": tag}).Error("expiry removal failed")
		}
	})
}

func (e *Engine) cancelTimer(resource, tag string) {
	key := timerKey(resource, tag)
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if h, ok := e.timers[key]; ok {
		h.Cancel()
		delete(e.timers, key)
	}
}

// loadStatusTimers reconciles the in-memory timer schedule against the
// persisted timer index: entries already past are dropped under their
// own (resource, tag) key (not the engine instance — see the corrected
// form this supersedes) and everything else gets an in-memory-only timer
// armed for its remaining lifetime. The persisted value is never
// rewritten during this load.
func (e *Engine) loadStatusTimers(ctx context.Context) error {
	all, err := e.store.HGetAll(ctx, storage.TimersTableKey)
	if errors.Is(err, storage.ErrMissingKey) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load status timers")
	}

	now := e.clock.Now()
	for key, value := range all {
		resource, tag, ok := splitTimerKey(key)
		if !ok {
			e.log.WithField("key", key).Warn("malformed timer key, skipping")
			continue
		}
		expiresAt, err := parseExpiry(value)
		if err != nil {
			e.log.WithError(err).WithField("key", key).Warn("malformed timer value, skipping")
			continue
		}

		if expiresAt <= now {
			if err := e.store.HDel(ctx, storage.TimersTableKey, timerKey(resource, tag)); err != nil && !errors.Is(err, storage.ErrMissingKey) {
				e.log.WithError(err).WithFields(logrus.Fields{"resource": resource, "tag": tag}).Error("drop stale timer entry failed")
			}
			continue
		}

		e.armTimer(resource, tag, time.Duration(expiresAt-now)*time.Second)
	}
	return nil
}

func splitTimerKey(key string) (resource, tag string, ok bool) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
