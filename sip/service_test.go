package sip

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tippresence/presenced/presence"
	"github.com/tippresence/presenced/storage"
	"github.com/tippresence/presenced/timer"
)

type fakeDialog struct {
	id WatcherID
}

func (d *fakeDialog) ID() WatcherID { return d.id }

func (d *fakeDialog) CreateRequest(method string) *Request {
	return &Request{Method: method, CallID: d.id.CallID, FromTag: d.id.FromTag, ToTag: d.id.ToTag}
}

type fakeDialogStore struct {
	mu      sync.Mutex
	dialogs map[WatcherID]*fakeDialog
	nextTag int
}

func newFakeDialogStore() *fakeDialogStore {
	return &fakeDialogStore{dialogs: make(map[WatcherID]*fakeDialog)}
}

func (s *fakeDialogStore) Get(_ context.Context, id WatcherID) (Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[id]
	if !ok {
		return nil, storage.ErrMissingKey
	}
	return d, nil
}

func (s *fakeDialogStore) Create(_ context.Context, req *Request) (Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTag++
	id := WatcherID{CallID: req.CallID, FromTag: req.FromTag, ToTag: "totag" + strconv.Itoa(s.nextTag)}
	d := &fakeDialog{id: id}
	s.dialogs[id] = d
	return d, nil
}

func (s *fakeDialogStore) Remove(_ context.Context, id WatcherID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialogs, id)
	return nil
}

type sentNotify struct {
	watcher WatcherID
	headers map[string]string
	body    string
}

type fakeTransport struct {
	mu       sync.Mutex
	notifies []sentNotify
}

func (t *fakeTransport) SendRequest(_ context.Context, dialog Dialog, req *Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifies = append(t.notifies, sentNotify{watcher: dialog.ID(), headers: req.Headers, body: req.Body})
	return nil
}

func (t *fakeTransport) notifyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.notifies)
}

func (t *fakeTransport) last() sentNotify {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifies[len(t.notifies)-1]
}

func newTestService() (*Service, *presence.Engine, *fakeTransport) {
	clock := timer.NewFakeClock(1_000_000)
	svc := timer.NewFakeService(clock)
	store := storage.NewMemory()
	engine := presence.NewEngine(store, svc)
	transport := &fakeTransport{}
	s := NewService(engine, store, svc, newFakeDialogStore(), transport, Config{})
	return s, engine, transport
}

// S5: PUBLISH lifecycle — initial publish mints a tag, a matching
// conditional remove succeeds, and a mismatched conditional remove 412s.
func TestHandlePublish_Lifecycle(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	req := &Request{
		Method:  "PUBLISH",
		User:    "a", Host: "x",
		Headers: map[string]string{"Event": "presence", "Expires": "120", "Content-Type": "application/pidf+xml"},
		Body:    "<status><basic>open</basic></status>",
	}
	resp, sipErr := s.HandlePublish(ctx, req)
	require.Nil(t, sipErr)
	require.Equal(t, 200, resp.Status)
	tag := resp.Headers["SIP-ETag"]
	require.NotEmpty(t, tag)

	remove := &Request{
		Method: "PUBLISH",
		User:   "a", Host: "x",
		Headers: map[string]string{"Event": "presence", "Expires": "0", "SIP-If-Match": tag},
	}
	resp, sipErr = s.HandlePublish(ctx, remove)
	require.Nil(t, sipErr)
	assert.Equal(t, 200, resp.Status)

	badRemove := &Request{
		Method: "PUBLISH",
		User:   "a", Host: "x",
		Headers: map[string]string{"Event": "presence", "Expires": "0", "SIP-If-Match": "unknown"},
	}
	_, sipErr = s.HandlePublish(ctx, badRemove)
	require.NotNil(t, sipErr)
	assert.Equal(t, 412, sipErr.Code)
}

func TestHandlePublish_BadEvent(t *testing.T) {
	s, _, _ := newTestService()
	_, sipErr := s.HandlePublish(context.Background(), &Request{User: "a", Host: "x", Headers: map[string]string{"Event": "xyz"}})
	require.NotNil(t, sipErr)
	assert.Equal(t, 489, sipErr.Code)
	assert.Equal(t, "presence", sipErr.Headers["Allow-Event"])
}

func TestHandlePublish_IntervalTooBrief(t *testing.T) {
	s, _, _ := newTestService()
	_, sipErr := s.HandlePublish(context.Background(), &Request{
		User: "a", Host: "x",
		Headers: map[string]string{"Event": "presence", "Expires": "10"},
	})
	require.NotNil(t, sipErr)
	assert.Equal(t, 423, sipErr.Code)
}

func TestHandlePublish_ExpiresZeroNoTagRejected(t *testing.T) {
	s, _, _ := newTestService()
	_, sipErr := s.HandlePublish(context.Background(), &Request{
		User: "a", Host: "x",
		Headers: map[string]string{"Event": "presence", "Expires": "0"},
	})
	require.NotNil(t, sipErr)
	assert.Equal(t, 400, sipErr.Code)
}

// S6: SUBSCRIBE/NOTIFY — initial subscribe gets an immediate NOTIFY, a
// subsequent publish triggers another, and an in-dialog expires=0
// terminates the watcher with a terminal NOTIFY.
func TestHandleSubscribe_Lifecycle(t *testing.T) {
	s, engine, transport := newTestService()
	ctx := context.Background()

	sub := &Request{
		Method: "SUBSCRIBE",
		User:   "a", Host: "x",
		CallID: "call1", FromTag: "from1",
		Headers: map[string]string{"Event": "presence", "Expires": "600"},
	}
	resp, sipErr := s.HandleSubscribe(ctx, sub)
	require.Nil(t, sipErr)
	assert.Equal(t, 200, resp.Status)
	require.Equal(t, 1, transport.notifyCount())
	assert.Contains(t, transport.last().headers["Subscription-State"], "active")

	watcherID := transport.last().watcher

	_, err := engine.PutStatus(ctx, "a@x", map[string]any{"status": "online"}, 100, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 2, transport.notifyCount())
	assert.Contains(t, transport.last().body, "open")

	terminate := &Request{
		Method: "SUBSCRIBE",
		User:   "a", Host: "x",
		CallID: watcherID.CallID, FromTag: watcherID.FromTag, ToTag: watcherID.ToTag,
		Headers: map[string]string{"Event": "presence", "Expires": "0"},
	}
	resp, sipErr = s.HandleSubscribe(ctx, terminate)
	require.Nil(t, sipErr)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "terminated;expires=0", transport.last().headers["Subscription-State"])
}

func TestHandleSubscribe_InDialogUnknown481s(t *testing.T) {
	s, _, _ := newTestService()
	_, sipErr := s.HandleSubscribe(context.Background(), &Request{
		CallID: "c", FromTag: "f", ToTag: "t",
		Headers: map[string]string{"Event": "presence", "Expires": "600"},
	})
	require.NotNil(t, sipErr)
	assert.Equal(t, 481, sipErr.Code)
}

func TestWatcherID_RoundTrip(t *testing.T) {
	id, err := NewWatcherID("call1", "from1", "to1")
	require.NoError(t, err)
	parsed, err := ParseWatcherID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestWatcherID_RejectsSeparatorInElement(t *testing.T) {
	_, err := NewWatcherID("call:1", "from1", "to1")
	assert.Error(t, err)
}

// Invariant 5: every registered watcher appears in watchers_by_resource
// for the resource its reverse index says it belongs to.
func TestRegistry_WatcherIndexConsistency(t *testing.T) {
	s, _, transport := newTestService()
	ctx := context.Background()

	sub := &Request{
		Method: "SUBSCRIBE",
		User:   "a", Host: "x",
		CallID: "call1", FromTag: "from1",
		Headers: map[string]string{"Event": "presence", "Expires": "600"},
	}
	_, sipErr := s.HandleSubscribe(ctx, sub)
	require.Nil(t, sipErr)

	id := transport.last().watcher

	resource, err := s.reg.resourceOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a@x", resource)

	watchers, err := s.reg.watchersOf(ctx, resource)
	require.NoError(t, err)
	assert.Contains(t, watchers, id)
}
