package timer

import (
	"sync"
	"time"
)

// FakeClock is a manually-advanced Clock for deterministic tests.
type FakeClock struct {
	mu  sync.Mutex
	now int64
}

// NewFakeClock starts the clock at the given absolute second.
func NewFakeClock(start int64) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by seconds. It does not itself fire
// handles; call FakeService.FireDue afterwards.
func (c *FakeClock) Advance(seconds int64) {
	c.mu.Lock()
	c.now += seconds
	c.mu.Unlock()
}

// FakeService is a Service that never sleeps in real time: scheduled
// callbacks only run when the test calls FireDue, after advancing the
// clock past their deadline. It lets the presence and sip test suites
// exercise expiry logic (scenario S4, invariant 4) without waiting on
// wall-clock time.
type FakeService struct {
	clock   *FakeClock
	mu      sync.Mutex
	handles []*fakeHandle
}

// NewFakeService constructs a FakeService driven by clock.
func NewFakeService(clock *FakeClock) *FakeService {
	return &FakeService{clock: clock}
}

func (s *FakeService) Now() int64 { return s.clock.Now() }

func (s *FakeService) Schedule(delay time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &fakeHandle{
		svc:      s,
		deadline: s.clock.Now() + secondsOf(delay),
		active:   true,
		fn:       fn,
	}
	s.handles = append(s.handles, h)
	return h
}

// FireDue invokes and removes every active handle whose deadline is at or
// before the clock's current time. It is safe to call repeatedly; callbacks
// that reschedule themselves (as removeStatus/removeWatcher never do, but a
// test double might) are picked up on a subsequent call.
func (s *FakeService) FireDue() {
	s.mu.Lock()
	now := s.clock.Now()
	var due []*fakeHandle
	remaining := s.handles[:0]
	for _, h := range s.handles {
		h.mu.Lock()
		if h.active && h.deadline <= now {
			due = append(due, h)
		} else {
			remaining = append(remaining, h)
		}
		h.mu.Unlock()
	}
	s.handles = remaining
	s.mu.Unlock()

	for _, h := range due {
		h.mu.Lock()
		if !h.active {
			h.mu.Unlock()
			continue
		}
		h.active = false
		fn := h.fn
		h.mu.Unlock()
		fn()
	}
}

func secondsOf(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

type fakeHandle struct {
	mu       sync.Mutex
	svc      *FakeService
	deadline int64
	active   bool
	fn       func()
}

func (h *fakeHandle) Reset(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadline = h.svc.clock.Now() + secondsOf(delay)
	h.active = true
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = false
}

func (h *fakeHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *fakeHandle) Deadline() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadline
}
