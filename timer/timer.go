// Package timer provides the clock and deferred-callback primitives the
// presence engine and the SIP watcher registry build their expiry logic on.
package timer

import (
	"sync"
	"time"
)

// Clock returns the current time as an absolute second count. Production
// code uses SystemClock; tests substitute a FakeClock to control expiry
// deterministically.
type Clock interface {
	Now() int64
}

// SystemClock is a Clock backed by wall-clock time. Absolute expiry
// timestamps computed from it survive a process restart, which is required
// for the persisted timer index to be meaningful across recovery.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().Unix() }

// Handle controls a single scheduled callback. Reset re-arms the same
// handle rather than creating a new one, preserving timer identity for
// diagnostics per the source's discipline.
type Handle interface {
	Reset(delay time.Duration)
	Cancel()
	Active() bool
	Deadline() int64
}

// Service schedules one-shot deferred callbacks.
type Service interface {
	Now() int64
	Schedule(delay time.Duration, fn func()) Handle
}

// systemService schedules callbacks with time.AfterFunc.
type systemService struct {
	clock Clock
}

// NewService constructs a Service backed by the real clock.
func NewService() Service {
	return &systemService{clock: SystemClock{}}
}

func (s *systemService) Now() int64 { return s.clock.Now() }

func (s *systemService) Schedule(delay time.Duration, fn func()) Handle {
	h := &handle{clock: s.clock}
	h.mu.Lock()
	h.deadline = s.clock.Now() + int64(delay/time.Second)
	h.active = true
	h.timer = time.AfterFunc(delay, func() {
		h.mu.Lock()
		if !h.active {
			h.mu.Unlock()
			return
		}
		h.active = false
		h.mu.Unlock()
		fn()
	})
	h.mu.Unlock()
	return h
}

type handle struct {
	mu       sync.Mutex
	clock    Clock
	timer    *time.Timer
	active   bool
	deadline int64
}

// Reset re-arms the timer in place for delay from now, updating the
// persisted-equivalent deadline but keeping the same underlying timer.
func (h *handle) Reset(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadline = h.clock.Now() + int64(delay/time.Second)
	h.active = true
	h.timer.Reset(delay)
}

func (h *handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return
	}
	h.active = false
	h.timer.Stop()
}

func (h *handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *handle) Deadline() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadline
}
