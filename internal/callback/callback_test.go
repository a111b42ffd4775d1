package callback

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fiberworks/jobs/internal/logging"
	"github.com/fiberworks/jobs/internal/pool"
)

func newTestScheduler(t *testing.T, maxCallbacks int) *Scheduler {
	t.Helper()
	s := New(maxCallbacks, logging.Nop())
	t.Cleanup(s.Shutdown)
	return s
}

func TestCallbackFires(t *testing.T) {
	s := newTestScheduler(t, 4)

	fired := make(chan struct{})
	if _, err := s.Schedule(10*time.Millisecond, func() {
		close(fired)
	}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire within 1s")
	}
}

func TestCallbackOrderIndependent(t *testing.T) {
	s := newTestScheduler(t, 8)

	var firedFirst atomic.Int32
	done := make(chan struct{})

	// The later-armed but sooner-due callback must fire first.
	if _, err := s.Schedule(200*time.Millisecond, func() {
		firedFirst.CompareAndSwap(0, 2)
		close(done)
	}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if _, err := s.Schedule(20*time.Millisecond, func() {
		firedFirst.CompareAndSwap(0, 1)
	}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks did not fire")
	}
	if firedFirst.Load() != 1 {
		t.Fatalf("earliest deadline fired second")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	s := newTestScheduler(t, 4)

	var fired atomic.Bool
	handle, err := s.Schedule(30*time.Millisecond, func() {
		fired.Store(true)
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	s.Cancel(handle)

	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("cancelled callback fired")
	}
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	s := newTestScheduler(t, 1)

	fired := make(chan struct{})
	handle, err := s.Schedule(5*time.Millisecond, func() {
		close(fired)
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	<-fired
	// The record was recycled when it fired; a late cancel must not
	// disturb whatever occupies the slot now.
	s.Cancel(handle)

	var fired2 atomic.Bool
	if _, err := s.Schedule(10*time.Millisecond, func() {
		fired2.Store(true)
	}); err != nil {
		t.Fatalf("Schedule() after recycle error = %v", err)
	}
	s.Cancel(handle) // stale handle again, different generation

	time.Sleep(100 * time.Millisecond)
	if !fired2.Load() {
		t.Fatal("stale cancel disturbed a recycled record")
	}
}

func TestScheduleExhaustion(t *testing.T) {
	s := newTestScheduler(t, 1)

	if _, err := s.Schedule(time.Hour, func() {}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if _, err := s.Schedule(time.Hour, func() {}); err != pool.ErrExhausted {
		t.Fatalf("Schedule() on full pool error = %v, want ErrExhausted", err)
	}
}

func TestShutdownDropsPending(t *testing.T) {
	s := New(4, logging.Nop())

	var fired atomic.Bool
	if _, err := s.Schedule(time.Hour, func() {
		fired.Store(true)
	}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	s.Shutdown()
	if fired.Load() {
		t.Fatal("pending callback fired during shutdown")
	}
}
