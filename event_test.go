package jobs

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualResetRoundTrip(t *testing.T) {
	s := newTestScheduler(t, 2, 8)

	event, err := s.CreateEvent(false)
	require.NoError(t, err)
	defer event.Release()

	// Signalled first: the wait returns immediately.
	require.NoError(t, event.Signal())
	require.NoError(t, event.Wait(nil, time.Second))

	// Manual-reset events stay signalled for later waiters too.
	require.NoError(t, event.Wait(nil, time.Second))

	// After a reset the next wait blocks until the next signal.
	require.NoError(t, event.Reset())

	woke := make(chan error, 1)
	go func() {
		woke <- event.Wait(nil, 5*time.Second)
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-woke:
		t.Fatalf("wait returned %v before signal", err)
	default:
	}

	require.NoError(t, event.Signal())
	select {
	case err := <-woke:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not wake after signal")
	}
}

func TestAutoResetWakesExactlyOne(t *testing.T) {
	s := newTestScheduler(t, 4, 16)

	event, err := s.CreateEvent(true)
	require.NoError(t, err)
	defer event.Release()

	var woken atomic.Int32
	makeWaiter := func(tag string) JobHandle {
		return buildJob(t, s, tag, func(jc *JobContext) {
			require.NoError(t, event.Wait(jc, Infinite))
			woken.Add(1)
		})
	}

	w1 := makeWaiter("waiter-1")
	w2 := makeWaiter("waiter-2")
	defer w1.Release()
	defer w2.Release()
	require.NoError(t, w1.Dispatch())
	require.NoError(t, w2.Dispatch())

	// Let both park on the event.
	require.Eventually(t, func() bool {
		return !w1.IsComplete() && !w2.IsComplete() && !w1.IsPending() && !w2.IsPending() && !w1.IsRunning() && !w2.IsRunning()
	}, 2*time.Second, 5*time.Millisecond, "waiters did not suspend")

	// One signal wakes exactly one waiter.
	require.NoError(t, event.Signal())
	require.Eventually(t, func() bool { return woken.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), woken.Load(), "a single signal woke both waiters")

	// The second signal wakes the other.
	require.NoError(t, event.Signal())
	require.NoError(t, s.WaitUntilIdle(5*time.Second))
	assert.Equal(t, int32(2), woken.Load())

	// Both wakes consumed their signals.
	value, err := event.counter.Get()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), value, "auto-reset event left a stale signal")
}

func TestAutoResetWaitConsumesExistingSignal(t *testing.T) {
	s := newTestScheduler(t, 2, 8)

	event, err := s.CreateEvent(true)
	require.NoError(t, err)
	defer event.Release()

	require.NoError(t, event.Signal())
	require.NoError(t, event.Wait(nil, time.Second))

	// The signal was consumed; another wait must time out.
	assert.ErrorIs(t, event.Wait(nil, 20*time.Millisecond), ErrTimeout)
}

func TestEventWaitTimeout(t *testing.T) {
	s := newTestScheduler(t, 2, 8)

	event, err := s.CreateEvent(false)
	require.NoError(t, err)
	defer event.Release()

	assert.ErrorIs(t, event.Wait(nil, 20*time.Millisecond), ErrTimeout)
}
