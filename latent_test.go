package jobs

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSleepSingleThreadConcurrency proves cooperative multiplexing: five
// sleeping jobs share one worker thread, so total wall time tracks one
// sleep, not five.
func TestSleepSingleThreadConcurrency(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.SetMaxJobs(32))
	require.NoError(t, s.AddThreadPool(1, PriorityAll))
	require.NoError(t, s.AddFiberPool(10, 32*1024))
	require.NoError(t, s.Init())
	t.Cleanup(s.Shutdown)

	const sleepers = 5
	var finished atomic.Int32

	start := time.Now()
	for i := 0; i < sleepers; i++ {
		job := buildJob(t, s, "sleeper", func(jc *JobContext) {
			require.NoError(t, s.Sleep(jc, 100*time.Millisecond))
			finished.Add(1)
		})
		require.NoError(t, job.Dispatch())
		job.Release()
	}

	require.NoError(t, s.WaitUntilIdle(5*time.Second))
	elapsed := time.Since(start)

	assert.Equal(t, int32(sleepers), finished.Load())
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 450*time.Millisecond,
		"five 100ms sleeps on one worker should overlap, not serialize")
}

func TestSleepInfiniteRejected(t *testing.T) {
	s := newTestScheduler(t, 1, 4)
	assert.ErrorIs(t, s.Sleep(nil, Infinite), ErrInvalidTimeout)

	outcome := make(chan error, 1)
	job := buildJob(t, s, "forever", func(jc *JobContext) {
		outcome <- s.Sleep(jc, Infinite)
	})
	defer job.Release()
	require.NoError(t, job.Dispatch())
	require.NoError(t, s.WaitUntilIdle(2*time.Second))
	assert.ErrorIs(t, <-outcome, ErrInvalidTimeout)
}

func TestSleepFromThreadContext(t *testing.T) {
	s := newTestScheduler(t, 1, 4)

	start := time.Now()
	require.NoError(t, s.Sleep(nil, 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSleepResumesAfterDuration(t *testing.T) {
	s := newTestScheduler(t, 2, 8)

	var slept atomic.Int64
	job := buildJob(t, s, "nap", func(jc *JobContext) {
		start := time.Now()
		require.NoError(t, s.Sleep(jc, 50*time.Millisecond))
		slept.Store(int64(time.Since(start)))
	})
	defer job.Release()

	require.NoError(t, job.Dispatch())
	require.NoError(t, s.WaitUntilIdle(5*time.Second))

	assert.GreaterOrEqual(t, time.Duration(slept.Load()), 50*time.Millisecond)
}

func TestWaitUntilIdleTimeout(t *testing.T) {
	s := newTestScheduler(t, 2, 8)

	job := buildJob(t, s, "long-nap", func(jc *JobContext) {
		require.NoError(t, s.Sleep(jc, 200*time.Millisecond))
	})
	defer job.Release()
	require.NoError(t, job.Dispatch())

	assert.ErrorIs(t, s.WaitUntilIdle(20*time.Millisecond), ErrTimeout)
	assert.False(t, s.IsIdle())

	require.NoError(t, s.WaitUntilIdle(Infinite))
	assert.True(t, s.IsIdle())
}

// TestFiberShortageRequeues drives more suspended jobs than fibers and
// checks everything still completes once fibers recycle.
func TestFiberShortageRequeues(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.SetMaxJobs(64))
	require.NoError(t, s.AddThreadPool(2, PriorityAll))
	require.NoError(t, s.AddFiberPool(2, 32*1024))
	require.NoError(t, s.Init())
	t.Cleanup(s.Shutdown)

	const jobCount = 8
	var finished atomic.Int32
	for i := 0; i < jobCount; i++ {
		job := buildJob(t, s, "contended", func(jc *JobContext) {
			require.NoError(t, s.Sleep(jc, 20*time.Millisecond))
			finished.Add(1)
		})
		require.NoError(t, job.Dispatch())
		job.Release()
	}

	require.NoError(t, s.WaitUntilIdle(10*time.Second))
	assert.Equal(t, int32(jobCount), finished.Load())
}

// TestStackRequirementTooLarge exercises the deployment-misconfiguration
// path: no fiber pool can ever host the job.
func TestStackRequirementTooLarge(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AddThreadPool(1, PriorityAll))
	require.NoError(t, s.AddFiberPool(4, 16*1024))
	require.NoError(t, s.Init())
	t.Cleanup(s.Shutdown)

	var ran atomic.Bool
	job := buildJob(t, s, "huge-stack", func(jc *JobContext) {
		ran.Store(true)
	})
	defer job.Release()
	require.NoError(t, job.SetStackSize(1024*1024))
	require.NoError(t, job.Dispatch())

	// The job is withdrawn rather than run; the scheduler drains.
	require.NoError(t, s.WaitUntilIdle(5*time.Second))
	assert.False(t, ran.Load())
	assert.False(t, job.IsComplete())
}

func TestProfileScopesReplayAcrossSuspension(t *testing.T) {
	s := NewScheduler()

	var enters atomic.Int32
	var leaves atomic.Int32
	require.NoError(t, s.SetProfileFunctions(ProfileFunctions{
		EnterScope: func(scopeType ProfileScopeType, tag string) { enters.Add(1) },
		LeaveScope: func() { leaves.Add(1) },
	}))
	require.NoError(t, s.AddThreadPool(1, PriorityAll))
	require.NoError(t, s.AddFiberPool(4, 16*1024))
	require.NoError(t, s.Init())
	t.Cleanup(s.Shutdown)

	job := buildJob(t, s, "scoped", func(jc *JobContext) {
		require.NoError(t, jc.EnterScope(ProfileScopeUser, "inner"))
		// Suspending with a scope open forces a leave/replay pair.
		require.NoError(t, s.Sleep(jc, 20*time.Millisecond))
		require.NoError(t, jc.LeaveScope())
	})
	defer job.Release()

	require.NoError(t, job.Dispatch())
	require.NoError(t, s.WaitUntilIdle(5*time.Second))

	// Every enter is eventually balanced by a leave once the job is done
	// and the worker context is steady again; the replay around the
	// suspension adds extra pairs on top of the direct ones.
	assert.Greater(t, enters.Load(), int32(2))
	assert.InDelta(t, enters.Load(), leaves.Load(), 2,
		"enter/leave hooks should stay nearly balanced (worker root scopes stay open)")
}
