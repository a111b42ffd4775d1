package jobs

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestScheduler builds an initialized scheduler torn down with the
// test.
func newTestScheduler(t *testing.T, threads, fibers int) *Scheduler {
	t.Helper()
	s := NewScheduler()
	require.NoError(t, s.SetMaxJobs(256))
	require.NoError(t, s.SetMaxDependencies(256))
	require.NoError(t, s.SetMaxCounters(64))
	require.NoError(t, s.SetMaxCallbacks(64))
	require.NoError(t, s.AddThreadPool(threads, PriorityAll))
	require.NoError(t, s.AddFiberPool(fibers, 64*1024))
	require.NoError(t, s.Init())
	t.Cleanup(s.Shutdown)
	return s
}

func TestInitRequiresThreadPools(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AddFiberPool(8, 32*1024))
	assert.ErrorIs(t, s.Init(), ErrNoThreadPools)
}

func TestInitRequiresFiberPools(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AddThreadPool(2, PriorityAll))
	assert.ErrorIs(t, s.Init(), ErrNoFiberPools)
}

func TestDoubleInit(t *testing.T) {
	s := newTestScheduler(t, 1, 4)
	assert.ErrorIs(t, s.Init(), ErrAlreadyInitialized)
}

func TestSettersRejectedAfterInit(t *testing.T) {
	s := newTestScheduler(t, 1, 4)

	tests := []struct {
		name string
		call func() error
	}{
		{"SetMaxJobs", func() error { return s.SetMaxJobs(10) }},
		{"SetMaxDependencies", func() error { return s.SetMaxDependencies(10) }},
		{"SetMaxCounters", func() error { return s.SetMaxCounters(10) }},
		{"SetMaxCallbacks", func() error { return s.SetMaxCallbacks(10) }},
		{"SetMaxProfileScopes", func() error { return s.SetMaxProfileScopes(10) }},
		{"AddThreadPool", func() error { return s.AddThreadPool(1, PriorityAll) }},
		{"AddFiberPool", func() error { return s.AddFiberPool(1, 1024) }},
		{"SetMemoryFunctions", func() error { return s.SetMemoryFunctions(MemoryFunctions{}) }},
		{"SetProfileFunctions", func() error { return s.SetProfileFunctions(ProfileFunctions{}) }},
		{"SetDebugOutput", func() error { return s.SetDebugOutput(func(DebugLogVerbosity, DebugLogGroup, string) {}, VerbosityVerbose) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrAlreadyInitialized)
		})
	}
}

func TestPoolCountLimits(t *testing.T) {
	s := NewScheduler()
	for i := 0; i < maxThreadPools; i++ {
		require.NoError(t, s.AddThreadPool(1, PriorityAll))
	}
	assert.ErrorIs(t, s.AddThreadPool(1, PriorityAll), ErrMaximumExceeded)

	for i := 0; i < maxFiberPools; i++ {
		require.NoError(t, s.AddFiberPool(1, 1024*(i+1)))
	}
	assert.ErrorIs(t, s.AddFiberPool(1, 1024), ErrMaximumExceeded)
}

func TestCreateBeforeInit(t *testing.T) {
	s := NewScheduler()
	_, err := s.CreateJob()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = s.CreateCounter()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestMemoryHooksObserveInit(t *testing.T) {
	s := NewScheduler()

	var mu sync.Mutex
	total := 0
	require.NoError(t, s.SetMemoryFunctions(MemoryFunctions{
		OnAlloc: func(sizeBytes int) {
			mu.Lock()
			total += sizeBytes
			mu.Unlock()
		},
	}))
	require.NoError(t, s.AddThreadPool(1, PriorityAll))
	require.NoError(t, s.AddFiberPool(4, 16*1024))
	require.NoError(t, s.Init())
	t.Cleanup(s.Shutdown)

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, total, "init should account its allocations")
}

func TestDebugOutputSuppressesAboveVerbosity(t *testing.T) {
	s := NewScheduler()

	var mu sync.Mutex
	var lines []string
	require.NoError(t, s.SetDebugOutput(func(level DebugLogVerbosity, group DebugLogGroup, message string) {
		mu.Lock()
		lines = append(lines, message)
		mu.Unlock()
	}, VerbosityMessage))
	require.NoError(t, s.AddThreadPool(1, PriorityAll))
	require.NoError(t, s.AddFiberPool(4, 16*1024))
	require.NoError(t, s.Init())
	t.Cleanup(s.Shutdown)

	job, err := s.CreateJob()
	require.NoError(t, err)
	require.NoError(t, job.SetWork(func(jc *JobContext) {}))
	require.NoError(t, job.Dispatch())
	require.NoError(t, s.WaitUntilIdle(time.Second))
	job.Release()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lines, "init banner should reach the sink")
	for _, line := range lines {
		assert.NotContains(t, line, "] verbose:", "verbose output must be suppressed below the configured verbosity")
	}
	assert.True(t, strings.Contains(lines[0], "scheduler initialized"))
}

func TestMetricsRegistryExposed(t *testing.T) {
	s := newTestScheduler(t, 1, 4)

	registry := s.MetricsRegistry()
	require.NotNil(t, registry)

	job, err := s.CreateJob()
	require.NoError(t, err)
	require.NoError(t, job.SetWork(func(jc *JobContext) {}))
	require.NoError(t, job.Dispatch())
	require.NoError(t, s.WaitUntilIdle(time.Second))
	job.Release()

	families, err := registry.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, family := range families {
		found[family.GetName()] = true
	}
	assert.True(t, found["fibersched_jobs_dispatched_total"])
	assert.True(t, found["fibersched_jobs_completed_total"])
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AddThreadPool(1, PriorityAll))
	require.NoError(t, s.AddFiberPool(2, 16*1024))
	require.NoError(t, s.Init())

	s.Shutdown()
	s.Shutdown()
}

func TestWaitUntilIdleOnIdleScheduler(t *testing.T) {
	s := newTestScheduler(t, 1, 4)
	assert.True(t, s.IsIdle())
	assert.NoError(t, s.WaitUntilIdle(10*time.Millisecond))
}

func TestGetLogicalCoreCount(t *testing.T) {
	assert.Positive(t, GetLogicalCoreCount())
}

func TestParsePriorityMask(t *testing.T) {
	mask, err := ParsePriorityMask([]string{"high", "critical"})
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh|PriorityCritical, mask)

	mask, err = ParsePriorityMask(nil)
	require.NoError(t, err)
	assert.Equal(t, PriorityAll, mask)

	_, err = ParsePriorityMask([]string{"urgent"})
	assert.Error(t, err)
}
