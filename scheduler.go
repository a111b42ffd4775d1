// Package jobs is a fiber-backed job scheduler: an M:N runtime that
// multiplexes a bounded number of cooperative execution contexts onto a
// fixed set of worker threads. Jobs are closures with declared
// dependencies; inside a running job every wait primitive yields the
// fiber back to its worker, so dependencies are expressed through
// ordinary blocking calls without blocking OS threads.
//
// All resources live in pools sized before Init; after Init the scheduler
// performs no allocation of its own.
package jobs

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fiberworks/jobs/internal/callback"
	"github.com/fiberworks/jobs/internal/fiber"
	"github.com/fiberworks/jobs/internal/logging"
	"github.com/fiberworks/jobs/internal/metrics"
	"github.com/fiberworks/jobs/internal/pool"
	"github.com/fiberworks/jobs/internal/queue"
	"github.com/fiberworks/jobs/internal/timing"
)

const (
	maxThreadPools = 16
	maxFiberPools  = 16
)

type threadPoolConfig struct {
	threadCount int
	priorities  Priority
}

type fiberPoolConfig struct {
	fiberCount int
	stackSize  int
}

// schedFiber pairs a pooled fiber with the job it is about to run. The
// job field is written by the worker before switching in and read by the
// fiber goroutine after; the switch handoff orders the two.
type schedFiber struct {
	fib *fiber.Fiber
	job *jobDefinition
}

// fiberPool holds fibers of one stack size. Pools are kept sorted
// ascending so binding picks the smallest sufficient stack.
type fiberPool struct {
	stackSize int
	pool      *pool.Fixed[schedFiber]
}

// Scheduler owns every pool, queue and worker. Configure it with the
// setters, call Init once, then create and dispatch jobs.
type Scheduler struct {
	logger         *logging.Logger
	debugOutput    DebugOutputFunc
	debugVerbosity DebugLogVerbosity
	profile        ProfileFunctions
	memory         MemoryFunctions
	totalAllocated atomic.Int64

	maxJobs          int
	maxDependencies  int
	maxCounters      int
	maxCallbacks     int
	maxProfileScopes int

	threadPoolConfigs []threadPoolConfig
	fiberPoolConfigs  []fiberPoolConfig

	initialized atomic.Bool
	destroying  atomic.Bool

	jobPool     *pool.Fixed[jobDefinition]
	depPool     *pool.Fixed[jobDependency]
	counterPool *pool.Fixed[counterDefinition]
	scopePool   *pool.Fixed[profileScope]
	callbacks   *callback.Scheduler
	readyQueues [priorityCount]*queue.Ring[uint32]
	fiberPools  []*fiberPool
	workers     []*workerState

	wg     sync.WaitGroup
	stopCh chan struct{}

	activeJobs atomic.Int64

	availMu    sync.Mutex
	availCh    chan struct{}
	completeMu sync.Mutex
	completeCh chan struct{}

	metrics *metrics.Collector
}

// NewScheduler returns an unconfigured scheduler with the default limits.
func NewScheduler() *Scheduler {
	return &Scheduler{
		logger:           logging.Nop(),
		maxJobs:          100,
		maxDependencies:  100,
		maxCounters:      100,
		maxCallbacks:     100,
		maxProfileScopes: 1000,
	}
}

// SetLogger injects the structured logger the scheduler writes through.
// Pre-init only.
func (s *Scheduler) SetLogger(logger *logging.Logger) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	s.logger = logger.WithComponent("scheduler")
	return nil
}

// SetMemoryFunctions installs hooks observing the up-front allocations
// Init performs. Pre-init only.
func (s *Scheduler) SetMemoryFunctions(functions MemoryFunctions) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	s.memory = functions
	return nil
}

// SetProfileFunctions installs the profile scope hook pair. Pre-init
// only.
func (s *Scheduler) SetProfileFunctions(functions ProfileFunctions) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	s.profile = functions
	return nil
}

// SetDebugOutput routes formatted debug lines at or below maxVerbosity to
// sink. Pre-init only.
func (s *Scheduler) SetDebugOutput(sink DebugOutputFunc, maxVerbosity DebugLogVerbosity) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	s.debugOutput = sink
	s.debugVerbosity = maxVerbosity
	return nil
}

// SetMaxJobs bounds the number of jobs that can exist concurrently.
// Pre-init only.
func (s *Scheduler) SetMaxJobs(n int) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	s.maxJobs = n
	return nil
}

// SetMaxDependencies bounds the dependency edge records shared between
// all jobs; every dependency takes two records. Pre-init only.
func (s *Scheduler) SetMaxDependencies(n int) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	s.maxDependencies = n
	return nil
}

// SetMaxCounters bounds the counters (and therefore events). Pre-init
// only.
func (s *Scheduler) SetMaxCounters(n int) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	s.maxCounters = n
	return nil
}

// SetMaxCallbacks bounds the latent callbacks armed by timed waits.
// Pre-init only.
func (s *Scheduler) SetMaxCallbacks(n int) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	s.maxCallbacks = n
	return nil
}

// SetMaxProfileScopes bounds the tracked profile scopes. Pre-init only.
func (s *Scheduler) SetMaxProfileScopes(n int) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	s.maxProfileScopes = n
	return nil
}

// AddThreadPool registers a pool of worker threads restricted to the
// given priority mask. Up to 16 pools. Pre-init only.
func (s *Scheduler) AddThreadPool(threadCount int, priorities Priority) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	if len(s.threadPoolConfigs) >= maxThreadPools {
		return ErrMaximumExceeded
	}
	s.threadPoolConfigs = append(s.threadPoolConfigs, threadPoolConfig{
		threadCount: threadCount,
		priorities:  priorities,
	})
	return nil
}

// AddFiberPool registers a pool of fibers sharing one declared stack
// size. Up to 16 pools. Pre-init only.
func (s *Scheduler) AddFiberPool(fiberCount int, stackSize int) error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	if len(s.fiberPoolConfigs) >= maxFiberPools {
		return ErrMaximumExceeded
	}
	s.fiberPoolConfigs = append(s.fiberPoolConfigs, fiberPoolConfig{
		fiberCount: fiberCount,
		stackSize:  stackSize,
	})
	return nil
}

// Init performs every allocation the scheduler will ever make and starts
// the worker threads and the callback timer thread.
func (s *Scheduler) Init() error {
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	if len(s.threadPoolConfigs) == 0 {
		return ErrNoThreadPools
	}
	if len(s.fiberPoolConfigs) == 0 {
		return ErrNoFiberPools
	}
	s.initialized.Store(true)

	s.stopCh = make(chan struct{})
	s.availCh = make(chan struct{})
	s.completeCh = make(chan struct{})
	s.metrics = metrics.NewCollector()

	s.jobPool = pool.New[jobDefinition](s.maxJobs, func(def *jobDefinition, index uint32) {
		def.index = index
		def.priority = PriorityMedium
		def.context.scheduler = s
	})
	s.account(int(unsafe.Sizeof(jobDefinition{})) * s.maxJobs)

	s.depPool = pool.New[jobDependency](s.maxDependencies, func(dep *jobDependency, index uint32) {
		dep.poolIndex = index
	})
	s.account(int(unsafe.Sizeof(jobDependency{})) * s.maxDependencies)

	s.counterPool = pool.New[counterDefinition](s.maxCounters, nil)
	s.account(int(unsafe.Sizeof(counterDefinition{})) * s.maxCounters)

	s.scopePool = pool.New[profileScope](s.maxProfileScopes, func(scope *profileScope, index uint32) {
		scope.poolIndex = index
	})
	s.account(int(unsafe.Sizeof(profileScope{})) * s.maxProfileScopes)

	s.callbacks = callback.New(s.maxCallbacks, s.logger)

	for i := 0; i < priorityCount; i++ {
		s.readyQueues[i] = queue.NewRing[uint32](s.maxJobs)
		s.account(4 * s.maxJobs)
	}

	for _, cfg := range s.fiberPoolConfigs {
		fp := &fiberPool{stackSize: cfg.stackSize}
		stackSize := cfg.stackSize
		fp.pool = pool.New[schedFiber](cfg.fiberCount, func(sf *schedFiber, index uint32) {
			sf.fib = fiber.New(stackSize, func() {
				s.fiberEntry(sf)
			})
		})
		s.account(cfg.stackSize * cfg.fiberCount)
		s.fiberPools = append(s.fiberPools, fp)
	}
	sort.Slice(s.fiberPools, func(i, j int) bool {
		return s.fiberPools[i].stackSize < s.fiberPools[j].stackSize
	})

	for poolIndex, cfg := range s.threadPoolConfigs {
		for workerIndex := 0; workerIndex < cfg.threadCount; workerIndex++ {
			w := &workerState{
				poolIndex:   poolIndex,
				workerIndex: workerIndex,
				priorities:  cfg.priorities,
			}
			s.workers = append(s.workers, w)
			s.wg.Add(1)
			go s.workerEntry(w)
		}
	}

	s.writeLog(VerbosityMessage, GroupScheduler, "scheduler initialized")
	s.writeLog(VerbosityMessage, GroupScheduler, "%d bytes allocated", s.totalAllocated.Load())
	s.writeLog(VerbosityMessage, GroupScheduler, "%d max jobs", s.maxJobs)
	s.writeLog(VerbosityMessage, GroupScheduler, "%d max dependencies", s.maxDependencies)
	s.writeLog(VerbosityMessage, GroupScheduler, "%d max counters", s.maxCounters)
	s.writeLog(VerbosityMessage, GroupScheduler, "%d max callbacks", s.maxCallbacks)
	s.writeLog(VerbosityMessage, GroupScheduler, "%d max profile scopes", s.maxProfileScopes)
	for i, cfg := range s.threadPoolConfigs {
		s.writeLog(VerbosityMessage, GroupScheduler, "thread pool %d: workers=%d priorities=0x%04x", i, cfg.threadCount, uint32(cfg.priorities))
	}
	for i, fp := range s.fiberPools {
		s.writeLog(VerbosityMessage, GroupScheduler, "fiber pool %d: fibers=%d stack_size=%d", i, fp.pool.Capacity(), fp.stackSize)
	}
	return nil
}

// Shutdown stops the workers and the callback thread and unwinds every
// pooled fiber. Jobs still suspended are abandoned; call WaitUntilIdle
// first for a clean stop.
func (s *Scheduler) Shutdown() {
	if !s.initialized.Load() {
		return
	}
	if s.destroying.Swap(true) {
		return
	}
	close(s.stopCh)
	s.notifyJobAvailable()
	s.wg.Wait()
	s.callbacks.Shutdown()
	for _, fp := range s.fiberPools {
		for i := 0; i < fp.pool.Capacity(); i++ {
			fp.pool.Get(uint32(i)).fib.Close()
		}
	}
	s.writeLog(VerbosityMessage, GroupScheduler, "scheduler shut down")
}

// CreateJob allocates a job slot and returns its handle.
func (s *Scheduler) CreateJob() (JobHandle, error) {
	if !s.initialized.Load() {
		return JobHandle{}, ErrNotInitialized
	}
	index, err := s.jobPool.Alloc()
	if err != nil {
		s.writeLog(VerbosityWarning, GroupScheduler, "job pool exhausted, raise the max job limit")
		return JobHandle{}, ErrOutOfJobs
	}
	def := s.jobAt(index)
	def.reset()
	def.refCount.Store(1)
	s.writeLog(VerbosityVerbose, GroupScheduler, "job handle allocated, index=%d", index)
	return JobHandle{s: s, index: index}, nil
}

// CreateCounter allocates a counter slot and returns its handle.
func (s *Scheduler) CreateCounter() (CounterHandle, error) {
	if !s.initialized.Load() {
		return CounterHandle{}, ErrNotInitialized
	}
	index, err := s.counterPool.Alloc()
	if err != nil {
		s.writeLog(VerbosityWarning, GroupScheduler, "counter pool exhausted, raise the max counter limit")
		return CounterHandle{}, ErrOutOfCounters
	}
	def := s.counterAt(index)
	def.reset()
	def.refCount.Store(1)
	s.writeLog(VerbosityVerbose, GroupScheduler, "counter handle allocated, index=%d", index)
	return CounterHandle{s: s, index: index}, nil
}

// CreateEvent allocates an event. Auto-reset events consume one waiter
// per signal; manual-reset events stay signalled until Reset.
func (s *Scheduler) CreateEvent(autoReset bool) (EventHandle, error) {
	counter, err := s.CreateCounter()
	if err != nil {
		return EventHandle{}, err
	}
	return EventHandle{counter: counter, autoReset: autoReset}, nil
}

// IsIdle reports whether no dispatched job is outstanding.
func (s *Scheduler) IsIdle() bool {
	return s.activeJobs.Load() == 0
}

// WaitUntilIdle blocks until every dispatched job has completed, or the
// timeout elapses.
func (s *Scheduler) WaitUntilIdle(timeout time.Duration) error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}
	var sw timing.Stopwatch
	sw.Start()

	for !s.IsIdle() {
		if s.destroying.Load() {
			return nil
		}
		ch := s.completeSignal()
		if s.IsIdle() {
			break
		}
		if isInfinite(timeout) {
			select {
			case <-ch:
			case <-s.stopCh:
				return nil
			}
			continue
		}
		remaining := timeout - sw.Elapsed()
		if remaining <= 0 {
			return ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			if !s.IsIdle() {
				return ErrTimeout
			}
		case <-s.stopCh:
			timer.Stop()
			return nil
		}
	}
	return nil
}

// Sleep suspends the calling job for duration, yielding its worker to
// other jobs. With a nil context it degrades to an OS sleep. Sleeping
// forever is rejected.
func (s *Scheduler) Sleep(jc *JobContext, duration time.Duration) error {
	if isInfinite(duration) {
		return ErrInvalidTimeout
	}
	if jc == nil || jc.def == nil {
		time.Sleep(duration)
		return nil
	}

	def := jc.def
	w := jc.worker
	s.writeLog(VerbosityVerbose, GroupJob, "sleeping job, index=%d", def.index)
	def.storeStatus(statusSleeping)

	_, err := s.callbacks.Schedule(duration, func() {
		// CAS so a racing waker can never double-queue the job.
		if def.casStatus(statusSleeping, statusPending) {
			s.writeLog(VerbosityVerbose, GroupJob, "waking job, index=%d", def.index)
			s.requeueJob(def.index)
			s.notifyJobAvailable()
		}
	})
	if err != nil {
		def.storeStatus(statusRunning)
		return ErrOutOfCallbacks
	}
	s.metrics.CallbacksScheduled.Inc()

	s.returnToWorker(w, jc, true)
	return nil
}

// waitForJob implements JobHandle.Wait for both calling contexts.
func (s *Scheduler) waitForJob(h JobHandle, jc *JobContext, timeout time.Duration) error {
	target := s.jobAt(h.index)

	if jc != nil && jc.def != nil {
		def := jc.def
		w := jc.worker
		def.storeStatus(statusWaitingOnJob)

		// Attach under the shared lock; the completer sweeps under the
		// exclusive lock, so the completed check and the attach are one
		// unit against it.
		attached := false
		target.waiters.mu.RLock()
		if target.loadStatus() != statusCompleted {
			def.waitJobLink.job = def
			target.waiters.attachLocked(&def.waitJobLink)
			attached = true
		}
		target.waiters.mu.RUnlock()

		if !attached {
			def.storeStatus(statusRunning)
			return nil
		}

		var cb callback.Handle
		hasCB := false
		if !isInfinite(timeout) {
			handle, err := s.callbacks.Schedule(timeout, func() {
				if def.casStatus(statusWaitingOnJob, statusPending) {
					def.waitTimedOut.Store(true)
					target.waiters.unlink(&def.waitJobLink)
					s.requeueJob(def.index)
					s.notifyJobAvailable()
				}
			})
			if err != nil {
				if def.casStatus(statusWaitingOnJob, statusRunning) {
					target.waiters.unlink(&def.waitJobLink)
					return ErrOutOfCallbacks
				}
				// The completer already signalled; suspend so the
				// pending wake has a parked fiber to resume.
				s.returnToWorker(w, jc, true)
				return nil
			}
			cb = handle
			hasCB = true
			s.metrics.CallbacksScheduled.Inc()
		}

		s.returnToWorker(w, jc, true)

		if def.waitTimedOut.CompareAndSwap(true, false) {
			s.metrics.WaitTimeouts.Inc()
			return ErrTimeout
		}
		if hasCB {
			s.callbacks.Cancel(cb)
		}
		return nil
	}

	// Thread path: poll the completion broadcast.
	var sw timing.Stopwatch
	sw.Start()
	for target.loadStatus() != statusCompleted {
		ch := s.completeSignal()
		if target.loadStatus() == statusCompleted {
			break
		}
		if isInfinite(timeout) {
			select {
			case <-ch:
			case <-s.stopCh:
				return ErrTimeout
			}
			continue
		}
		remaining := timeout - sw.Elapsed()
		if remaining <= 0 {
			s.metrics.WaitTimeouts.Inc()
			return ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			return ErrTimeout
		}
	}
	return nil
}

// GetLogicalCoreCount returns the number of logical cores available for
// sizing thread pools.
func GetLogicalCoreCount() int {
	return runtime.NumCPU()
}

// MetricsRegistry exposes the scheduler's Prometheus registry for
// exposition. Available after Init.
func (s *Scheduler) MetricsRegistry() *prometheus.Registry {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Registry()
}

func (s *Scheduler) jobAt(index uint32) *jobDefinition {
	return s.jobPool.Get(index)
}

func (s *Scheduler) increaseJobRef(index uint32) {
	s.jobAt(index).refCount.Add(1)
}

func (s *Scheduler) decreaseJobRef(index uint32) {
	def := s.jobAt(index)
	if def.refCount.Add(-1) == 0 {
		s.freeJob(index)
	}
}

func (s *Scheduler) freeJob(index uint32) {
	def := s.jobAt(index)
	if def.context.hasFiber {
		s.freeFiber(def)
	}
	s.clearJobDependencies(index)
	if def.completionCounter.IsValid() {
		s.decreaseCounterRef(def.completionCounter.index)
	}
	def.reset()
	s.writeLog(VerbosityVerbose, GroupScheduler, "job handle freed, index=%d", index)
	s.jobPool.Free(index)
}

// addJobDependency links predecessor before successor with a pair of edge
// records, one in each endpoint's list. On exhaustion the attempted edge
// is absent from both lists.
func (s *Scheduler) addJobDependency(successor, predecessor uint32) error {
	succ := s.jobAt(successor)
	pred := s.jobAt(predecessor)
	if !succ.isMutable() || !pred.isMutable() {
		return ErrNotMutable
	}

	succEdgeIndex, err := s.depPool.Alloc()
	if err != nil {
		s.writeLog(VerbosityWarning, GroupJob,
			"dependency pool exhausted, job ordering may be incorrect; raise the max dependency limit")
		return ErrOutOfDependencies
	}
	predEdgeIndex, err := s.depPool.Alloc()
	if err != nil {
		s.depPool.Free(succEdgeIndex)
		s.writeLog(VerbosityWarning, GroupJob,
			"dependency pool exhausted, job ordering may be incorrect; raise the max dependency limit")
		return ErrOutOfDependencies
	}

	// Each edge record holds a reference on the job it names, so neither
	// endpoint can be recycled while the edge exists.
	succEdge := s.depPool.Get(succEdgeIndex)
	succEdge.jobIndex = successor
	succEdge.next = pred.firstSuccessor
	s.increaseJobRef(successor)

	predEdge := s.depPool.Get(predEdgeIndex)
	predEdge.jobIndex = predecessor
	predEdge.next = succ.firstPredecessor
	s.increaseJobRef(predecessor)

	pred.firstSuccessor = succEdge
	succ.firstPredecessor = predEdge
	succ.pendingPredecessors.Add(1)
	return nil
}

// clearJobDependencies frees both edge lists of a job. Each edge record
// is owned by exactly one list, so records are freed exactly once even
// though every logical dependency has two halves.
func (s *Scheduler) clearJobDependencies(index uint32) {
	def := s.jobAt(index)

	for dep := def.firstPredecessor; dep != nil; {
		next := dep.next
		referenced := dep.jobIndex
		dep.next = nil
		s.depPool.Free(dep.poolIndex)
		s.decreaseJobRef(referenced)
		dep = next
	}
	def.firstPredecessor = nil

	for dep := def.firstSuccessor; dep != nil; {
		next := dep.next
		referenced := dep.jobIndex
		dep.next = nil
		s.depPool.Free(dep.poolIndex)
		s.decreaseJobRef(referenced)
		dep = next
	}
	def.firstSuccessor = nil
	def.pendingPredecessors.Store(0)
}

func (s *Scheduler) account(sizeBytes int) {
	s.totalAllocated.Add(int64(sizeBytes))
	if s.memory.OnAlloc != nil {
		s.memory.OnAlloc(sizeBytes)
	}
	s.writeLog(VerbosityVerbose, GroupMemory, "allocated block, size=%d total=%d", sizeBytes, s.totalAllocated.Load())
}

// writeLog routes a debug line to the structured logger and, when
// configured, to the user debug sink. Lines above the sink's verbosity
// are fully suppressed there.
func (s *Scheduler) writeLog(level DebugLogVerbosity, group DebugLogGroup, format string, args ...any) {
	switch level {
	case VerbosityError:
		s.logger.Error().Str("group", group.String()).Msgf(format, args...)
	case VerbosityWarning:
		s.logger.Warn().Str("group", group.String()).Msgf(format, args...)
	case VerbosityMessage:
		s.logger.Info().Str("group", group.String()).Msgf(format, args...)
	default:
		s.logger.Trace().Str("group", group.String()).Msgf(format, args...)
	}

	if s.debugOutput != nil && level <= s.debugVerbosity {
		message := fmt.Sprintf(format, args...)
		s.debugOutput(level, group, fmt.Sprintf("[%s] %s: %s", group, level, message))
	}
}

// availableSignal returns the current job-available broadcast channel.
// Grab it before scanning the queues so a push between scan and wait
// still wakes the caller.
func (s *Scheduler) availableSignal() <-chan struct{} {
	s.availMu.Lock()
	defer s.availMu.Unlock()
	return s.availCh
}

func (s *Scheduler) notifyJobAvailable() {
	s.availMu.Lock()
	close(s.availCh)
	s.availCh = make(chan struct{})
	s.availMu.Unlock()
}

func (s *Scheduler) completeSignal() <-chan struct{} {
	s.completeMu.Lock()
	defer s.completeMu.Unlock()
	return s.completeCh
}

func (s *Scheduler) notifyJobComplete() {
	s.completeMu.Lock()
	close(s.completeCh)
	s.completeCh = make(chan struct{})
	s.completeMu.Unlock()
}
