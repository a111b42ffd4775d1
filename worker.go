package jobs

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fiberworks/jobs/internal/fiber"
)

// atomicOr32 and atomicAnd32 replicate atomic.Uint32's Or/And (added in Go
// 1.23) via a CAS loop, returning the value held before the update.
func atomicOr32(x *atomic.Uint32, val uint32) uint32 {
	for {
		old := x.Load()
		if x.CompareAndSwap(old, old|val) {
			return old
		}
	}
}

func atomicAnd32(x *atomic.Uint32, val uint32) uint32 {
	for {
		old := x.Load()
		if x.CompareAndSwap(old, old&val) {
			return old
		}
	}
}

// workerState is the per-worker bookkeeping the original design keeps in
// thread-local storage: the bootstrap fiber's context, the flags the job
// fiber sets before switching back, and the profile scope cache.
type workerState struct {
	poolIndex   int
	workerIndex int
	priorities  Priority

	workerCtx JobContext
	activeCtx *JobContext

	jobCompleted    bool
	suppressRequeue bool

	scopeCache []*profileScope
}

var priorityLabels = [priorityCount]string{"slow", "low", "medium", "high", "critical"}

func priorityLabel(queueIndex int) string {
	if queueIndex < 0 || queueIndex >= priorityCount {
		return strconv.Itoa(queueIndex)
	}
	return priorityLabels[queueIndex]
}

// workerEntry is the body of one worker thread. The goroutine pins its OS
// thread, converts itself into the bootstrap fiber, and drains ready
// queues until shutdown.
func (s *Scheduler) workerEntry(w *workerState) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.workerCtx.scheduler = s
	w.workerCtx.hasFiber = true
	w.workerCtx.isRaw = true
	w.workerCtx.fib = fiber.ConvertCurrent()
	w.workerCtx.worker = w
	w.activeCtx = &w.workerCtx
	w.scopeCache = make([]*profileScope, 0, workerScopeCacheSize)

	s.writeLog(VerbosityVerbose, GroupWorker, "worker started, pool=%d worker=%d priorities=0x%04x",
		w.poolIndex, w.workerIndex, uint32(w.priorities))

	_ = w.workerCtx.EnterScope(ProfileScopeWorker, "Worker (pool=%d, index=%d)", w.poolIndex, w.workerIndex)

	for !s.destroying.Load() {
		s.executeNextJob(w, w.priorities, true)
	}

	_ = w.workerCtx.LeaveScope()
	s.writeLog(VerbosityVerbose, GroupWorker, "worker terminated, pool=%d worker=%d", w.poolIndex, w.workerIndex)
}

// fiberEntry is the body of every pooled fiber. Each pass runs one job to
// completion; suspension happens inside the work closure via the wait
// primitives, which switch back to the worker without returning here.
func (s *Scheduler) fiberEntry(sf *schedFiber) {
	for {
		def := sf.job
		s.writeLog(VerbosityVerbose, GroupJob, "executing job, index=%d tag=%s", def.index, def.tag)

		_ = def.context.EnterScope(ProfileScopeFiber, "%s", def.tag)
		if def.work != nil {
			def.work(&def.context)
		}
		_ = def.context.LeaveScope()

		// The job may have resumed on a different worker than the one
		// that first ran it; flag completion on whichever worker hosts
		// it now.
		w := def.context.worker
		w.jobCompleted = true
		s.switchContext(&def.context, &w.workerCtx)
	}
}

// switchContext leaves the current context (emitting leave hooks for its
// open profile scopes), restores the target's scope stack, and resumes
// the target fiber where it yielded.
func (s *Scheduler) switchContext(from, to *JobContext) {
	s.leaveContext(from)
	s.enterContext(to)
	fiber.Switch(from.fib, to.fib)
}

// returnToWorker yields the calling job's fiber back to the worker that
// hosted it when the wait began. Wait primitives pass suppressRequeue=true
// because their waker (signal or timeout callback) owns the requeue. The
// caller must capture w from jc.worker BEFORE arming its wake path: an
// instantly-firing waker can requeue the job and let another worker rebind
// jc.worker before this fiber has parked, and yielding to that worker
// instead would strand the original one in its switch forever.
func (s *Scheduler) returnToWorker(w *workerState, jc *JobContext, suppressRequeue bool) {
	w.suppressRequeue = suppressRequeue
	s.switchContext(jc, &w.workerCtx)
}

// dispatchJob moves a job from Initialized (or Completed, for reuse) to
// Pending and enqueues it unless predecessors are still outstanding.
func (s *Scheduler) dispatchJob(index uint32) error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}
	def := s.jobAt(index)
	status := def.loadStatus()
	if status != statusInitialized && status != statusCompleted {
		return ErrAlreadyDispatched
	}

	s.writeLog(VerbosityVerbose, GroupJob, "dispatching job, index=%d tag=%s", index, def.tag)

	// Scheduled-hold: the job cannot be freed while the scheduler owns it.
	s.increaseJobRef(index)
	def.context.queuesContainedIn.Store(0)
	def.context.def = def
	def.waitTimedOut.Store(false)

	s.activeJobs.Add(1)
	s.metrics.ActiveJobs.Inc()
	s.metrics.JobsDispatched.Inc()

	// Publish Pending before reading the predecessor count. A completing
	// predecessor decrements the count before reading the status, so
	// whichever of the two races ahead, at least one side observes the
	// other and requeues; the queue bits make a double requeue harmless.
	def.storeStatus(statusPending)
	if def.pendingPredecessors.Load() == 0 {
		s.requeueJob(index)
	}
	s.notifyJobAvailable()
	return nil
}

// requeueJob pushes the job's index into every priority queue its mask
// names, skipping queues that already hold it. Safe to call from
// concurrent wakers.
func (s *Scheduler) requeueJob(index uint32) {
	def := s.jobAt(index)
	for i := 0; i < priorityCount; i++ {
		bit := uint32(1) << uint(i)
		if uint32(def.priority)&bit == 0 {
			continue
		}
		if atomicOr32(&def.context.queuesContainedIn, bit)&bit != 0 {
			continue
		}
		if err := s.readyQueues[i].Push(index); err != nil {
			s.writeLog(VerbosityError, GroupScheduler, "ready queue %s overflowed", priorityLabel(i))
			continue
		}
		s.metrics.QueueDepth.WithLabelValues(priorityLabel(i)).Set(float64(s.readyQueues[i].Len()))
	}
	s.metrics.JobsRequeued.Inc()
}

// getNextJob scans the ready queues from critical down to slow and claims
// the first pending job whose priority bit the caller may run. When block
// is set it parks on the job-available broadcast between scans.
func (s *Scheduler) getNextJob(priorities Priority, block bool) (uint32, bool) {
	for !s.destroying.Load() {
		// Grab the broadcast channel before scanning so a push between
		// scan and wait still wakes us.
		ch := s.availableSignal()

		for i := priorityCount - 1; i >= 0; i-- {
			bit := Priority(1) << uint(i)
			if priorities&bit == 0 {
				continue
			}
			if index, ok := s.popReady(i, uint32(bit)); ok {
				return index, true
			}
		}

		if !block {
			break
		}
		select {
		case <-ch:
		case <-s.stopCh:
			return 0, false
		}
	}
	return 0, false
}

// popReady drains one queue looking for a claimable index. The status CAS
// is the claim: a job sitting in several priority queues is run by
// exactly one worker, and stale indices (job already claimed elsewhere,
// or suspended again) are dropped.
func (s *Scheduler) popReady(queueIndex int, mask uint32) (uint32, bool) {
	q := s.readyQueues[queueIndex]
	count := q.Len()
	for i := 0; i < count; i++ {
		index, err := q.Pop()
		if err != nil {
			break
		}
		def := s.jobAt(index)
		atomicAnd32(&def.context.queuesContainedIn, ^mask)
		if def.casStatus(statusPending, statusRunning) {
			s.metrics.QueueDepth.WithLabelValues(priorityLabel(queueIndex)).Set(float64(q.Len()))
			s.writeLog(VerbosityVerbose, GroupWorker, "picked up job %d from queue %s", index, priorityLabel(queueIndex))
			return index, true
		}
	}
	return 0, false
}

// executeNextJob claims a job, lazily binds a fiber, switches in, and on
// return either completes or requeues. Returns true when there was work.
func (s *Scheduler) executeNextJob(w *workerState, priorities Priority, block bool) bool {
	index, ok := s.getNextJob(priorities, block)
	if !ok {
		return false
	}
	def := s.jobAt(index)

	if !def.context.hasFiber {
		switch err := s.bindFiber(def); err {
		case nil:
		case ErrOutOfFibers:
			// Every fitting fiber is bound to a suspended job; put the
			// job back and let a completion free one up.
			s.metrics.FiberStarvation.Inc()
			s.writeLog(VerbosityWarning, GroupJob, "requeuing job as no fibers available, index=%d", index)
			def.storeStatus(statusPending)
			s.requeueJob(index)
			return true
		default:
			// No pool can ever satisfy this stack requirement. The job
			// is withdrawn; running it is impossible.
			s.writeLog(VerbosityError, GroupJob,
				"no fiber pool has a stack of %d bytes, job %q will never run", def.stackSize, def.tag)
			def.storeStatus(statusInitialized)
			s.activeJobs.Add(-1)
			s.metrics.ActiveJobs.Dec()
			s.decreaseJobRef(index)
			s.notifyJobComplete()
			return true
		}
	}

	w.jobCompleted = false
	w.suppressRequeue = false
	def.context.worker = w
	def.context.sf.job = def

	s.writeLog(VerbosityVerbose, GroupJob, "switching to job=%d fiber=%d:%d",
		index, def.context.fiberPoolIndex, def.context.fiberIndex)

	start := time.Now()
	s.switchContext(&w.workerCtx, &def.context)
	s.metrics.JobRunDuration.Observe(time.Since(start).Seconds())

	if w.jobCompleted {
		s.completeJob(index)
	} else if !w.suppressRequeue {
		def.casStatus(statusRunning, statusPending)
		s.requeueJob(index)
	}
	return true
}

// bindFiber allocates a fiber from the smallest pool whose stack fits the
// job's requirement.
func (s *Scheduler) bindFiber(def *jobDefinition) error {
	anySuitable := false
	for poolIndex, fp := range s.fiberPools {
		if fp.stackSize < def.stackSize {
			continue
		}
		anySuitable = true
		index, err := fp.pool.Alloc()
		if err != nil {
			continue
		}
		def.context.hasFiber = true
		def.context.fiberPoolIndex = poolIndex
		def.context.fiberIndex = index
		def.context.sf = fp.pool.Get(index)
		def.context.fib = def.context.sf.fib
		s.metrics.FibersInUse.WithLabelValues(strconv.Itoa(poolIndex)).Inc()
		s.writeLog(VerbosityVerbose, GroupJob, "fiber allocated, pool=%d index=%d", poolIndex, index)
		return nil
	}
	if !anySuitable {
		return ErrMaximumExceeded
	}
	return ErrOutOfFibers
}

// freeFiber returns a job's fiber to its pool. The fiber keeps the job's
// stack only until completion; it is not released at suspension points.
func (s *Scheduler) freeFiber(def *jobDefinition) {
	poolIndex := def.context.fiberPoolIndex
	s.fiberPools[poolIndex].pool.Free(def.context.fiberIndex)
	s.metrics.FibersInUse.WithLabelValues(strconv.Itoa(poolIndex)).Dec()
	s.writeLog(VerbosityVerbose, GroupJob, "fiber freed, pool=%d index=%d", poolIndex, def.context.fiberIndex)
	def.context.hasFiber = false
	def.context.sf = nil
	def.context.fib = nil
}

// completeJob finishes a job that returned from its closure: waiters and
// successors wake, the fiber and dependency edges are released, and the
// scheduled-hold reference is dropped.
func (s *Scheduler) completeJob(index uint32) {
	def := s.jobAt(index)
	if def.loadStatus() != statusRunning {
		s.writeLog(VerbosityError, GroupJob, "completing job %d in state %s", index, def.loadStatus())
	}
	def.storeStatus(statusCompleted)

	// Wake every job suspended on this handle. A waiter whose timeout
	// fired concurrently loses the CAS and is skipped; its own timeout
	// path unlinks it.
	wokeWaiters := 0
	def.waiters.sweep(func(n *waitNode) bool {
		waiter := n.job
		if waiter.casStatus(statusWaitingOnJob, statusPending) {
			s.requeueJob(waiter.index)
			wokeWaiters++
			return true
		}
		return false
	})

	// Completion counter fires before any handle is released.
	if def.completionCounter.IsValid() {
		_ = def.completionCounter.Add(1)
	}

	// Release successors whose last predecessor this was. See
	// dispatchJob for the ordering that makes the status check safe.
	wokeSuccessor := false
	for dep := def.firstSuccessor; dep != nil; dep = dep.next {
		succ := s.jobAt(dep.jobIndex)
		if succ.pendingPredecessors.Add(-1) == 0 {
			if succ.loadStatus() == statusPending {
				s.requeueJob(succ.index)
				wokeSuccessor = true
			}
		}
	}

	if def.context.hasFiber {
		s.freeFiber(def)
	}
	s.clearJobDependencies(index)
	s.decreaseJobRef(index)

	s.activeJobs.Add(-1)
	s.metrics.ActiveJobs.Dec()
	s.metrics.JobsCompleted.Inc()

	if wokeWaiters > 0 || wokeSuccessor {
		s.notifyJobAvailable()
	}
	s.notifyJobComplete()
}
