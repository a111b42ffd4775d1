package jobs

import (
	"sync/atomic"
	"time"

	"github.com/fiberworks/jobs/internal/fiber"
)

// JobWorkFunc is the body of a job. The context it receives is valid only
// for the duration of the run and is the first argument to every
// suspension primitive.
type JobWorkFunc func(jc *JobContext)

// maxTagLength bounds a job's descriptive tag.
const maxTagLength = 63

// invalidJobIndex marks stack-owned fake waiters used by blocking thread
// callers.
const invalidJobIndex = ^uint32(0)

// JobContext is the execution context of a job (or of a worker's
// bootstrap fiber). It carries the bound fiber, the ready-queue
// membership bits and the profile scope stack, all owned by the
// scheduler.
type JobContext struct {
	scheduler *Scheduler
	def       *jobDefinition

	hasFiber       bool
	isRaw          bool
	fib            *fiber.Fiber
	sf             *schedFiber
	fiberPoolIndex int
	fiberIndex     uint32

	// Bitmask of the priority queues currently holding this job's index.
	// Guarantees at most one enqueue per priority bit per lifecycle.
	queuesContainedIn atomic.Uint32

	profileHead  *profileScope
	profileTail  *profileScope
	profileDepth int

	// The worker currently hosting this context. Rebound every time a
	// worker switches the context in.
	worker *workerState
}

// Scheduler returns the scheduler that owns this context.
func (jc *JobContext) Scheduler() *Scheduler {
	return jc.scheduler
}

func (jc *JobContext) reset() {
	jc.def = nil
	jc.hasFiber = false
	jc.isRaw = false
	jc.fib = nil
	jc.sf = nil
	jc.fiberPoolIndex = 0
	jc.fiberIndex = 0
	jc.queuesContainedIn.Store(0)
	jc.profileHead = nil
	jc.profileTail = nil
	jc.profileDepth = 0
	jc.worker = nil
}

// jobDependency is one half of a dependency edge, living in either a
// predecessor's successor list or a successor's predecessor list. Both
// halves come from the shared edge pool and reference the other endpoint
// by index.
type jobDependency struct {
	poolIndex uint32
	jobIndex  uint32
	next      *jobDependency
}

// jobDefinition carries all per-job state. Client-settable fields are
// mutable only while the status is Initialized or Completed; everything
// else is scheduler-owned.
type jobDefinition struct {
	index    uint32
	refCount atomic.Int32

	work      JobWorkFunc
	stackSize int
	priority  Priority
	tag       string

	status atomic.Int32

	firstPredecessor    *jobDependency
	firstSuccessor      *jobDependency
	pendingPredecessors atomic.Int32

	completionCounter CounterHandle

	// Wait-point state, valid only while suspended.
	waitCounterValue        uint64
	waitCounterRemove       bool
	waitCounterDoNotRequeue bool
	waitCounterLink         waitNode
	waitJobLink             waitNode
	waitTimedOut            atomic.Bool

	// Wake channel for stack-owned fake waiters from thread callers.
	threadWake chan struct{}

	// Jobs suspended on this job's completion.
	waiters multiWriterList

	context JobContext
}

func (def *jobDefinition) loadStatus() jobStatus {
	return jobStatus(def.status.Load())
}

func (def *jobDefinition) storeStatus(status jobStatus) {
	def.status.Store(int32(status))
}

func (def *jobDefinition) casStatus(from, to jobStatus) bool {
	return def.status.CompareAndSwap(int32(from), int32(to))
}

func (def *jobDefinition) isMutable() bool {
	status := def.loadStatus()
	return status == statusInitialized || status == statusCompleted
}

func (def *jobDefinition) reset() {
	def.refCount.Store(0)
	def.work = nil
	def.stackSize = 0
	def.priority = PriorityMedium
	def.tag = ""
	def.status.Store(int32(statusInitialized))
	def.firstPredecessor = nil
	def.firstSuccessor = nil
	def.pendingPredecessors.Store(0)
	def.completionCounter = CounterHandle{}
	def.waitCounterValue = 0
	def.waitCounterRemove = false
	def.waitCounterDoNotRequeue = false
	def.waitCounterLink = waitNode{}
	def.waitJobLink = waitNode{}
	def.waitTimedOut.Store(false)
	def.threadWake = nil
	def.waiters.head.Store(nil)
	def.context.reset()
}

// JobHandle is a refcounted reference to a pooled job. The zero value is
// invalid. Handles are cheap to copy; Release must be called exactly once
// per handle obtained from CreateJob.
type JobHandle struct {
	s     *Scheduler
	index uint32
}

// IsValid reports whether the handle references a job.
func (h JobHandle) IsValid() bool {
	return h.s != nil
}

// Release drops the handle's reference. The job slot is recycled once the
// last reference is gone and the job is not scheduled.
func (h *JobHandle) Release() {
	if h.s == nil {
		return
	}
	h.s.decreaseJobRef(h.index)
	h.s = nil
}

// SetWork sets the closure the job runs.
func (h JobHandle) SetWork(work JobWorkFunc) error {
	def, err := h.mutableDef()
	if err != nil {
		return err
	}
	def.work = work
	return nil
}

// SetTag sets the job's descriptive tag, truncated to 63 characters. The
// tag names the job in debug output and profile scopes.
func (h JobHandle) SetTag(tag string) error {
	def, err := h.mutableDef()
	if err != nil {
		return err
	}
	if len(tag) > maxTagLength {
		tag = tag[:maxTagLength]
	}
	def.tag = tag
	return nil
}

// SetStackSize declares the stack the job requires; the scheduler binds
// the job to a fiber from the smallest pool that satisfies it.
func (h JobHandle) SetStackSize(bytes int) error {
	def, err := h.mutableDef()
	if err != nil {
		return err
	}
	def.stackSize = bytes
	return nil
}

// SetPriority sets the job's priority bitmask.
func (h JobHandle) SetPriority(priority Priority) error {
	def, err := h.mutableDef()
	if err != nil {
		return err
	}
	def.priority = priority
	return nil
}

// SetCompletionCounter attaches a counter that receives Add(1) every time
// the job completes.
func (h JobHandle) SetCompletionCounter(counter CounterHandle) error {
	def, err := h.mutableDef()
	if err != nil {
		return err
	}
	if !counter.IsValid() {
		return ErrInvalidHandle
	}
	if def.completionCounter.IsValid() {
		h.s.decreaseCounterRef(def.completionCounter.index)
	}
	h.s.increaseCounterRef(counter.index)
	def.completionCounter = counter
	return nil
}

// AddPredecessor orders this job after other: it will not be enqueued
// until other has completed.
func (h JobHandle) AddPredecessor(other JobHandle) error {
	if !h.IsValid() || !other.IsValid() {
		return ErrInvalidHandle
	}
	return h.s.addJobDependency(h.index, other.index)
}

// AddSuccessor orders other after this job.
func (h JobHandle) AddSuccessor(other JobHandle) error {
	if !h.IsValid() || !other.IsValid() {
		return ErrInvalidHandle
	}
	return h.s.addJobDependency(other.index, h.index)
}

// ClearDependencies removes every dependency edge touching this job.
func (h JobHandle) ClearDependencies() error {
	def, err := h.mutableDef()
	if err != nil {
		return err
	}
	h.s.clearJobDependencies(def.index)
	return nil
}

// Dispatch hands the job to the scheduler. The job becomes immutable
// until it completes; a completed job may be dispatched again and starts
// with a clean dependency slate.
func (h JobHandle) Dispatch() error {
	if !h.IsValid() {
		return ErrInvalidHandle
	}
	return h.s.dispatchJob(h.index)
}

// Wait blocks until the job completes or the timeout elapses. Called with
// a job context it suspends the calling fiber; with a nil context it
// blocks the calling goroutine.
func (h JobHandle) Wait(jc *JobContext, timeout time.Duration) error {
	if !h.IsValid() {
		return ErrInvalidHandle
	}
	return h.s.waitForJob(h, jc, timeout)
}

// IsPending reports whether the job is queued or waiting to be queued.
func (h JobHandle) IsPending() bool {
	if !h.IsValid() {
		return false
	}
	return h.s.jobAt(h.index).loadStatus() == statusPending
}

// IsRunning reports whether the job is on a worker right now.
func (h JobHandle) IsRunning() bool {
	if !h.IsValid() {
		return false
	}
	return h.s.jobAt(h.index).loadStatus() == statusRunning
}

// IsComplete reports whether the job's last dispatch ran to completion.
func (h JobHandle) IsComplete() bool {
	if !h.IsValid() {
		return false
	}
	return h.s.jobAt(h.index).loadStatus() == statusCompleted
}

// IsMutable reports whether setters may be called.
func (h JobHandle) IsMutable() bool {
	if !h.IsValid() {
		return false
	}
	return h.s.jobAt(h.index).isMutable()
}

func (h JobHandle) mutableDef() (*jobDefinition, error) {
	if !h.IsValid() {
		return nil, ErrInvalidHandle
	}
	def := h.s.jobAt(h.index)
	if !def.isMutable() {
		return nil, ErrNotMutable
	}
	return def, nil
}
