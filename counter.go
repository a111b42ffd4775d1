package jobs

import (
	"sync/atomic"
	"time"

	"github.com/fiberworks/jobs/internal/callback"
)

// counterDefinition backs a CounterHandle: an atomic value plus the
// intrusive list of jobs (or fake thread-caller waiters) suspended on it.
// The list's lock also serializes value changes against the wake sweep:
// waiter attach holds it shared, Add/Set hold it exclusive.
type counterDefinition struct {
	value    atomic.Uint64
	refCount atomic.Int32
	waiters  multiWriterList
}

func (def *counterDefinition) reset() {
	def.value.Store(0)
	def.refCount.Store(0)
	def.waiters.head.Store(nil)
}

// CounterHandle is a refcounted reference to a pooled counter. The zero
// value is invalid.
type CounterHandle struct {
	s     *Scheduler
	index uint32
}

// IsValid reports whether the handle references a counter.
func (c CounterHandle) IsValid() bool {
	return c.s != nil
}

// Release drops the handle's reference; the counter slot is recycled when
// the last reference is gone.
func (c *CounterHandle) Release() {
	if c.s == nil {
		return
	}
	c.s.decreaseCounterRef(c.index)
	c.s = nil
}

// Add atomically adds n to the counter and wakes any waiter whose
// condition the new value satisfies. Never blocks.
func (c CounterHandle) Add(n uint64) error {
	if !c.IsValid() {
		return ErrInvalidHandle
	}
	def := c.s.counterAt(c.index)

	def.waiters.mu.Lock()
	def.value.Add(n)
	c.s.notifyCounterLocked(def)
	def.waiters.mu.Unlock()
	return nil
}

// Set atomically stores n and wakes any waiter the new value satisfies.
func (c CounterHandle) Set(n uint64) error {
	if !c.IsValid() {
		return ErrInvalidHandle
	}
	def := c.s.counterAt(c.index)

	def.waiters.mu.Lock()
	def.value.Store(n)
	c.s.notifyCounterLocked(def)
	def.waiters.mu.Unlock()
	return nil
}

// Get returns the current value.
func (c CounterHandle) Get() (uint64, error) {
	if !c.IsValid() {
		return 0, ErrInvalidHandle
	}
	return c.s.counterAt(c.index).value.Load(), nil
}

// Remove atomically subtracts n if the value is at least n; otherwise the
// caller suspends until the subtraction can happen or the timeout
// elapses. Exactly one of the subtraction or the timeout takes effect.
func (c CounterHandle) Remove(jc *JobContext, n uint64, timeout time.Duration) error {
	if !c.IsValid() {
		return ErrInvalidHandle
	}
	return c.s.waitOnCounter(c, jc, n, timeout, true)
}

// WaitFor suspends the caller until the value equals n exactly, or the
// timeout elapses.
func (c CounterHandle) WaitFor(jc *JobContext, n uint64, timeout time.Duration) error {
	if !c.IsValid() {
		return ErrInvalidHandle
	}
	return c.s.waitOnCounter(c, jc, n, timeout, false)
}

// attachCounterWaiter parks def on the counter's wait list unless the
// wait condition already holds. Runs under the shared lock so it cannot
// interleave with a wake sweep; concurrent attachers contend only through
// the value CAS and the list prepend CAS. Returns false when the wait was
// satisfied immediately.
func (s *Scheduler) attachCounterWaiter(cdef *counterDefinition, def *jobDefinition) bool {
	cdef.waiters.mu.RLock()
	defer cdef.waiters.mu.RUnlock()

	if def.waitCounterRemove {
		n := def.waitCounterValue
		for {
			v := cdef.value.Load()
			if v < n {
				break
			}
			if cdef.value.CompareAndSwap(v, v-n) {
				return false
			}
		}
	} else {
		if cdef.value.Load() == def.waitCounterValue {
			return false
		}
	}

	def.waitCounterLink.job = def
	cdef.waiters.attachLocked(&def.waitCounterLink)
	return true
}

// notifyCounterLocked sweeps the wait list after a value change. The
// caller holds the list's exclusive lock. For each waiter the status CAS
// arbitrates against a racing timeout: only the winner detaches the node
// and consumes the value.
func (s *Scheduler) notifyCounterLocked(cdef *counterDefinition) {
	requeued := 0

	cdef.waiters.sweepLocked(func(n *waitNode) bool {
		def := n.job

		if def.waitCounterRemove {
			want := def.waitCounterValue
			if cdef.value.Load() < want {
				return false
			}
			if !def.casStatus(statusWaitingOnCounter, statusPending) {
				return false
			}
			// Decrement only after winning the status race so a lost
			// race never consumes the value.
			cdef.value.Add(^(want - 1))
		} else {
			if cdef.value.Load() != def.waitCounterValue {
				return false
			}
			if !def.casStatus(statusWaitingOnCounter, statusPending) {
				return false
			}
		}

		if def.waitCounterDoNotRequeue {
			close(def.threadWake)
		} else {
			s.requeueJob(def.index)
			requeued++
		}
		return true
	})

	if requeued > 0 {
		s.notifyJobAvailable()
	}
}

// waitOnCounter implements Remove and WaitFor for both calling contexts.
func (s *Scheduler) waitOnCounter(c CounterHandle, jc *JobContext, n uint64, timeout time.Duration, removeValue bool) error {
	cdef := s.counterAt(c.index)

	// Hold the counter alive for the duration of the wait.
	s.increaseCounterRef(c.index)
	defer s.decreaseCounterRef(c.index)

	if jc != nil && jc.def != nil {
		return s.waitOnCounterFiber(cdef, jc, n, timeout, removeValue)
	}
	return s.waitOnCounterThread(cdef, n, timeout, removeValue)
}

// waitOnCounterFiber parks the calling job's fiber until signal or
// timeout.
func (s *Scheduler) waitOnCounterFiber(cdef *counterDefinition, jc *JobContext, n uint64, timeout time.Duration, removeValue bool) error {
	def := jc.def
	w := jc.worker

	def.waitCounterValue = n
	def.waitCounterRemove = removeValue
	def.waitCounterDoNotRequeue = false
	def.storeStatus(statusWaitingOnCounter)

	if !s.attachCounterWaiter(cdef, def) {
		def.storeStatus(statusRunning)
		return nil
	}

	var cb callback.Handle
	hasCB := false
	if !isInfinite(timeout) {
		h, err := s.callbacks.Schedule(timeout, func() {
			if def.casStatus(statusWaitingOnCounter, statusPending) {
				def.waitTimedOut.Store(true)
				cdef.waiters.unlink(&def.waitCounterLink)
				s.requeueJob(def.index)
				s.notifyJobAvailable()
			}
		})
		if err != nil {
			// Could not arm a wakeup; withdraw the wait if nothing has
			// signalled us yet. Losing the race means a wake is already
			// queued, so we must still suspend and report success.
			if def.casStatus(statusWaitingOnCounter, statusRunning) {
				cdef.waiters.unlink(&def.waitCounterLink)
				return ErrOutOfCallbacks
			}
			s.returnToWorker(w, jc, true)
			return nil
		}
		cb = h
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

// waitOnCounterThread is the degraded path for callers with no job
// context: a stack-owned fake waiter joins the list and the goroutine
// blocks on its wake channel.
func (s *Scheduler) waitOnCounterThread(cdef *counterDefinition, n uint64, timeout time.Duration, removeValue bool) error {
	fake := &jobDefinition{index: invalidJobIndex}
	fake.waitCounterValue = n
	fake.waitCounterRemove = removeValue
	fake.waitCounterDoNotRequeue = true
	fake.threadWake = make(chan struct{})
	fake.storeStatus(statusWaitingOnCounter)

	if !s.attachCounterWaiter(cdef, fake) {
		return nil
	}

	if isInfinite(timeout) {
		<-fake.threadWake
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-fake.threadWake:
		return nil
	case <-timer.C:
		if fake.casStatus(statusWaitingOnCounter, statusPending) {
			cdef.waiters.unlink(&fake.waitCounterLink)
			s.metrics.WaitTimeouts.Inc()
			return ErrTimeout
		}
		// A signal won the race; the channel close is imminent.
		<-fake.threadWake
		return nil
	}
}

func (s *Scheduler) counterAt(index uint32) *counterDefinition {
	return s.counterPool.Get(index)
}

func (s *Scheduler) increaseCounterRef(index uint32) {
	s.counterAt(index).refCount.Add(1)
}

func (s *Scheduler) decreaseCounterRef(index uint32) {
	def := s.counterAt(index)
	if def.refCount.Add(-1) == 0 {
		s.freeCounter(index)
	}
}

func (s *Scheduler) freeCounter(index uint32) {
	def := s.counterAt(index)
	def.reset()
	s.writeLog(VerbosityVerbose, GroupScheduler, "counter handle freed, index=%d", index)
	s.counterPool.Free(index)
}
