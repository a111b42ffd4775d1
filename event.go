package jobs

import "time"

// EventHandle is a synchronization event built on a counter restricted to
// the values 0 and 1. Auto-reset events hand one waiter through per
// signal; manual-reset events release every waiter until Reset.
type EventHandle struct {
	counter   CounterHandle
	autoReset bool
}

// IsValid reports whether the handle references an event.
func (e EventHandle) IsValid() bool {
	return e.counter.IsValid()
}

// Release drops the handle's reference.
func (e *EventHandle) Release() {
	e.counter.Release()
}

// Signal sets the event. For auto-reset events each signal wakes at most
// one waiter; for manual-reset events the event stays signalled until
// Reset.
func (e EventHandle) Signal() error {
	if !e.IsValid() {
		return ErrInvalidHandle
	}
	if e.autoReset {
		return e.counter.Add(1)
	}
	return e.counter.Set(1)
}

// Reset returns the event to the unsignalled state.
func (e EventHandle) Reset() error {
	if !e.IsValid() {
		return ErrInvalidHandle
	}
	return e.counter.Set(0)
}

// Wait suspends until the event is signalled or the timeout elapses. An
// auto-reset wait consumes the signal; a manual-reset wait does not.
func (e EventHandle) Wait(jc *JobContext, timeout time.Duration) error {
	if !e.IsValid() {
		return ErrInvalidHandle
	}
	if e.autoReset {
		return e.counter.Remove(jc, 1, timeout)
	}
	return e.counter.WaitFor(jc, 1, timeout)
}
