// Package fiber supplies the raw stack-switch capability the scheduler
// builds on. A fiber is a goroutine parked on a resume channel: the
// goroutine keeps its stack alive across suspensions, a channel handoff
// transfers control between two fibers, and no allocation happens per
// switch. Workers convert their own goroutine into a raw fiber so the
// switch protocol is symmetric in both directions.
package fiber

import "errors"

// ErrShutdown is panicked through a parked fiber when its pool is torn
// down, unwinding whatever the fiber was executing. Entry goroutines
// recover it and exit.
var ErrShutdown = errors.New("fiber shut down")

// EntryPoint runs on the fiber's own stack the first time the fiber is
// switched to. It must not return while the scheduler is alive; teardown
// unwinds it via ErrShutdown.
type EntryPoint func()

// Fiber is an execution context with a private stack and a resumable
// program counter.
type Fiber struct {
	stackSize int
	resume    chan struct{}
	raw       bool
}

// New creates a fiber and starts its backing goroutine, which immediately
// parks until the first switch. stackSize is the declared stack
// requirement used for pool selection; the goroutine stack itself grows as
// needed.
func New(stackSize int, entry EntryPoint) *Fiber {
	f := &Fiber{
		stackSize: stackSize,
		resume:    make(chan struct{}, 1),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil && r != ErrShutdown {
				panic(r)
			}
		}()
		f.park()
		entry()
	}()
	return f
}

// ConvertCurrent returns a raw fiber representing the calling goroutine.
// Used by worker threads to take part in the switch protocol.
func ConvertCurrent() *Fiber {
	return &Fiber{
		resume: make(chan struct{}, 1),
		raw:    true,
	}
}

// StackSize returns the declared stack requirement.
func (f *Fiber) StackSize() int {
	return f.stackSize
}

// Switch transfers control from the fiber the caller is running on to
// another fiber. The target resumes exactly where it last parked (or at
// its entry point); the caller parks until something switches back.
func Switch(from, to *Fiber) {
	to.resume <- struct{}{}
	from.park()
}

// Close tears the fiber down. If the backing goroutine is parked (idle in
// its pool, or suspended mid-job at scheduler teardown) it unwinds via
// ErrShutdown and exits.
func (f *Fiber) Close() {
	close(f.resume)
}

func (f *Fiber) park() {
	if _, ok := <-f.resume; !ok {
		panic(ErrShutdown)
	}
}
