// Package callback runs latent callbacks on a dedicated timer goroutine.
// Every wait or sleep made from inside a job with a finite timeout
// schedules one; it is the only latency-bound wake-up path for suspended
// jobs. Waits from outside a job use their own timers instead. Records
// live in a fixed pool sized at construction.
package callback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiberworks/jobs/internal/logging"
	"github.com/fiberworks/jobs/internal/pool"
	"github.com/fiberworks/jobs/internal/timing"
)

// Func is a scheduled closure.
type Func func()

// Handle identifies a scheduled callback for cancellation. The generation
// half guards against a slot being recycled between fire and cancel.
type Handle uint64

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) split() (index, generation uint32) {
	return uint32(h), uint32(h >> 32)
}

type record struct {
	active     atomic.Bool
	generation atomic.Uint32
	watch      timing.Stopwatch
	duration   time.Duration
	fn         Func
}

// Scheduler owns the timer goroutine and the callback record pool.
type Scheduler struct {
	pool *pool.Fixed[record]
	log  *logging.Logger

	kick     chan struct{}
	done     chan struct{}
	dead     chan struct{}
	stopOnce sync.Once

	// Scratch for the timer goroutine only; avoids per-sweep allocation.
	due []Func
}

// New constructs the scheduler with a fixed number of callback records and
// starts the timer goroutine.
func New(maxCallbacks int, log *logging.Logger) *Scheduler {
	s := &Scheduler{
		pool: pool.New[record](maxCallbacks, nil),
		log:  log.WithComponent("callback"),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
		dead: make(chan struct{}),
		due:  make([]Func, 0, maxCallbacks),
	}
	go s.run()
	return s
}

// Schedule arms a callback to fire after duration. Returns
// pool.ErrExhausted when every record is in use.
func (s *Scheduler) Schedule(duration time.Duration, fn Func) (Handle, error) {
	index, err := s.pool.Alloc()
	if err != nil {
		s.log.Warn().Msg("latent callback pool exhausted, raise the max callback limit")
		return 0, err
	}

	rec := s.pool.Get(index)
	rec.watch.Start()
	rec.duration = duration
	rec.fn = fn
	rec.active.Store(true)

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return makeHandle(index, rec.generation.Load()), nil
}

// Cancel disarms a callback. Idempotent with firing: the active flag
// arbitrates, so exactly one of cancel or fire consumes the record.
func (s *Scheduler) Cancel(h Handle) {
	index, generation := h.split()
	rec := s.pool.Get(index)
	if rec.generation.Load() != generation {
		return
	}
	if rec.active.CompareAndSwap(true, false) {
		s.release(index, rec)
	}
}

// Shutdown stops the timer goroutine. Pending callbacks are dropped.
// Safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.dead
}

func (s *Scheduler) release(index uint32, rec *record) {
	rec.fn = nil
	rec.generation.Add(1)
	s.pool.Free(index)
}

func (s *Scheduler) run() {
	defer close(s.dead)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := s.sweep()

		// Invoke outside the sweep so callbacks can schedule freely.
		for i, fn := range s.due {
			fn()
			s.due[i] = nil
		}
		s.due = s.due[:0]

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next >= 0 {
			timer.Reset(next)
		}

		if next >= 0 {
			select {
			case <-s.kick:
			case <-timer.C:
			case <-s.done:
				return
			}
		} else {
			select {
			case <-s.kick:
			case <-s.done:
				return
			}
		}
	}
}

// sweep collects every due callback into s.due and returns the wait until
// the earliest remaining deadline, or -1 when no record is armed.
func (s *Scheduler) sweep() time.Duration {
	next := time.Duration(-1)
	for i := 0; i < s.pool.Capacity(); i++ {
		rec := s.pool.Get(uint32(i))
		if !rec.active.Load() {
			continue
		}
		remaining := rec.duration - rec.watch.Elapsed()
		if remaining <= 0 {
			if rec.active.CompareAndSwap(true, false) {
				s.due = append(s.due, rec.fn)
				s.release(uint32(i), rec)
			}
			continue
		}
		if next < 0 || remaining < next {
			next = remaining
		}
	}
	return next
}
