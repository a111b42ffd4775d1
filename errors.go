package jobs

import "errors"

// Sentinel errors for every failure an operation can report. All
// operations return these explicitly; the scheduler never panics on
// resource exhaustion.
var (
	// ErrOutOfJobs means the job pool has no free slot.
	ErrOutOfJobs = errors.New("out of jobs")
	// ErrOutOfFibers means every fiber with a large enough stack is bound
	// to a suspended or running job.
	ErrOutOfFibers = errors.New("out of fibers")
	// ErrOutOfCounters means the counter pool has no free slot.
	ErrOutOfCounters = errors.New("out of counters")
	// ErrOutOfCallbacks means the latent callback pool has no free slot.
	ErrOutOfCallbacks = errors.New("out of callbacks")
	// ErrOutOfDependencies means the dependency edge pool has no free slot.
	ErrOutOfDependencies = errors.New("out of dependencies")
	// ErrOutOfProfileScopes means the profile scope pool has no free slot.
	ErrOutOfProfileScopes = errors.New("out of profile scopes")

	// ErrMaximumExceeded means a configuration count overflowed its bound.
	ErrMaximumExceeded = errors.New("maximum exceeded")
	// ErrAlreadySet means a value cannot be set twice.
	ErrAlreadySet = errors.New("already set")
	// ErrAlreadyInitialized is returned by configuration setters after Init.
	ErrAlreadyInitialized = errors.New("scheduler already initialized")
	// ErrNotInitialized is returned by runtime operations before Init.
	ErrNotInitialized = errors.New("scheduler not initialized")
	// ErrAlreadyDispatched means the job is not in a dispatchable state.
	ErrAlreadyDispatched = errors.New("job already dispatched")
	// ErrNoThreadPools means Init was called without any thread pool.
	ErrNoThreadPools = errors.New("no thread pools configured")
	// ErrNoFiberPools means Init was called without any fiber pool.
	ErrNoFiberPools = errors.New("no fiber pools configured")
	// ErrNotMutable means the job has been dispatched and cannot be edited.
	ErrNotMutable = errors.New("job not mutable")
	// ErrInvalidHandle means the handle is zero or already released.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrTimeout means a wait elapsed before its condition was met.
	ErrTimeout = errors.New("timeout")
	// ErrInvalidTimeout means the timeout value is not accepted here
	// (sleeping forever, for one).
	ErrInvalidTimeout = errors.New("invalid timeout")
)
