package jobs

import "fmt"

// profileScope is one frame of a context's profile stack. Frames survive
// suspension: when a fiber yields, every open frame is left; when it
// resumes, the stack is replayed so external profilers attribute samples
// to the right job.
type profileScope struct {
	poolIndex uint32
	scopeType ProfileScopeType
	tag       string
	next      *profileScope
	prev      *profileScope
}

// workerScopeCacheSize bounds the per-worker free list that fronts the
// shared scope pool.
const workerScopeCacheSize = 32

// EnterScope opens a profiling scope on this context. Scopes opened
// inside a job must be closed before the job returns.
func (jc *JobContext) EnterScope(scopeType ProfileScopeType, format string, args ...any) error {
	s := jc.scheduler

	scope, err := s.allocScope(jc.worker)
	if err != nil {
		s.writeLog(VerbosityWarning, GroupScheduler,
			"profile scope pool exhausted, raise the max profile scope limit")
		return fmt.Errorf("enter scope: %w", ErrOutOfProfileScopes)
	}

	scope.scopeType = scopeType
	if len(args) == 0 {
		scope.tag = format
	} else {
		scope.tag = fmt.Sprintf(format, args...)
	}
	scope.next = nil
	scope.prev = jc.profileTail

	if jc.profileTail != nil {
		jc.profileTail.next = scope
	} else {
		jc.profileHead = scope
	}
	jc.profileTail = scope
	jc.profileDepth++

	if s.profile.EnterScope != nil {
		s.profile.EnterScope(scope.scopeType, scope.tag)
	}
	return nil
}

// LeaveScope closes the most recently entered scope.
func (jc *JobContext) LeaveScope() error {
	s := jc.scheduler

	scope := jc.profileTail
	if scope == nil {
		return ErrInvalidHandle
	}

	jc.profileTail = scope.prev
	if scope.prev != nil {
		scope.prev.next = nil
	} else {
		jc.profileHead = nil
	}
	jc.profileDepth--

	if s.profile.LeaveScope != nil {
		s.profile.LeaveScope()
	}

	s.freeScope(jc.worker, scope)
	return nil
}

// allocScope prefers the worker's local cache and falls back to the
// shared pool.
func (s *Scheduler) allocScope(w *workerState) (*profileScope, error) {
	if w != nil && len(w.scopeCache) > 0 {
		scope := w.scopeCache[len(w.scopeCache)-1]
		w.scopeCache = w.scopeCache[:len(w.scopeCache)-1]
		return scope, nil
	}
	index, err := s.scopePool.Alloc()
	if err != nil {
		return nil, err
	}
	return s.scopePool.Get(index), nil
}

func (s *Scheduler) freeScope(w *workerState, scope *profileScope) {
	scope.next = nil
	scope.prev = nil
	scope.tag = ""
	if w != nil && len(w.scopeCache) < workerScopeCacheSize {
		w.scopeCache = append(w.scopeCache, scope)
		return
	}
	s.scopePool.Free(scope.poolIndex)
}

// leaveContext emits a leave for every open frame, top-down, without
// freeing them; the frames are replayed on the next enterContext.
func (s *Scheduler) leaveContext(jc *JobContext) {
	if s.profile.LeaveScope == nil {
		return
	}
	for i := 0; i < jc.profileDepth; i++ {
		s.profile.LeaveScope()
	}
}

// enterContext restores the target context's profile stack bottom-up and
// marks it active on its worker.
func (s *Scheduler) enterContext(jc *JobContext) {
	if s.profile.EnterScope != nil {
		for scope := jc.profileHead; scope != nil; scope = scope.next {
			s.profile.EnterScope(scope.scopeType, scope.tag)
		}
	}
	jc.worker.activeCtx = jc
}
