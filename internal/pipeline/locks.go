package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// sessionLocks serializes turns within a session. Each session gets a
// one-slot semaphore so a second message waits for the in-flight turn to
// finish persisting, keeping turn indices in arrival order. Entries are
// reference-counted and removed once no turn holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session's slot is free or ctx is done. The
// returned release function must be called exactly once.
func (s *sessionLocks) acquire(ctx context.Context, sessionID string) (release func(), err error) {
	s.mu.Lock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sessionLock{sem: semaphore.NewWeighted(1)}
		s.locks[sessionID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	if err := lock.sem.Acquire(ctx, 1); err != nil {
		s.put(sessionID, lock)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.sem.Release(1)
			s.put(sessionID, lock)
		})
	}, nil
}

func (s *sessionLocks) put(sessionID string, lock *sessionLock) {
	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, sessionID)
	}
	s.mu.Unlock()
}
