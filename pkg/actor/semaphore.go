package actor

import (
	"context"
	"sync"
)

// semaphore bounds the number of concurrently-executing handler
// invocations for one actor. Its capacity grows over the actor's
// lifetime via AddConcurrentHandler; a buffered channel can't be
// resized, so capacity is tracked explicitly under a condition
// variable instead.
type semaphore struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	inUse    int
}

func newSemaphore(capacity int) *semaphore {
	s := &semaphore{capacity: capacity}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire blocks until a slot is free or ctx is cancelled.
func (s *semaphore) acquire(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inUse >= s.capacity {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.inUse++
	return nil
}

func (s *semaphore) release() {
	s.mu.Lock()
	s.inUse--
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *semaphore) addCapacity(n int) {
	s.mu.Lock()
	s.capacity += n
	s.mu.Unlock()
	s.cond.Broadcast()
}
