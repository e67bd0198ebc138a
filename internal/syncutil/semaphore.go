// Package syncutil holds small concurrency primitives shared by the queue
// and worker pool: a counting semaphore and a level-triggered wake signal,
// both built directly on sync.Cond.
package syncutil

import "sync"

// Semaphore is a classic counting semaphore: Release increments the count
// and wakes one waiter, Acquire blocks until the count is positive and then
// decrements it, TryAcquire decrements only if the count is already
// positive.
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewSemaphore creates a semaphore initialized to n.
func NewSemaphore(n int) *Semaphore {
	s := &Semaphore{count: n}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a permit is available, then takes it.
func (s *Semaphore) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
}

// TryAcquire takes a permit without blocking, reporting whether it got one.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return false
	}
	s.count--
	return true
}

// Release returns a permit and wakes one waiter.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

// Value returns the current permit count, for invariant checks in tests:
// queue length should always equal the queue's semaphore value, and
// inactive worker count should always equal the pool's.
func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
