// Package queue implements the evaluation server's priority job queue: a
// min-heap over (priority, timestamp, sequence) guarded by a lock, with a
// counting semaphore tracking its length so that Pop can block until work
// is available.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/CNITV/cms/internal/syncutil"
	"github.com/CNITV/cms/pkg/types"
)

// ErrEmpty is returned by Top when the queue has no entries.
var ErrEmpty = errors.New("queue: empty")

// ErrNotFound is returned by SetPriority when no entry matches the job.
var ErrNotFound = errors.New("queue: job not present in queue")

// errHeapDesync signals that the semaphore granted access but the heap was
// empty. This must never happen; Pop panics rather than return it.
var errHeapDesync = errors.New("queue: heap went out of sync with semaphore")

// entryHeap implements heap.Interface over []types.QueueEntry.
type entryHeap []types.QueueEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Less(h[j]) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(types.QueueEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue is the priority-ordered queue of pending jobs. Nothing limits the
// number of BOMB entries: neither the queue nor the dispatcher checks for
// one already queued, so every self_destruct pushes another.
type Queue struct {
	mu  sync.Mutex
	h   entryHeap
	sem *syncutil.Semaphore
	seq uint64
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		h:   make(entryHeap, 0),
		sem: syncutil.NewSemaphore(0),
	}
}

// Push inserts job at priority. If timestamp is the zero value, the current
// wall-clock time is used; callers that want ordering by a submission's own
// timestamp instead pass it explicitly.
func (q *Queue) Push(job types.Job, priority types.Priority, timestamp time.Time) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	q.mu.Lock()
	q.seq++
	entry := types.QueueEntry{
		Priority:  priority,
		Timestamp: timestamp,
		Seq:       q.seq,
		Job:       job,
	}
	heap.Push(&q.h, entry)
	q.mu.Unlock()
	q.sem.Release()
}

// Top returns the minimum entry without removing it. Non-blocking.
func (q *Queue) Top() (types.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return types.QueueEntry{}, ErrEmpty
	}
	return q.h[0], nil
}

// Pop blocks until an entry is available, then removes and returns the
// minimum one.
func (q *Queue) Pop() types.QueueEntry {
	q.sem.Acquire()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		// The semaphore granted access to a heap it thinks is non-empty;
		// this is a corruption signal, not a recoverable condition.
		panic(errHeapDesync)
	}
	return heap.Pop(&q.h).(types.QueueEntry)
}

// SetPriority locates the first entry whose job equals job (by
// types.Job.Equal) via a linear scan, assigns it the new priority, and
// re-heapifies.
func (q *Queue) SetPriority(job types.Job, priority types.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.h {
		if q.h[i].Job.Equal(job) {
			q.h[i].Priority = priority
			heap.Fix(&q.h, i)
			return nil
		}
	}
	return ErrNotFound
}

// Length returns the number of entries currently queued.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Empty reports whether the queue holds no entries.
func (q *Queue) Empty() bool {
	return q.Length() == 0
}

// SemaphoreValue exposes the non-empty semaphore's count, used by tests to
// check that it always tracks the heap's length.
func (q *Queue) SemaphoreValue() int {
	return q.sem.Value()
}
