// Package dispatcher drains the priority queue into the worker pool,
// issuing compile/evaluate RPCs against leased Workers and releasing them
// on completion. It also runs the shutdown barrier ("bomb") that lets the
// evaluation server exit only once every Worker has gone idle, and drives
// the periodic timeout sweep that reclaims leases held past their deadline.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CNITV/cms/internal/queue"
	"github.com/CNITV/cms/internal/syncutil"
	"github.com/CNITV/cms/internal/workerpool"
	"github.com/CNITV/cms/pkg/types"
)

var log = slog.Default()

// WorkerClient issues the outbound RPCs a Worker understands. The
// evaluation server's internal/workerclient package implements this over
// JSON/HTTP; tests substitute a fake.
type WorkerClient interface {
	Compile(ctx context.Context, addr types.Address, id types.SubmissionID) error
	Evaluate(ctx context.Context, addr types.Address, id types.SubmissionID) error
	ShutDown(ctx context.Context, addr types.Address, reason string) error
}

// MetricsRecorder receives dispatch-loop events. internal/metrics.Collector
// implements it; nil is a valid no-op default.
type MetricsRecorder interface {
	RecordDispatchAttempt()
	RecordDispatchFailure()
	RecordReclaimed()
}

// Dispatcher owns the priority queue and worker pool, and the loop that
// pairs entries from one with leases from the other.
type Dispatcher struct {
	mu         sync.Mutex
	touched    *syncutil.Signal
	lastSeen   uint64
	bombPrimed bool

	q      *queue.Queue
	pool   *workerpool.Pool
	client WorkerClient

	rpcTimeout time.Duration
	done       chan struct{}

	metrics MetricsRecorder
}

// New creates a Dispatcher over q and pool, issuing outbound RPCs through
// client with rpcTimeout as the per-call deadline.
func New(q *queue.Queue, pool *workerpool.Pool, client WorkerClient, rpcTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		touched:    syncutil.NewSignal(),
		q:          q,
		pool:       pool,
		client:     client,
		rpcTimeout: rpcTimeout,
		done:       make(chan struct{}),
	}
}

// SetMetrics attaches m as the dispatcher's metrics sink. Optional; a
// Dispatcher with no metrics attached simply doesn't report.
func (d *Dispatcher) SetMetrics(m MetricsRecorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

// Done is closed once the shutdown barrier has fully drained: bomb_primed
// is set and every Worker has returned to idle.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run is the dispatcher's main loop. It returns once the shutdown barrier
// completes or ctx is cancelled, whichever comes first.
func (d *Dispatcher) Run(ctx context.Context) {
	// Wake any goroutine currently parked in touched.Wait when ctx is
	// cancelled, so the loop below never leaves one blocked behind.
	stop := context.AfterFunc(ctx, func() { d.touched.Set() })
	defer stop()

	for {
		waitCh := make(chan uint64, 1)
		go func(last uint64) { waitCh <- d.touched.Wait(last) }(d.lastSeen)

		select {
		case <-ctx.Done():
			return
		case v := <-waitCh:
			d.lastSeen = v
		}

		if d.tick() {
			return
		}
	}
}

// tick runs one pass under the dispatcher lock: check the explosion
// condition, else drain as much of the queue as currently possible.
// Reports whether the explosion fired.
func (d *Dispatcher) tick() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bombPrimed && d.pool.WorkingWorkers() == 0 {
		close(d.done)
		return true
	}
	d.processQueue()
	return false
}

// processQueue dispatches as many queue entries as currently possible:
// acquire a worker, issue the RPC, and pop the entry only on success.
// Caller must hold d.mu.
func (d *Dispatcher) processQueue() {
	for {
		top, err := d.q.Top()
		if err != nil {
			return // queue empty
		}

		if top.Job.Kind == types.JobBomb {
			if !d.bombPrimed {
				d.bombPrimed = true
				d.touched.Set() // re-arm: the next tick rechecks the explosion condition
			}
			return
		}

		sideData := types.SideData{Priority: top.Priority, Timestamp: top.Timestamp}
		id, ok := d.pool.AcquireWorker(top.Job, false, sideData)
		if !ok {
			return // no worker available right now
		}

		addr, err := d.pool.AddressOf(id)
		if err != nil {
			// The worker we just acquired vanished; can't happen under the
			// documented lock discipline, but don't wedge the loop if it did.
			log.Error("acquired worker has no address", "workerID", id)
			return
		}

		rpcCtx, cancel := context.WithTimeout(context.Background(), d.rpcTimeout)
		var rpcErr error
		switch top.Job.Kind {
		case types.JobCompile:
			rpcErr = d.client.Compile(rpcCtx, addr, top.Job.SubmissionID)
		case types.JobEvaluate:
			rpcErr = d.client.Evaluate(rpcCtx, addr, top.Job.SubmissionID)
		}
		cancel()
		if d.metrics != nil {
			d.metrics.RecordDispatchAttempt()
		}

		if rpcErr != nil {
			d.pool.IncrementErrorCount(id)
			if _, relErr := d.pool.ReleaseWorker(id); relErr != nil {
				log.Error("release after failed dispatch", "workerID", id, "error", relErr)
			}
			if disErr := d.pool.DisableWorker(id); disErr != nil {
				log.Warn("could not disable worker after failed dispatch", "workerID", id, "error", disErr)
			}
			log.Warn("dispatch failed, requeued", "workerID", id, "job", top.Job, "error", rpcErr)
			if d.metrics != nil {
				d.metrics.RecordDispatchFailure()
			}
			continue // ACTION_REQUEUE: entry still at head, retry against another worker
		}

		d.q.Pop()
	}
}

// QueuePush inserts job and wakes the dispatcher.
func (d *Dispatcher) QueuePush(job types.Job, priority types.Priority, timestamp time.Time) {
	d.mu.Lock()
	d.q.Push(job, priority, timestamp)
	d.mu.Unlock()
	d.touched.Set()
}

// QueueSetPriority updates job's priority and wakes the dispatcher.
func (d *Dispatcher) QueueSetPriority(job types.Job, priority types.Priority) error {
	d.mu.Lock()
	err := d.q.SetPriority(job, priority)
	d.mu.Unlock()
	d.touched.Set()
	return err
}

// ReleaseWorker releases id and wakes the dispatcher.
func (d *Dispatcher) ReleaseWorker(id types.WorkerID) (types.SideData, error) {
	d.mu.Lock()
	sd, err := d.pool.ReleaseWorker(id)
	d.mu.Unlock()
	d.touched.Set()
	return sd, err
}

// FindAndReleaseWorker locates the worker BUSY on job and releases it,
// returning the side data that had been attached. Used by RPC handlers
// that only know the job, not the worker id (e.g. compilation_finished).
func (d *Dispatcher) FindAndReleaseWorker(job types.Job) (types.SideData, error) {
	d.mu.Lock()
	id, err := d.pool.FindWorker(job)
	if err != nil {
		d.mu.Unlock()
		return types.SideData{}, err
	}
	sd, err := d.pool.ReleaseWorker(id)
	d.mu.Unlock()
	d.touched.Set()
	return sd, err
}

// EnableWorker enables id and wakes the dispatcher.
func (d *Dispatcher) EnableWorker(id types.WorkerID) error {
	d.mu.Lock()
	err := d.pool.EnableWorker(id)
	d.mu.Unlock()
	d.touched.Set()
	return err
}

// AddWorker registers a new worker and wakes the dispatcher.
func (d *Dispatcher) AddWorker(id types.WorkerID, addr types.Address) error {
	d.mu.Lock()
	err := d.pool.AddWorker(id, addr)
	d.mu.Unlock()
	d.touched.Set()
	return err
}

// DelWorker removes a disabled worker and wakes the dispatcher.
func (d *Dispatcher) DelWorker(id types.WorkerID) error {
	d.mu.Lock()
	err := d.pool.DelWorker(id)
	d.mu.Unlock()
	d.touched.Set()
	return err
}

// DisableWorker disables id. Unlike the other auxiliary operations this
// does not wake the dispatcher: taking a worker out of service never makes
// more work dispatchable.
func (d *Dispatcher) DisableWorker(id types.WorkerID) error {
	return d.pool.DisableWorker(id)
}

// GetWorkersStatus is a pass-through snapshot of the pool.
func (d *Dispatcher) GetWorkersStatus() map[types.WorkerID]workerpool.Status {
	return d.pool.GetWorkersStatus()
}

// QueueLength is a pass-through snapshot of the queue's length, for metrics
// reporting.
func (d *Dispatcher) QueueLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.q.Length()
}

// WorkerCounts is a pass-through snapshot of the pool's per-state tallies,
// for metrics reporting.
func (d *Dispatcher) WorkerCounts() (inactive, busy, disabled int) {
	return d.pool.WorkerCounts()
}

// BombPrimed reports whether the shutdown barrier has been armed.
func (d *Dispatcher) BombPrimed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bombPrimed
}

// RunTimeoutSupervisor periodically sweeps the pool for leases held longer
// than timeout, best-effort notifies the abandoned Workers, and re-queues
// their lost jobs.
func (d *Dispatcher) RunTimeoutSupervisor(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lost := d.pool.CheckTimeout(time.Now(), timeout, func(addr types.Address, reason string) {
				shutCtx, cancel := context.WithTimeout(context.Background(), d.rpcTimeout)
				defer cancel()
				if err := d.client.ShutDown(shutCtx, addr, reason); err != nil {
					log.Debug("shut_down notification failed, worker presumed gone", "address", addr, "error", err)
				}
			})
			for _, entry := range lost {
				log.Warn("reclaimed job from timed-out worker", "job", entry.Job, "priority", entry.Priority)
				d.QueuePush(entry.Job, entry.Priority, entry.Timestamp)
				if d.metrics != nil {
					d.metrics.RecordReclaimed()
				}
			}
		}
	}
}
