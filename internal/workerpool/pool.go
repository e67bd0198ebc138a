// Package workerpool implements the registry and lifecycle of remote
// Workers the dispatcher leases jobs out to, plus the lease-timeout
// reclamation sweep that reclaims jobs from Workers that never reported
// back in time.
package workerpool

import (
	"errors"
	"sync"
	"time"

	"github.com/CNITV/cms/internal/syncutil"
	"github.com/CNITV/cms/pkg/types"
)

var (
	// ErrAlreadyExists is returned by AddWorker for a known id.
	ErrAlreadyExists = errors.New("workerpool: worker already exists")
	// ErrUnknownWorker is returned when id names no registered worker.
	ErrUnknownWorker = errors.New("workerpool: unknown worker")
	// ErrInvalidState is returned when an operation requires a state the
	// worker isn't in.
	ErrInvalidState = errors.New("workerpool: worker not in required state")
	// ErrNoneAvailable is returned by DisableWorker when no INACTIVE
	// permit could be acquired non-blockingly.
	ErrNoneAvailable = errors.New("workerpool: no inactive workers available")
)

var errPoolDesync = errors.New("workerpool: worker registry went out of sync with semaphore")

// Record is the bookkeeping kept per registered Worker.
type Record struct {
	State           types.WorkerState
	Address         types.Address
	Job             types.Job
	LeaseStart      *time.Time
	ErrorCount      int
	SideData        *types.SideData
	ScheduleDisable bool
}

// Status is the externally-visible snapshot of a Record, as returned by
// GetWorkersStatus / the get_workers_status RPC.
type Status struct {
	Job        *types.Job
	Address    types.Address
	LeaseStart *time.Time
	ErrorCount int
	SideData   *types.SideData
}

// Pool is the registry of Workers available for lease.
type Pool struct {
	mu      sync.Mutex
	sem     *syncutil.Semaphore // counts INACTIVE workers
	workers map[types.WorkerID]*Record
}

// New creates an empty Pool.
func New() *Pool {
	return &Pool{
		sem:     syncutil.NewSemaphore(0),
		workers: make(map[types.WorkerID]*Record),
	}
}

// AddWorker registers a new INACTIVE worker at address.
func (p *Pool) AddWorker(id types.WorkerID, addr types.Address) error {
	p.mu.Lock()
	if _, exists := p.workers[id]; exists {
		p.mu.Unlock()
		return ErrAlreadyExists
	}
	p.workers[id] = &Record{State: types.WorkerInactive, Address: addr}
	p.mu.Unlock()
	p.sem.Release()
	return nil
}

// DelWorker removes a DISABLED worker.
func (p *Pool) DelWorker(id types.WorkerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	if rec.State != types.WorkerDisabled {
		return ErrInvalidState
	}
	delete(p.workers, id)
	return nil
}

// EnableWorker transitions a DISABLED worker back to INACTIVE.
func (p *Pool) EnableWorker(id types.WorkerID) error {
	p.mu.Lock()
	rec, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	if rec.State != types.WorkerDisabled {
		p.mu.Unlock()
		return ErrInvalidState
	}
	rec.State = types.WorkerInactive
	p.mu.Unlock()
	p.sem.Release()
	return nil
}

// DisableWorker transitions an INACTIVE worker to DISABLED. It first
// acquires the availability semaphore non-blockingly (there may be no
// INACTIVE worker at all, in which case it fails immediately), then checks
// that the specific worker named is the one that's INACTIVE; if some other
// worker held the permit instead, the permit is handed back and the call
// fails so the caller can retry.
func (p *Pool) DisableWorker(id types.WorkerID) error {
	if !p.sem.TryAcquire() {
		return ErrNoneAvailable
	}
	p.mu.Lock()
	rec, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		p.sem.Release()
		return ErrUnknownWorker
	}
	if rec.State != types.WorkerInactive {
		p.mu.Unlock()
		p.sem.Release()
		return ErrInvalidState
	}
	rec.State = types.WorkerDisabled
	p.mu.Unlock()
	return nil
}

// AcquireWorker tries to assign job to an available worker, recording
// sideData for later lease reconstruction. If blocking is false and no
// worker is INACTIVE, it returns ok=false immediately; otherwise it waits.
func (p *Pool) AcquireWorker(job types.Job, blocking bool, sideData types.SideData) (types.WorkerID, bool) {
	if blocking {
		p.sem.Acquire()
	} else if !p.sem.TryAcquire() {
		return 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, rec := range p.workers {
		if rec.State == types.WorkerInactive {
			now := time.Now()
			rec.State = types.WorkerBusy
			rec.Job = job
			rec.LeaseStart = &now
			sd := sideData
			rec.SideData = &sd
			return id, true
		}
	}
	// The semaphore said a permit was available but no worker is
	// INACTIVE: the registry and the semaphore have desynchronized.
	panic(errPoolDesync)
}

// ReleaseWorker marks the job assigned to a BUSY worker as concluded,
// returning the side data that had been attached to it. If the worker was
// scheduled for disabling it becomes DISABLED (no permit returned);
// otherwise it becomes INACTIVE and a permit is released.
func (p *Pool) ReleaseWorker(id types.WorkerID) (types.SideData, error) {
	p.mu.Lock()
	rec, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return types.SideData{}, ErrUnknownWorker
	}
	if rec.State != types.WorkerBusy {
		p.mu.Unlock()
		return types.SideData{}, ErrInvalidState
	}
	var sd types.SideData
	if rec.SideData != nil {
		sd = *rec.SideData
	}
	rec.LeaseStart = nil
	rec.SideData = nil
	rec.Job = types.Job{}

	disable := rec.ScheduleDisable
	if disable {
		rec.State = types.WorkerDisabled
		rec.ScheduleDisable = false
	} else {
		rec.State = types.WorkerInactive
	}
	p.mu.Unlock()

	if !disable {
		p.sem.Release()
	}
	return sd, nil
}

// AddressOf returns the registered address of id.
func (p *Pool) AddressOf(id types.WorkerID) (types.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.workers[id]
	if !ok {
		return types.Address{}, ErrUnknownWorker
	}
	return rec.Address, nil
}

// FindWorker returns the worker currently BUSY on a structurally equal job.
func (p *Pool) FindWorker(job types.Job) (types.WorkerID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, rec := range p.workers {
		if rec.State == types.WorkerBusy && rec.Job.Equal(job) {
			return id, nil
		}
	}
	return 0, ErrUnknownWorker
}

// IncrementErrorCount bumps the contact-failure counter for id. Used by the
// dispatcher after a failed outbound RPC.
func (p *Pool) IncrementErrorCount(id types.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.workers[id]; ok {
		rec.ErrorCount++
	}
}

// WorkingWorkers counts workers currently BUSY.
func (p *Pool) WorkingWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rec := range p.workers {
		if rec.State == types.WorkerBusy {
			n++
		}
	}
	return n
}

// GetWorkersStatus returns a snapshot of every registered worker.
func (p *Pool) GetWorkersStatus() map[types.WorkerID]Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[types.WorkerID]Status, len(p.workers))
	for id, rec := range p.workers {
		st := Status{
			Address:    rec.Address,
			LeaseStart: rec.LeaseStart,
			ErrorCount: rec.ErrorCount,
		}
		if rec.State == types.WorkerBusy {
			job := rec.Job
			st.Job = &job
		}
		if rec.SideData != nil {
			sd := *rec.SideData
			st.SideData = &sd
		}
		out[id] = st
	}
	return out
}

// SemaphoreValue exposes the availability semaphore's count, used by tests
// to check invariant W1 (|{INACTIVE}| == semaphore value).
func (p *Pool) SemaphoreValue() int {
	return p.sem.Value()
}

// WorkerCounts tallies the pool by state, for metrics reporting.
func (p *Pool) WorkerCounts() (inactive, busy, disabled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.workers {
		switch rec.State {
		case types.WorkerInactive:
			inactive++
		case types.WorkerBusy:
			busy++
		case types.WorkerDisabled:
			disabled++
		}
	}
	return inactive, busy, disabled
}

// CheckTimeout walks every BUSY worker and reclaims those whose lease has
// been held longer than timeout: the lost job is reconstructed from its
// side data, the worker is marked for disabling and released (so it lands
// on DISABLED, never granting a phantom availability permit), and a
// best-effort shutdown notification is sent for each reclaimed worker via
// notify — notify's errors, if any, are not reported back; a Worker that
// fails to respond to shut_down is presumed already gone.
func (p *Pool) CheckTimeout(now time.Time, timeout time.Duration, notify func(types.Address, string)) []types.QueueEntry {
	type pending struct {
		addr   types.Address
		reason string
	}

	p.mu.Lock()
	var lost []types.QueueEntry
	var toNotify []pending
	for _, rec := range p.workers {
		if rec.State != types.WorkerBusy || rec.LeaseStart == nil {
			continue
		}
		activeFor := now.Sub(*rec.LeaseStart)
		if activeFor <= timeout {
			continue
		}

		var entry types.QueueEntry
		if rec.SideData != nil {
			entry = types.QueueEntry{
				Priority:  rec.SideData.Priority,
				Timestamp: rec.SideData.Timestamp,
				Job:       rec.Job,
			}
		} else {
			entry = types.QueueEntry{Job: rec.Job}
		}
		lost = append(lost, entry)

		// Mark-then-release inline: schedule_disable must be set before
		// the transition so the worker lands on DISABLED and never hands
		// back a phantom availability permit.
		rec.ScheduleDisable = true
		rec.State = types.WorkerDisabled
		rec.ScheduleDisable = false
		rec.LeaseStart = nil
		rec.SideData = nil
		rec.Job = types.Job{}

		toNotify = append(toNotify, pending{
			addr:   rec.Address,
			reason: "no response in " + activeFor.String(),
		})
	}
	p.mu.Unlock()

	if notify != nil {
		for _, n := range toNotify {
			notify(n.addr, n.reason)
		}
	}
	return lost
}
