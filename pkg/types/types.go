// Package types defines the core domain models shared across the
// evaluation server: jobs, queue entries, worker bookkeeping and the
// priority scale used to order pending work.
package types

import "time"

// SubmissionID identifies a contestant submission in the external store.
type SubmissionID string

// JobKind distinguishes the two kinds of work a Worker can be asked to do,
// plus the sentinel shutdown job.
type JobKind uint8

const (
	// JobCompile asks a Worker to compile a submission.
	JobCompile JobKind = iota
	// JobEvaluate asks a Worker to evaluate a submission.
	JobEvaluate
	// JobBomb is the shutdown sentinel; it carries no submission.
	JobBomb
)

func (k JobKind) String() string {
	switch k {
	case JobCompile:
		return "compile"
	case JobEvaluate:
		return "evaluate"
	case JobBomb:
		return "bomb"
	default:
		return "unknown"
	}
}

// Job is a unit of dispatchable work: a kind paired with the submission it
// concerns. JobBomb jobs carry a zero-value SubmissionID.
type Job struct {
	Kind         JobKind
	SubmissionID SubmissionID
}

// Equal reports structural equality: same kind, same submission. This is
// the notion of job identity used to find a queue entry or a worker's
// current lease by job.
func (j Job) Equal(other Job) bool {
	return j.Kind == other.Kind && j.SubmissionID == other.SubmissionID
}

// Priority orders pending jobs; lower values win.
type Priority int

const (
	PriorityExtraHigh Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityExtraLow
)

func (p Priority) String() string {
	switch p {
	case PriorityExtraHigh:
		return "extra_high"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityExtraLow:
		return "extra_low"
	default:
		return "unknown"
	}
}

// QueueEntry is a job sitting in the JobQueue, ordered by (Priority,
// Timestamp, Seq). Seq is a strictly increasing tiebreaker so that equal
// (Priority, Timestamp) pairs still resolve deterministically in FIFO order,
// since container/heap gives no stability guarantee on its own.
type QueueEntry struct {
	Priority  Priority
	Timestamp time.Time
	Seq       uint64
	Job       Job
}

// Less reports whether e sorts strictly before other under the queue's
// ordering.
func (e QueueEntry) Less(other QueueEntry) bool {
	if e.Priority != other.Priority {
		return e.Priority < other.Priority
	}
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.Before(other.Timestamp)
	}
	return e.Seq < other.Seq
}

// WorkerID identifies a registered Worker process. Assignment is by the
// caller — typically its index into the configured worker list.
type WorkerID int

// WorkerState is the lifecycle state of a WorkerRecord.
type WorkerState uint8

const (
	WorkerInactive WorkerState = iota
	WorkerDisabled
	WorkerBusy
)

func (s WorkerState) String() string {
	switch s {
	case WorkerInactive:
		return "inactive"
	case WorkerDisabled:
		return "disabled"
	case WorkerBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Address is a Worker's network endpoint.
type Address struct {
	Host string
	Port int
}

// SideData is the (priority, timestamp) captured when a worker acquires a
// job, used to reconstruct the lost QueueEntry if the lease is revoked.
type SideData struct {
	Priority  Priority
	Timestamp time.Time
}

// CompilationOutcome is the tri-state result of compiling a submission.
type CompilationOutcome string

const (
	CompilationUnset CompilationOutcome = ""
	CompilationOK    CompilationOutcome = "ok"
	CompilationFail  CompilationOutcome = "fail"
)

// EvaluationOutcome is the tri-state result of evaluating a submission.
type EvaluationOutcome string

const (
	EvaluationUnset EvaluationOutcome = ""
	EvaluationOK    EvaluationOutcome = "ok"
	EvaluationFail  EvaluationOutcome = "fail"
)
