// Package evalserver implements the evaluation server's core coordination
// logic: submission retry policy, token-priority bumps, and the glue
// between the dispatcher, the submission store and the contest scorer.
package evalserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CNITV/cms/internal/contest"
	"github.com/CNITV/cms/internal/dispatcher"
	"github.com/CNITV/cms/internal/store"
	"github.com/CNITV/cms/internal/workerpool"
	"github.com/CNITV/cms/pkg/types"
)

var log = slog.Default()

// Config carries the submission retry policy.
type Config struct {
	MaxCompilationTentatives int
	MaxEvaluationTentatives  int
}

// DefaultConfig is the retry budget used when no override is configured.
func DefaultConfig() Config {
	return Config{MaxCompilationTentatives: 3, MaxEvaluationTentatives: 3}
}

// MetricsRecorder receives submission-lifecycle events.
// internal/metrics.Collector implements it; nil is a valid no-op default.
type MetricsRecorder interface {
	RecordJobPushed(kind string)
	RecordRetryBudgetExhausted(kind string)
	RecordRankingUpdate()
}

// Server is the EvaluationServer. It implements internal/rpc.Handlers.
type Server struct {
	store      *store.Store
	contest    *contest.Contest
	dispatcher *dispatcher.Dispatcher
	cfg        Config
	metrics    MetricsRecorder
}

// New builds a Server over its collaborators.
func New(st *store.Store, c *contest.Contest, d *dispatcher.Dispatcher, cfg Config) *Server {
	return &Server{store: st, contest: c, dispatcher: d, cfg: cfg}
}

// SetMetrics attaches m as the server's metrics sink. Optional.
func (s *Server) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

func (s *Server) recordJobPushed(kind string) {
	if s.metrics != nil {
		s.metrics.RecordJobPushed(kind)
	}
}

// Startup runs the recovery walk: ensure a ranking view exists, then for
// every persisted submission either requeue its compilation or re-register
// it with the scorer, and finally refresh the ranking view. The store is
// the only durable state this process restarts from.
func (s *Server) Startup(ctx context.Context) error {
	s.contest.EnsureRankingView()

	subs, err := s.store.ListAll(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.EvaluationOutcome == types.EvaluationUnset && sub.CompilationOutcome != types.CompilationFail {
			s.dispatcher.QueuePush(types.Job{Kind: types.JobCompile, SubmissionID: sub.ID}, types.PriorityHigh, sub.Timestamp)
			s.recordJobPushed("compile")
			continue
		}
		scorer := s.contest.Task(sub.TaskID)
		scorer.AddSubmission(string(sub.ID))
		if sub.Tokened {
			scorer.AddToken(string(sub.ID))
		}
	}

	s.contest.UpdateRankingView()
	log.Info("evaluation server startup recovery complete", "submissions", len(subs))
	return nil
}

// mutateSubmission loads id, applies mutate, and saves with
// refresh-and-retry on an optimistic-concurrency conflict, recovered
// locally and never surfaced to the caller.
func (s *Server) mutateSubmission(ctx context.Context, id types.SubmissionID, mutate func(*store.Submission)) (*store.Submission, error) {
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		mutate(sub)
		err := s.store.Save(ctx, sub)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		if rerr := s.store.Refresh(ctx, sub); rerr != nil {
			return nil, rerr
		}
	}
}

// AddJob implements add_job.
func (s *Server) AddJob(ctx context.Context, submissionID types.SubmissionID) error {
	sub, err := s.store.Get(ctx, submissionID)
	if err != nil {
		return err
	}
	s.dispatcher.QueuePush(types.Job{Kind: types.JobCompile, SubmissionID: submissionID}, types.PriorityHigh, sub.Timestamp)
	s.recordJobPushed("compile")
	return nil
}

// UseToken implements use_token: it notifies the scorer if the submission
// is already evaluated, persists the token, and best-effort bumps a
// pending EVALUATE entry to MEDIUM. A failure to find that entry is
// swallowed — a later evaluation still enters at MEDIUM via the tokened
// flag.
func (s *Server) UseToken(ctx context.Context, submissionID types.SubmissionID) error {
	sub, err := s.mutateSubmission(ctx, submissionID, func(sub *store.Submission) {
		sub.Tokened = true
	})
	if err != nil {
		return err
	}
	if sub.EvaluationOutcome != types.EvaluationUnset {
		s.contest.Task(sub.TaskID).AddToken(string(submissionID))
	}
	if err := s.dispatcher.QueueSetPriority(types.Job{Kind: types.JobEvaluate, SubmissionID: submissionID}, types.PriorityMedium); err != nil {
		log.Debug("use_token: no pending evaluate entry to bump", "submissionID", submissionID)
	}
	return nil
}

// CompilationFinished implements compilation_finished.
func (s *Server) CompilationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error {
	job := types.Job{Kind: types.JobCompile, SubmissionID: submissionID}
	if _, err := s.dispatcher.FindAndReleaseWorker(job); err != nil {
		log.Warn("compilation_finished: no worker held this job", "submissionID", submissionID, "error", err)
	}

	var advance, requeue, giveUp bool
	sub, err := s.mutateSubmission(ctx, submissionID, func(sub *store.Submission) {
		sub.CompilationTentatives++
		if success && sub.CompilationOutcome == types.CompilationUnset {
			sub.CompilationOutcome = types.CompilationOK
		}
		advance, requeue, giveUp = false, false, false
		switch {
		case success && sub.CompilationOutcome == types.CompilationOK:
			advance = true
		case success && sub.CompilationOutcome == types.CompilationFail:
			// done: compilation failed definitively, nothing more to do
		default:
			if sub.CompilationTentatives > s.cfg.MaxCompilationTentatives {
				giveUp = true
			} else {
				requeue = true
			}
		}
	})
	if err != nil {
		return err
	}

	switch {
	case advance:
		priority := types.PriorityLow
		if sub.Tokened {
			priority = types.PriorityMedium
		}
		s.dispatcher.QueuePush(types.Job{Kind: types.JobEvaluate, SubmissionID: submissionID}, priority, sub.Timestamp)
		s.recordJobPushed("evaluate")
	case requeue:
		s.dispatcher.QueuePush(job, types.PriorityHigh, sub.Timestamp)
		s.recordJobPushed("compile")
	case giveUp:
		log.Warn("compilation retry budget exhausted", "submissionID", submissionID, "tentatives", sub.CompilationTentatives)
		if s.metrics != nil {
			s.metrics.RecordRetryBudgetExhausted("compile")
		}
	}
	return nil
}

// EvaluationFinished implements evaluation_finished.
func (s *Server) EvaluationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error {
	job := types.Job{Kind: types.JobEvaluate, SubmissionID: submissionID}
	recoveredPriority := types.PriorityLow
	if sd, err := s.dispatcher.FindAndReleaseWorker(job); err != nil {
		log.Warn("evaluation_finished: no worker held this job", "submissionID", submissionID, "error", err)
	} else {
		recoveredPriority = sd.Priority
	}

	var advance, requeue, giveUp bool
	sub, err := s.mutateSubmission(ctx, submissionID, func(sub *store.Submission) {
		sub.EvaluationTentatives++
		if success && sub.EvaluationOutcome == types.EvaluationUnset {
			sub.EvaluationOutcome = types.EvaluationOK
		}
		advance, requeue, giveUp = false, false, false
		switch {
		case success && sub.EvaluationOutcome == types.EvaluationOK:
			advance = true
		case success && sub.EvaluationOutcome == types.EvaluationFail:
			// done
		default:
			if sub.EvaluationTentatives > s.cfg.MaxEvaluationTentatives {
				giveUp = true
			} else {
				requeue = true
			}
		}
	})
	if err != nil {
		return err
	}

	switch {
	case advance:
		scorer := s.contest.Task(sub.TaskID)
		scorer.AddSubmission(string(submissionID))
		if sub.Tokened {
			scorer.AddToken(string(submissionID))
		}
		s.contest.UpdateRankingView()
		if s.metrics != nil {
			s.metrics.RecordRankingUpdate()
		}
	case requeue:
		// Re-queued at the priority last held, recovered from the
		// released worker's side data.
		s.dispatcher.QueuePush(job, recoveredPriority, sub.Timestamp)
		s.recordJobPushed("evaluate")
	case giveUp:
		log.Warn("evaluation retry budget exhausted", "submissionID", submissionID, "tentatives", sub.EvaluationTentatives)
		if s.metrics != nil {
			s.metrics.RecordRetryBudgetExhausted("evaluate")
		}
	}
	return nil
}

// SelfDestruct implements self_destruct: pushes the shutdown sentinel at
// the highest priority.
func (s *Server) SelfDestruct(ctx context.Context) error {
	s.dispatcher.QueuePush(types.Job{Kind: types.JobBomb}, types.PriorityExtraHigh, time.Now())
	s.recordJobPushed("bomb")
	return nil
}

// GetWorkersStatus implements get_workers_status.
func (s *Server) GetWorkersStatus(ctx context.Context) map[types.WorkerID]workerpool.Status {
	return s.dispatcher.GetWorkersStatus()
}

// AddWorker implements add_worker.
func (s *Server) AddWorker(ctx context.Context, id types.WorkerID, addr types.Address) error {
	return s.dispatcher.AddWorker(id, addr)
}

// DelWorker implements del_worker.
func (s *Server) DelWorker(ctx context.Context, id types.WorkerID) error {
	return s.dispatcher.DelWorker(id)
}

// EnableWorker implements enable_worker.
func (s *Server) EnableWorker(ctx context.Context, id types.WorkerID) error {
	return s.dispatcher.EnableWorker(id)
}
