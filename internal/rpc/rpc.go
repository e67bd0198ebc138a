// Package rpc is the evaluation server's inbound RPC surface: a thin JSON-
// over-HTTP transport, one request/response struct pair per method, that
// converts wire requests to domain types and defers all real work to a
// Handlers implementation.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/CNITV/cms/internal/workerpool"
	"github.com/CNITV/cms/pkg/types"
)

var log = slog.Default()

// Handlers is implemented by the evaluation server's core; Server routes
// each RPC method to the matching Handlers call.
type Handlers interface {
	AddJob(ctx context.Context, submissionID types.SubmissionID) error
	UseToken(ctx context.Context, submissionID types.SubmissionID) error
	CompilationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error
	EvaluationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error
	SelfDestruct(ctx context.Context) error
	GetWorkersStatus(ctx context.Context) map[types.WorkerID]workerpool.Status
	AddWorker(ctx context.Context, id types.WorkerID, addr types.Address) error
	DelWorker(ctx context.Context, id types.WorkerID) error
	EnableWorker(ctx context.Context, id types.WorkerID) error
}

// Request/response wire shapes, one pair per RPC method.

type AddJobRequest struct {
	SubmissionID string `json:"submission_id"`
}

type UseTokenRequest struct {
	SubmissionID string `json:"submission_id"`
}

type CompilationFinishedRequest struct {
	Success      bool   `json:"success"`
	SubmissionID string `json:"submission_id"`
}

type EvaluationFinishedRequest struct {
	Success      bool   `json:"success"`
	SubmissionID string `json:"submission_id"`
}

// OKResponse is the common "true" reply most methods give on success.
type OKResponse struct {
	OK bool `json:"ok"`
}

// WorkerStatusView is the JSON-serializable projection of a
// workerpool.Status entry.
type WorkerStatusView struct {
	Job        *string    `json:"job,omitempty"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	LeaseStart *time.Time `json:"lease_start,omitempty"`
	ErrorCount int        `json:"error_count"`
}

type GetWorkersStatusResponse struct {
	Workers map[string]WorkerStatusView `json:"workers"`
}

type AddWorkerRequest struct {
	ID   int    `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type DelWorkerRequest struct {
	ID int `json:"id"`
}

type EnableWorkerRequest struct {
	ID int `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the inbound RPC surface over HTTP.
type Server struct {
	handlers Handlers
	mux      *http.ServeMux
}

// NewServer builds a Server routing every RPC method to h.
func NewServer(h Handlers) *Server {
	s := &Server{handlers: h, mux: http.NewServeMux()}
	s.mux.HandleFunc("/rpc/add_job", s.handleAddJob)
	s.mux.HandleFunc("/rpc/use_token", s.handleUseToken)
	s.mux.HandleFunc("/rpc/compilation_finished", s.handleCompilationFinished)
	s.mux.HandleFunc("/rpc/evaluation_finished", s.handleEvaluationFinished)
	s.mux.HandleFunc("/rpc/self_destruct", s.handleSelfDestruct)
	s.mux.HandleFunc("/rpc/get_workers_status", s.handleGetWorkersStatus)
	s.mux.HandleFunc("/rpc/add_worker", s.handleAddWorker)
	s.mux.HandleFunc("/rpc/del_worker", s.handleDelWorker)
	s.mux.HandleFunc("/rpc/enable_worker", s.handleEnableWorker)
	return s
}

// Handler exposes the underlying mux, e.g. for wrapping with middleware or
// mounting alongside a metrics handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode RPC response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req AddJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.handlers.AddJob(r.Context(), types.SubmissionID(req.SubmissionID)); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleUseToken(w http.ResponseWriter, r *http.Request) {
	var req UseTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.handlers.UseToken(r.Context(), types.SubmissionID(req.SubmissionID)); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleCompilationFinished(w http.ResponseWriter, r *http.Request) {
	var req CompilationFinishedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.handlers.CompilationFinished(r.Context(), req.Success, types.SubmissionID(req.SubmissionID)); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleEvaluationFinished(w http.ResponseWriter, r *http.Request) {
	var req EvaluationFinishedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.handlers.EvaluationFinished(r.Context(), req.Success, types.SubmissionID(req.SubmissionID)); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleSelfDestruct(w http.ResponseWriter, r *http.Request) {
	if err := s.handlers.SelfDestruct(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleGetWorkersStatus(w http.ResponseWriter, r *http.Request) {
	status := s.handlers.GetWorkersStatus(r.Context())
	out := make(map[string]WorkerStatusView, len(status))
	for id, st := range status {
		view := WorkerStatusView{
			Host:       st.Address.Host,
			Port:       st.Address.Port,
			LeaseStart: st.LeaseStart,
			ErrorCount: st.ErrorCount,
		}
		if st.Job != nil {
			j := st.Job.Kind.String() + ":" + string(st.Job.SubmissionID)
			view.Job = &j
		}
		out[strconv.Itoa(int(id))] = view
	}
	writeJSON(w, http.StatusOK, GetWorkersStatusResponse{Workers: out})
}

func (s *Server) handleAddWorker(w http.ResponseWriter, r *http.Request) {
	var req AddWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr := types.Address{Host: req.Host, Port: req.Port}
	if err := s.handlers.AddWorker(r.Context(), types.WorkerID(req.ID), addr); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleDelWorker(w http.ResponseWriter, r *http.Request) {
	var req DelWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.handlers.DelWorker(r.Context(), types.WorkerID(req.ID)); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleEnableWorker(w http.ResponseWriter, r *http.Request) {
	var req EnableWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.handlers.EnableWorker(r.Context(), types.WorkerID(req.ID)); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}
