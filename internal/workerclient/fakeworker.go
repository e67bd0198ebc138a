package workerclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/CNITV/cms/pkg/types"
)

var log = slog.Default()

// ReportClient is the narrow slice of internal/rpc.Client a FakeWorker
// needs to call back into the evaluation server.
type ReportClient interface {
	CompilationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error
	EvaluationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error
}

// FakeWorker is a Worker stand-in for tests and the demo binary: it
// accepts compile/evaluate requests over HTTP and, after a simulated delay,
// reports the outcome back to the evaluation server via ReportClient. There
// is no real compiler or sandbox behind it — FailureRate controls how often
// it reports failure, for exercising the dispatcher's retry paths.
type FakeWorker struct {
	Report      ReportClient
	Delay       time.Duration
	FailureRate float64

	shutdownReason chan string
}

// NewFakeWorker creates a FakeWorker reporting outcomes through report,
// with work simulated as a fixed delay and a fraction of failures.
func NewFakeWorker(report ReportClient, delay time.Duration, failureRate float64) *FakeWorker {
	return &FakeWorker{
		Report:         report,
		Delay:          delay,
		FailureRate:    failureRate,
		shutdownReason: make(chan string, 1),
	}
}

// Handler returns the HTTP surface a dispatcher's Client talks to.
func (fw *FakeWorker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/worker/compile", fw.handleCompile)
	mux.HandleFunc("/worker/evaluate", fw.handleEvaluate)
	mux.HandleFunc("/worker/shut_down", fw.handleShutDown)
	return mux
}

// ShutdownReason returns a channel that delivers the reason string of a
// shut_down RPC once one arrives, for tests asserting the supervisor reached
// this worker. It holds one reason; later ones are dropped while it is full.
func (fw *FakeWorker) ShutdownReason() <-chan string {
	return fw.shutdownReason
}

func (fw *FakeWorker) outcome() bool {
	return rand.Float64() >= fw.FailureRate
}

func (fw *FakeWorker) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	go fw.runAndReport(types.SubmissionID(req.SubmissionID), fw.Report.CompilationFinished)
}

func (fw *FakeWorker) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	go fw.runAndReport(types.SubmissionID(req.SubmissionID), fw.Report.EvaluationFinished)
}

func (fw *FakeWorker) runAndReport(submissionID types.SubmissionID, report func(context.Context, bool, types.SubmissionID) error) {
	if fw.Delay > 0 {
		time.Sleep(fw.Delay)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := report(ctx, fw.outcome(), submissionID); err != nil {
		log.Error("fake worker failed to report outcome", "submissionID", submissionID, "error", err)
	}
}

func (fw *FakeWorker) handleShutDown(w http.ResponseWriter, r *http.Request) {
	var req shutDownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	select {
	case fw.shutdownReason <- req.Reason:
	default:
	}
	w.WriteHeader(http.StatusOK)
}
