package rpc

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CNITV/cms/internal/workerpool"
	"github.com/CNITV/cms/pkg/types"
)

type fakeHandlers struct {
	addJobCalls []types.SubmissionID
	failAddJob  bool
	destructed  bool
	workers     map[types.WorkerID]workerpool.Status
}

func (f *fakeHandlers) AddJob(ctx context.Context, submissionID types.SubmissionID) error {
	if f.failAddJob {
		return errors.New("boom")
	}
	f.addJobCalls = append(f.addJobCalls, submissionID)
	return nil
}

func (f *fakeHandlers) UseToken(ctx context.Context, submissionID types.SubmissionID) error {
	return nil
}

func (f *fakeHandlers) CompilationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error {
	return nil
}

func (f *fakeHandlers) EvaluationFinished(ctx context.Context, success bool, submissionID types.SubmissionID) error {
	return nil
}

func (f *fakeHandlers) SelfDestruct(ctx context.Context) error {
	f.destructed = true
	return nil
}

func (f *fakeHandlers) GetWorkersStatus(ctx context.Context) map[types.WorkerID]workerpool.Status {
	return f.workers
}

func (f *fakeHandlers) AddWorker(ctx context.Context, id types.WorkerID, addr types.Address) error {
	return nil
}

func (f *fakeHandlers) DelWorker(ctx context.Context, id types.WorkerID) error { return nil }

func (f *fakeHandlers) EnableWorker(ctx context.Context, id types.WorkerID) error { return nil }

func TestAddJobRoundTrip(t *testing.T) {
	h := &fakeHandlers{}
	srv := NewServer(h)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient(ts.URL)
	require.NoError(t, client.AddJob(context.Background(), "s1"))
	assert.Equal(t, []types.SubmissionID{"s1"}, h.addJobCalls)
}

func TestAddJobErrorSurfaces(t *testing.T) {
	h := &fakeHandlers{failAddJob: true}
	srv := NewServer(h)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient(ts.URL)
	err := client.AddJob(context.Background(), "s1")
	assert.Error(t, err)
}

func TestSelfDestruct(t *testing.T) {
	h := &fakeHandlers{}
	srv := NewServer(h)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient(ts.URL)
	require.NoError(t, client.SelfDestruct(context.Background()))
	assert.True(t, h.destructed)
}

func TestGetWorkersStatus(t *testing.T) {
	job := types.Job{Kind: types.JobCompile, SubmissionID: "s1"}
	h := &fakeHandlers{workers: map[types.WorkerID]workerpool.Status{
		1: {Job: &job, Address: types.Address{Host: "h", Port: 9}},
	}}
	srv := NewServer(h)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient(ts.URL)
	status, err := client.GetWorkersStatus(context.Background())
	require.NoError(t, err)
	require.Contains(t, status, "1")
	assert.Equal(t, "h", status["1"].Host)
	require.NotNil(t, status["1"].Job)
}
