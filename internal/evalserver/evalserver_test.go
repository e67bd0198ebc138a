package evalserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CNITV/cms/internal/contest"
	"github.com/CNITV/cms/internal/dispatcher"
	"github.com/CNITV/cms/internal/queue"
	"github.com/CNITV/cms/internal/store"
	"github.com/CNITV/cms/internal/workerpool"
	"github.com/CNITV/cms/pkg/types"
)

type noopClient struct{}

func (noopClient) Compile(ctx context.Context, addr types.Address, id types.SubmissionID) error {
	return nil
}
func (noopClient) Evaluate(ctx context.Context, addr types.Address, id types.SubmissionID) error {
	return nil
}
func (noopClient) ShutDown(ctx context.Context, addr types.Address, reason string) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *store.Store, *workerpool.Pool, *queue.Queue) {
	t.Helper()
	st, err := store.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New()
	p := workerpool.New()
	d := dispatcher.New(q, p, noopClient{}, time.Second)
	s := New(st, contest.New(), d, DefaultConfig())
	return s, st, p, q
}

func TestAddJobEnqueuesCompileAtHigh(t *testing.T) {
	s, st, _, q := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "s1", TaskID: "t1", Timestamp: time.Now()}))

	require.NoError(t, s.AddJob(ctx, "s1"))

	entry, err := q.Top()
	require.NoError(t, err)
	assert.Equal(t, types.JobCompile, entry.Job.Kind)
	assert.Equal(t, types.PriorityHigh, entry.Priority)
}

func TestCompilationFinishedSuccessEnqueuesEvaluateAtLow(t *testing.T) {
	s, st, p, q := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "s1", TaskID: "t1", Timestamp: time.Now()}))

	_, ok := p.AcquireWorker(types.Job{Kind: types.JobCompile, SubmissionID: "s1"}, false, types.SideData{Priority: types.PriorityHigh})
	require.False(t, ok) // no worker registered yet, but release is keyed by job not count

	require.NoError(t, p.AddWorker(1, types.Address{Host: "h", Port: 1}))
	_, ok = p.AcquireWorker(types.Job{Kind: types.JobCompile, SubmissionID: "s1"}, false, types.SideData{Priority: types.PriorityHigh})
	require.True(t, ok)

	require.NoError(t, s.CompilationFinished(ctx, true, "s1"))

	entry, err := q.Top()
	require.NoError(t, err)
	assert.Equal(t, types.JobEvaluate, entry.Job.Kind)
	assert.Equal(t, types.PriorityLow, entry.Priority)

	sub, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.CompilationTentatives)
	assert.Equal(t, types.CompilationOK, sub.CompilationOutcome)
}

func TestCompilationFinishedTokenedEnqueuesEvaluateAtMedium(t *testing.T) {
	s, st, p, q := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "s1", TaskID: "t1", Timestamp: time.Now(), Tokened: true}))
	require.NoError(t, p.AddWorker(1, types.Address{Host: "h", Port: 1}))
	_, ok := p.AcquireWorker(types.Job{Kind: types.JobCompile, SubmissionID: "s1"}, false, types.SideData{})
	require.True(t, ok)

	require.NoError(t, s.CompilationFinished(ctx, true, "s1"))

	entry, err := q.Top()
	require.NoError(t, err)
	assert.Equal(t, types.PriorityMedium, entry.Priority)
}

func TestCompilationFinishedFailureRequeuesAtHighUntilBudgetExhausted(t *testing.T) {
	s, st, p, q := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "s1", TaskID: "t1", Timestamp: time.Now()}))
	require.NoError(t, p.AddWorker(1, types.Address{Host: "h", Port: 1}))

	for i := 0; i < 3; i++ {
		_, ok := p.AcquireWorker(types.Job{Kind: types.JobCompile, SubmissionID: "s1"}, false, types.SideData{})
		require.True(t, ok)
		require.NoError(t, s.CompilationFinished(ctx, false, "s1"))
		entry, err := q.Top()
		require.NoError(t, err)
		assert.Equal(t, types.JobCompile, entry.Job.Kind)
		q.Pop()
	}

	// Fourth failure exceeds MAX_COMPILATION_TENTATIVES(3): gives up, no requeue.
	_, ok := p.AcquireWorker(types.Job{Kind: types.JobCompile, SubmissionID: "s1"}, false, types.SideData{})
	require.True(t, ok)
	require.NoError(t, s.CompilationFinished(ctx, false, "s1"))
	assert.True(t, q.Empty())

	sub, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, sub.CompilationTentatives)
}

func TestEvaluationFinishedSuccessUpdatesScorerAndRanking(t *testing.T) {
	s, st, p, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "s1", TaskID: "t1", Timestamp: time.Now()}))
	require.NoError(t, p.AddWorker(1, types.Address{Host: "h", Port: 1}))
	_, ok := p.AcquireWorker(types.Job{Kind: types.JobEvaluate, SubmissionID: "s1"}, false, types.SideData{Priority: types.PriorityLow})
	require.True(t, ok)

	before := s.contest.RankingVersion()
	require.NoError(t, s.EvaluationFinished(ctx, true, "s1"))

	scored, _ := s.contest.Task("t1").Stats()
	assert.Equal(t, 1, scored)
	assert.Greater(t, s.contest.RankingVersion(), before)
}

func TestEvaluationFinishedFailureRequeuesAtOriginalPriority(t *testing.T) {
	s, st, p, q := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "s1", TaskID: "t1", Timestamp: time.Now()}))
	require.NoError(t, p.AddWorker(1, types.Address{Host: "h", Port: 1}))
	_, ok := p.AcquireWorker(types.Job{Kind: types.JobEvaluate, SubmissionID: "s1"}, false, types.SideData{Priority: types.PriorityMedium})
	require.True(t, ok)

	require.NoError(t, s.EvaluationFinished(ctx, false, "s1"))

	entry, err := q.Top()
	require.NoError(t, err)
	assert.Equal(t, types.PriorityMedium, entry.Priority)
}

func TestUseTokenBumpsPendingEvaluateEntry(t *testing.T) {
	s, st, _, q := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "s1", TaskID: "t1", Timestamp: time.Now()}))
	q.Push(types.Job{Kind: types.JobEvaluate, SubmissionID: "s1"}, types.PriorityLow, time.Now())

	require.NoError(t, s.UseToken(ctx, "s1"))

	entry, err := q.Top()
	require.NoError(t, err)
	assert.Equal(t, types.PriorityMedium, entry.Priority)

	sub, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sub.Tokened)
}

func TestUseTokenSwallowsNotFoundWhenNoEvaluateEntryExists(t *testing.T) {
	s, st, _, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "s1", TaskID: "t1", Timestamp: time.Now()}))

	assert.NoError(t, s.UseToken(ctx, "s1"))
}

func TestSelfDestructPushesBombAtExtraHigh(t *testing.T) {
	s, _, _, q := newTestServer(t)
	require.NoError(t, s.SelfDestruct(context.Background()))

	entry, err := q.Top()
	require.NoError(t, err)
	assert.Equal(t, types.JobBomb, entry.Job.Kind)
	assert.Equal(t, types.PriorityExtraHigh, entry.Priority)
}

func TestStartupRequeuesUnevaluatedAndRegistersFinishedSubmissions(t *testing.T) {
	s, st, _, q := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "pending", TaskID: "t1", Timestamp: time.Now()}))
	require.NoError(t, st.Create(ctx, &store.Submission{ID: "done", TaskID: "t1", Timestamp: time.Now(),
		CompilationOutcome: types.CompilationOK, EvaluationOutcome: types.EvaluationOK}))

	require.NoError(t, s.Startup(ctx))

	assert.Equal(t, 1, q.Length())
	entry, err := q.Top()
	require.NoError(t, err)
	assert.Equal(t, types.SubmissionID("pending"), entry.Job.SubmissionID)

	scored, _ := s.contest.Task("t1").Stats()
	assert.Equal(t, 1, scored)
}
