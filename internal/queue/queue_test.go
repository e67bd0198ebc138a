package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CNITV/cms/pkg/types"
)

func TestPushPopOrdersByPriority(t *testing.T) {
	q := New()
	now := time.Now()
	q.Push(types.Job{Kind: types.JobCompile, SubmissionID: "low"}, types.PriorityLow, now)
	q.Push(types.Job{Kind: types.JobCompile, SubmissionID: "high"}, types.PriorityHigh, now)
	q.Push(types.Job{Kind: types.JobCompile, SubmissionID: "extra_high"}, types.PriorityExtraHigh, now)

	first := q.Pop()
	assert.Equal(t, types.SubmissionID("extra_high"), first.Job.SubmissionID)
	second := q.Pop()
	assert.Equal(t, types.SubmissionID("high"), second.Job.SubmissionID)
	third := q.Pop()
	assert.Equal(t, types.SubmissionID("low"), third.Job.SubmissionID)
}

func TestPushPopFIFOWithinSamePriorityAndTimestamp(t *testing.T) {
	q := New()
	ts := time.Now()
	q.Push(types.Job{Kind: types.JobEvaluate, SubmissionID: "a"}, types.PriorityMedium, ts)
	q.Push(types.Job{Kind: types.JobEvaluate, SubmissionID: "b"}, types.PriorityMedium, ts)
	q.Push(types.Job{Kind: types.JobEvaluate, SubmissionID: "c"}, types.PriorityMedium, ts)

	assert.Equal(t, types.SubmissionID("a"), q.Pop().Job.SubmissionID)
	assert.Equal(t, types.SubmissionID("b"), q.Pop().Job.SubmissionID)
	assert.Equal(t, types.SubmissionID("c"), q.Pop().Job.SubmissionID)
}

func TestTopDoesNotRemove(t *testing.T) {
	q := New()
	q.Push(types.Job{Kind: types.JobCompile, SubmissionID: "x"}, types.PriorityMedium, time.Now())

	top, err := q.Top()
	require.NoError(t, err)
	assert.Equal(t, types.SubmissionID("x"), top.Job.SubmissionID)
	assert.Equal(t, 1, q.Length())
}

func TestTopOnEmptyReturnsErrEmpty(t *testing.T) {
	q := New()
	_, err := q.Top()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan types.QueueEntry, 1)
	go func() {
		done <- q.Pop()
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any Push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(types.Job{Kind: types.JobBomb}, types.PriorityExtraHigh, time.Now())

	select {
	case e := <-done:
		assert.Equal(t, types.JobBomb, e.Job.Kind)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestSetPriorityReordersEntry(t *testing.T) {
	q := New()
	now := time.Now()
	target := types.Job{Kind: types.JobCompile, SubmissionID: "target"}
	q.Push(types.Job{Kind: types.JobCompile, SubmissionID: "other"}, types.PriorityHigh, now)
	q.Push(target, types.PriorityLow, now)

	require.NoError(t, q.SetPriority(target, types.PriorityExtraHigh))

	first := q.Pop()
	assert.Equal(t, types.SubmissionID("target"), first.Job.SubmissionID)
}

func TestSetPriorityNotFound(t *testing.T) {
	q := New()
	err := q.SetPriority(types.Job{Kind: types.JobCompile, SubmissionID: "missing"}, types.PriorityHigh)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSemaphoreValueTracksLength(t *testing.T) {
	q := New()
	assert.Equal(t, 0, q.SemaphoreValue())
	q.Push(types.Job{Kind: types.JobCompile, SubmissionID: "a"}, types.PriorityMedium, time.Now())
	q.Push(types.Job{Kind: types.JobCompile, SubmissionID: "b"}, types.PriorityMedium, time.Now())
	assert.Equal(t, 2, q.SemaphoreValue())
	assert.Equal(t, 2, q.Length())
	q.Pop()
	assert.Equal(t, 1, q.SemaphoreValue())
	assert.Equal(t, 1, q.Length())
}

func TestEmpty(t *testing.T) {
	q := New()
	assert.True(t, q.Empty())
	q.Push(types.Job{Kind: types.JobCompile, SubmissionID: "a"}, types.PriorityMedium, time.Now())
	assert.False(t, q.Empty())
}
