package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CNITV/cms/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub := &Submission{ID: "s1", TaskID: "task-a", Timestamp: time.Now()}
	require.NoError(t, s.Create(ctx, sub))
	assert.Equal(t, 0, sub.Version)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.SubmissionID("s1"), got.ID)
	assert.Equal(t, "task-a", got.TaskID)
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveOptimisticConcurrency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sub := &Submission{ID: "s2", TaskID: "task-b", Timestamp: time.Now()}
	require.NoError(t, s.Create(ctx, sub))

	sub.CompilationTentatives = 1
	require.NoError(t, s.Save(ctx, sub))
	assert.Equal(t, 1, sub.Version)

	stale := &Submission{ID: "s2", Version: 0}
	err := s.Save(ctx, stale)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.Refresh(ctx, stale))
	assert.Equal(t, 1, stale.Version)
	assert.Equal(t, 1, stale.CompilationTentatives)
}

func TestListAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Submission{ID: "a", TaskID: "t", Timestamp: time.Now()}))
	require.NoError(t, s.Create(ctx, &Submission{ID: "b", TaskID: "t", Timestamp: time.Now()}))

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNewSubmissionIDUnique(t *testing.T) {
	a := NewSubmissionID()
	b := NewSubmissionID()
	assert.NotEqual(t, a, b)
}
