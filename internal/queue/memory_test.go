package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"hydrafrog/internal/config"
)

func TestMemoryQueue_FIFOOrder(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	require.NoError(t, q.Push(context.Background(), Job{JobID: "run-1", CrawlRunID: "run-1", ProjectID: "proj-1"}))
	require.NoError(t, q.Push(context.Background(), Job{JobID: "run-2", CrawlRunID: "run-2", ProjectID: "proj-1"}))

	first, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", first.JobID)

	second, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-2", second.JobID)
}

func TestMemoryQueue_PopEmptyReturnsErrEmpty(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	_, err := q.Pop(context.Background())
	require.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryQueue_JobIDEqualsCrawlRunID(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	job := Job{JobID: "run-9", CrawlRunID: "run-9", ProjectID: "proj-9"}
	require.NoError(t, q.Push(context.Background(), job))

	popped, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, popped.JobID, popped.CrawlRunID)
}

func TestNew_UnknownDriverErrors(t *testing.T) {
	t.Parallel()

	_, err := New(config.QueueConfig{Driver: "kafka"})
	require.Error(t, err)
}
