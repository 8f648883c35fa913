// Package queue implements the job queue between the control plane and
// the crawl execution engine: a durable (Redis) or in-memory backing
// for the `{crawlRunId, projectId}` job payload described in spec §6.
// Jobs carry `jobId == crawlRunId`; neither backing deduplicates on it,
// so pushing the same job twice delivers it twice.
package queue

import (
	"context"
	"errors"
)

// Job is the payload popped from the queue. JobID equals CrawlRunID.
type Job struct {
	JobID      string `json:"jobId"`
	CrawlRunID string `json:"crawlRunId"`
	ProjectID  string `json:"projectId"`
}

// ErrEmpty is returned by a non-blocking Pop when the queue has no
// ready job.
var ErrEmpty = errors.New("queue: empty")

// Queue is the narrow interface the Job Runner polls.
type Queue interface {
	// Push enqueues a job. Re-pushing a job with the same JobID is safe;
	// queue-level idempotency is the caller's responsibility per spec §4.8.
	Push(ctx context.Context, job Job) error
	// Pop removes and returns the next ready job, or ErrEmpty if none.
	Pop(ctx context.Context) (Job, error)
	Close() error
}
