// Package jobrunner implements the §4.8 Job Runner: the state machine
// that pops jobs off the queue, drives a crawl run through the BFS
// Driver and Post-Processor, and records the run's terminal status.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hydrafrog/internal/crawler"
	"hydrafrog/internal/postprocess"
	"hydrafrog/internal/queue"
	"hydrafrog/pkg/types"
)

// Store is everything the Job Runner, BFS Driver, and Post-Processor
// collectively need from the Persistence Adapter.
type Store interface {
	crawler.Store
	postprocess.Store
	LoadRun(ctx context.Context, crawlRunID string) (types.CrawlRun, error)
	LoadProject(ctx context.Context, projectID string) (types.Project, error)
	WipeRunChildren(ctx context.Context, crawlRunID string) error
	UpdateRunStatus(ctx context.Context, crawlRunID string, status types.CrawlRunStatus, lastErrorMessage string) error
}

// Driver is the subset of *crawler.Driver the Job Runner invokes.
type Driver interface {
	Run(ctx context.Context, run types.CrawlRun, project types.Project) error
}

// Runner pops jobs from the queue and drives each one to completion,
// bounded by a WorkerPool sized from config.WorkerConfig.Concurrency.
type Runner struct {
	queue        queue.Queue
	store        Store
	driver       Driver
	postprocess  *postprocess.Processor
	pollInterval time.Duration
	logger       *slog.Logger
}

// New constructs a Runner whose Post-Processor is a
// *postprocess.Processor bound to store.
func New(q queue.Queue, store Store, driver Driver, pollInterval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Runner{
		queue:        q,
		store:        store,
		driver:       driver,
		postprocess:  postprocess.New(store),
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Serve polls the queue until ctx is canceled, running each popped job
// via RunOne on the calling goroutine; callers wanting cross-run
// concurrency run several Serve loops, one per WorkerPool worker, as
// cmd/crawlerd does.
func (r *Runner) Serve(ctx context.Context) error {
	for {
		job, err := r.queue.Pop(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pollInterval):
				continue
			}
		}
		if err != nil {
			r.logger.Error("queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pollInterval):
				continue
			}
		}
		r.RunOne(ctx, job)
	}
}

// RunOne executes the §4.8 state machine for a single job.
func (r *Runner) RunOne(ctx context.Context, job queue.Job) {
	logger := r.logger.With("crawlRunId", job.CrawlRunID, "projectId", job.ProjectID)

	run, err := r.store.LoadRun(ctx, job.CrawlRunID)
	if err != nil {
		logger.Error("load run failed", "error", err)
		return
	}
	if run.Status == types.StatusCanceled {
		logger.Info("run already canceled, acknowledging without work")
		return
	}

	project, err := r.store.LoadProject(ctx, job.ProjectID)
	if err != nil {
		r.fail(ctx, job, logger, fmt.Errorf("load project: %w", err))
		return
	}

	if err := r.store.WipeRunChildren(ctx, job.CrawlRunID); err != nil {
		r.fail(ctx, job, logger, fmt.Errorf("wipe run children: %w", err))
		return
	}

	if err := r.store.UpdateRunStatus(ctx, job.CrawlRunID, types.StatusRunning, ""); err != nil {
		r.fail(ctx, job, logger, fmt.Errorf("transition to running: %w", err))
		return
	}
	run.Status = types.StatusRunning

	if err := r.driver.Run(ctx, run, project); err != nil {
		r.fail(ctx, job, logger, fmt.Errorf("bfs driver: %w", err))
		return
	}

	status, err := r.store.ReadRunStatus(ctx, job.CrawlRunID)
	if err != nil {
		r.fail(ctx, job, logger, fmt.Errorf("read run status after driver: %w", err))
		return
	}
	if status == types.StatusCanceled {
		logger.Info("run canceled during BFS, skipping post-processing")
		return
	}

	if _, err := r.postprocess.Run(ctx, job.CrawlRunID); err != nil {
		r.fail(ctx, job, logger, fmt.Errorf("post-processor: %w", err))
		return
	}

	if err := r.store.UpdateRunStatus(ctx, job.CrawlRunID, types.StatusDone, ""); err != nil {
		logger.Error("transition to done failed", "error", err)
	}
}

// fail marks the run FAILED with cause's message and re-raises the job
// to the queue for retry accounting, per spec §4.8/§7: the wipe-on-start
// discipline at the top of RunOne makes re-delivery of the same job safe.
func (r *Runner) fail(ctx context.Context, job queue.Job, logger *slog.Logger, cause error) {
	logger.Error("run failed", "error", cause)
	if err := r.store.UpdateRunStatus(ctx, job.CrawlRunID, types.StatusFailed, cause.Error()); err != nil {
		logger.Error("transition to failed also failed", "error", err)
	}
	if err := r.queue.Push(context.Background(), job); err != nil {
		logger.Error("re-raise to queue for retry failed", "error", err)
	}
}

// poolJob is one unit of cross-run work submitted to a WorkerPool; each
// invocation drives a Runner.Serve loop on a pooled goroutine.
type poolJob func(ctx context.Context)

// WorkerPool bounds cross-run concurrency: each submitted job runs a
// Serve loop that handles runs one after another, so the pool's concurrency is the
// Job Runner's "bounded worker concurrency" knob from spec §5, not
// intra-run fetch fan-out (which the engine never does).
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan poolJob
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool with the given concurrency and queue size.
func NewWorkerPool(parent context.Context, concurrency, queueSize int) (*WorkerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan poolJob, queueSize),
	}
	pool.start(concurrency)
	return pool, nil
}

func (p *WorkerPool) start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-p.ctx.Done():
					return
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					job(p.ctx)
				}
			}
		}()
	}
}

// Submit schedules a job, rejecting if the context cancels or queue is full.
func (p *WorkerPool) Submit(ctx context.Context, fn poolJob) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- fn:
		return nil
	}
}

// Close drains the queue and stops all workers.
func (p *WorkerPool) Close() {
	p.cancel()
	close(p.jobs)
	p.wg.Wait()
}
