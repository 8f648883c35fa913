package jobrunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hydrafrog/internal/queue"
	"hydrafrog/pkg/types"
)

type fakeStore struct {
	mu           sync.Mutex
	runs         map[string]types.CrawlRun
	projects     map[string]types.Project
	wiped        []string
	statusCalls  []types.CrawlRunStatus
	lastError    string
	pages        []types.Page
	links        []types.Link
	issues       []types.Issue
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[string]types.CrawlRun{}, projects: map[string]types.Project{}}
}

func (s *fakeStore) PersistPage(ctx context.Context, page types.Page) error     { return nil }
func (s *fakeStore) PersistIssues(ctx context.Context, issues []types.Issue) error { return nil }
func (s *fakeStore) PersistLinks(ctx context.Context, links []types.Link) error { return nil }

func (s *fakeStore) ReadRunStatus(ctx context.Context, crawlRunID string) (types.CrawlRunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[crawlRunID].Status, nil
}

func (s *fakeStore) PagesForRun(ctx context.Context, crawlRunID string) ([]types.Page, error) { return s.pages, nil }
func (s *fakeStore) LinksForRun(ctx context.Context, crawlRunID string) ([]types.Link, error) { return s.links, nil }
func (s *fakeStore) IssuesForRun(ctx context.Context, crawlRunID string) ([]types.Issue, error) { return s.issues, nil }
func (s *fakeStore) MarkLinkBroken(ctx context.Context, linkID string, statusCode int) error  { return nil }
func (s *fakeStore) UpsertTemplate(ctx context.Context, tmpl types.Template) (string, error)  { return tmpl.ID, nil }
func (s *fakeStore) SetPageTemplate(ctx context.Context, pageID, templateID string) error     { return nil }
func (s *fakeStore) PersistGlobalIssues(ctx context.Context, issues []types.Issue) error       { return nil }
func (s *fakeStore) UpdateRunTotals(ctx context.Context, crawlRunID string, totals types.Totals) error {
	return nil
}

func (s *fakeStore) LoadRun(ctx context.Context, crawlRunID string) (types.CrawlRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[crawlRunID]
	if !ok {
		return types.CrawlRun{}, errors.New("not found")
	}
	return run, nil
}

func (s *fakeStore) LoadProject(ctx context.Context, projectID string) (types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return types.Project{}, errors.New("not found")
	}
	return project, nil
}

func (s *fakeStore) WipeRunChildren(ctx context.Context, crawlRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wiped = append(s.wiped, crawlRunID)
	return nil
}

func (s *fakeStore) UpdateRunStatus(ctx context.Context, crawlRunID string, status types.CrawlRunStatus, lastErrorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[crawlRunID]
	run.Status = status
	s.runs[crawlRunID] = run
	s.statusCalls = append(s.statusCalls, status)
	if lastErrorMessage != "" {
		s.lastError = lastErrorMessage
	}
	return nil
}

type fakeDriver struct {
	err error
}

func (d *fakeDriver) Run(ctx context.Context, run types.CrawlRun, project types.Project) error {
	return d.err
}

func TestRunOne_AlreadyCanceledRunSkipsEverything(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.runs["run-1"] = types.CrawlRun{ID: "run-1", Status: types.StatusCanceled}

	runner := New(queue.NewMemoryQueue(), store, &fakeDriver{}, 0, nil)
	runner.RunOne(context.Background(), queue.Job{JobID: "run-1", CrawlRunID: "run-1", ProjectID: "proj-1"})

	require.Empty(t, store.wiped)
	require.Empty(t, store.statusCalls)
}

func TestRunOne_HappyPathTransitionsToDone(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.runs["run-1"] = types.CrawlRun{ID: "run-1", Status: types.StatusQueued}
	store.projects["proj-1"] = types.Project{ID: "proj-1", StartURL: "https://example.com/", Domain: "example.com"}

	runner := New(queue.NewMemoryQueue(), store, &fakeDriver{}, 0, nil)
	runner.RunOne(context.Background(), queue.Job{JobID: "run-1", CrawlRunID: "run-1", ProjectID: "proj-1"})

	require.Equal(t, []string{"run-1"}, store.wiped)
	require.Equal(t, []types.CrawlRunStatus{types.StatusRunning, types.StatusDone}, store.statusCalls)
}

func TestRunOne_DriverErrorTransitionsToFailedWithMessage(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.runs["run-1"] = types.CrawlRun{ID: "run-1", Status: types.StatusQueued}
	store.projects["proj-1"] = types.Project{ID: "proj-1", StartURL: "https://example.com/", Domain: "example.com"}

	q := queue.NewMemoryQueue()
	runner := New(q, store, &fakeDriver{err: errors.New("boom")}, 0, nil)
	job := queue.Job{JobID: "run-1", CrawlRunID: "run-1", ProjectID: "proj-1"}
	runner.RunOne(context.Background(), job)

	require.Equal(t, []types.CrawlRunStatus{types.StatusRunning, types.StatusFailed}, store.statusCalls)
	require.Contains(t, store.lastError, "boom")

	requeued, err := q.Pop(context.Background())
	require.NoError(t, err, "a failed run must be re-raised to the queue for retry")
	require.Equal(t, job, requeued)
}

func TestRunOne_CanceledDuringBFSSkipsPostProcessing(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.runs["run-1"] = types.CrawlRun{ID: "run-1", Status: types.StatusQueued}
	store.projects["proj-1"] = types.Project{ID: "proj-1", StartURL: "https://example.com/", Domain: "example.com"}

	// The driver flips status to CANCELED mid-run, as the real BFS
	// Driver would after observing the cancellation flag.
	cancelingDriver := driverFunc(func(ctx context.Context, run types.CrawlRun, project types.Project) error {
		store.mu.Lock()
		r := store.runs["run-1"]
		r.Status = types.StatusCanceled
		store.runs["run-1"] = r
		store.mu.Unlock()
		return nil
	})
	runner := New(queue.NewMemoryQueue(), store, cancelingDriver, 0, nil)
	runner.RunOne(context.Background(), queue.Job{JobID: "run-1", CrawlRunID: "run-1", ProjectID: "proj-1"})

	require.Equal(t, []types.CrawlRunStatus{types.StatusRunning}, store.statusCalls)
	require.Equal(t, types.StatusCanceled, store.runs["run-1"].Status)
}

type driverFunc func(ctx context.Context, run types.CrawlRun, project types.Project) error

func (f driverFunc) Run(ctx context.Context, run types.CrawlRun, project types.Project) error {
	return f(ctx, run, project)
}

func TestServe_StopsOnContextCancellation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	runner := New(queue.NewMemoryQueue(), store, &fakeDriver{}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := runner.Serve(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
