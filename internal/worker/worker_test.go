package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/queue/memory"
)

type stubCrawler struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubCrawler) CrawlForRun(_ context.Context, runID string, job crawler.CrawlJob) crawler.JobResult {
	s.mu.Lock()
	s.calls = append(s.calls, runID+"/"+job.ID)
	s.mu.Unlock()
	return crawler.JobResult{
		Summary: crawler.JobSummary{JobID: job.ID, Company: job.Target.Company, State: crawler.JobStateCompleted, RecordsFound: 1},
		Records: []crawler.JobRecord{{Company: job.Target.Company, Title: "Engineer", URL: job.Target.SeedURL}},
	}
}

type collectingSink struct {
	mu      sync.Mutex
	results map[string]crawler.JobResult
	ctxErr  error
}

func (c *collectingSink) JobFinished(ctx context.Context, _ string, result crawler.JobResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[string]crawler.JobResult)
	}
	c.results[result.Summary.JobID] = result
	c.ctxErr = ctx.Err()
}

func (c *collectingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func TestWorkerDrainsQueueThenStops(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{RunID: "run-1", Job: crawler.CrawlJob{ID: "a", Target: crawler.Target{Company: "Acme"}}}))
	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{RunID: "run-1", Job: crawler.CrawlJob{ID: "b", Target: crawler.Target{Company: "Globex"}}}))
	q.Close()

	jc := &stubCrawler{}
	sink := &collectingSink{}
	done := make(chan struct{})
	go func() {
		New(1, q, jc, sink, zap.NewNop()).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue closed")
	}
	assert.Equal(t, []string{"run-1/a", "run-1/b"}, jc.calls)
	require.Equal(t, 2, sink.count())
	assert.Equal(t, "Globex", sink.results["b"].Records[0].Company)
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, crawler.QueueItem) error { return nil }

func (q *blockingQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return crawler.QueueItem{}, ctx.Err()
}

func (q *blockingQueue) Close() {}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := &blockingQueue{started: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(1, q, &stubCrawler{}, nil, nil).Run(ctx)
		close(done)
	}()

	<-q.started
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

type flakyQueue struct {
	mu    sync.Mutex
	calls int
}

func (q *flakyQueue) Enqueue(context.Context, crawler.QueueItem) error { return nil }

func (q *flakyQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	switch q.calls {
	case 1:
		return crawler.QueueItem{}, errors.New("transient")
	case 2:
		return crawler.QueueItem{RunID: "r", Job: crawler.CrawlJob{ID: "x"}}, nil
	default:
		return crawler.QueueItem{}, crawler.ErrQueueClosed
	}
}

func (q *flakyQueue) Close() {}

func TestWorkerSurvivesDequeueErrors(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	New(1, &flakyQueue{}, &stubCrawler{}, sink, nil).Run(context.Background())
	assert.Equal(t, 1, sink.count())
}

type cancellingCrawler struct {
	cancel context.CancelFunc
}

func (c cancellingCrawler) CrawlForRun(_ context.Context, _ string, job crawler.CrawlJob) crawler.JobResult {
	c.cancel()
	return crawler.JobResult{Summary: crawler.JobSummary{JobID: job.ID, State: crawler.JobStateCancelled}}
}

func TestWorkerDeliversCancelledJobs(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{RunID: "r", Job: crawler.CrawlJob{ID: "c"}}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &collectingSink{}
	New(1, q, cancellingCrawler{cancel: cancel}, sink, nil).Run(ctx)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, crawler.JobStateCancelled, sink.results["c"].Summary.State)
	assert.NoError(t, sink.ctxErr)
}
