package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/queue/memory"
)

type slowCrawler struct {
	mu      sync.Mutex
	running int
	peak    int
}

func (s *slowCrawler) CrawlForRun(_ context.Context, _ string, job crawler.CrawlJob) crawler.JobResult {
	s.mu.Lock()
	s.running++
	if s.running > s.peak {
		s.peak = s.running
	}
	s.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	s.running--
	s.mu.Unlock()
	return crawler.JobResult{Summary: crawler.JobSummary{JobID: job.ID, State: crawler.JobStateCompleted}}
}

type countingSink struct {
	mu   sync.Mutex
	jobs []string
}

func (c *countingSink) JobFinished(_ context.Context, _ string, r crawler.JobResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, r.Summary.JobID)
}

func TestDispatcherRunsJobsConcurrentlyAndReturnsWhenDrained(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(6)
	jc := &slowCrawler{}
	sink := &countingSink{}
	d := NewPool(3, q, jc, sink, zap.NewNop())
	require.Equal(t, 3, d.Size())

	for i := 0; i < 6; i++ {
		require.NoError(t, d.Enqueue(context.Background(), crawler.QueueItem{RunID: "r", Job: crawler.CrawlJob{ID: fmt.Sprintf("job-%d", i)}}))
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not return after the queue drained")
	}

	assert.Len(t, sink.jobs, 6)
	assert.LessOrEqual(t, jc.peak, 3)
	assert.Greater(t, jc.peak, 1)
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	d := NewPool(2, q, &slowCrawler{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.QueueItem) error { return q.err }

func (q *errorQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, crawler.ErrQueueClosed
}

func (q *errorQueue) Close() {}

func TestDispatcherEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()

	d := New(&errorQueue{err: errors.New("boom")}, nil)
	err := d.Enqueue(context.Background(), crawler.QueueItem{})
	require.EqualError(t, err, "queue enqueue: boom")
}
