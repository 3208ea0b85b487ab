// Package worker runs crawl jobs taken from the queue.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/job-aggregator/internal/worker")

// JobCrawler executes one crawl job to completion.
type JobCrawler interface {
	CrawlForRun(ctx context.Context, runID string, job crawler.CrawlJob) crawler.JobResult
}

// ResultSink receives every finished job.
type ResultSink interface {
	JobFinished(ctx context.Context, runID string, result crawler.JobResult)
}

// Worker consumes queue items one at a time.
type Worker struct {
	id      int
	queue   crawler.Queue
	crawler JobCrawler
	sink    ResultSink
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, jc JobCrawler, sink ResultSink, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		crawler: jc,
		sink:    sink,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming jobs until the context ends or the queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("run_id", item.RunID),
			zap.String("job_id", item.Job.ID),
		)
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	ctx, span := tracer.Start(ctx, "crawl job", trace.WithAttributes(
		attribute.String("run.id", item.RunID),
		attribute.String("job.id", item.Job.ID),
		attribute.String("job.company", item.Job.Target.Company),
	))
	defer span.End()

	start := time.Now()
	result := w.crawler.CrawlForRun(ctx, item.RunID, item.Job)
	span.SetAttributes(
		attribute.String("job.state", string(result.Summary.State)),
		attribute.Int("job.records", len(result.Records)),
	)
	if result.Summary.Error != "" {
		span.SetStatus(codes.Error, result.Summary.Error)
	}
	w.logger.Info("job finished",
		zap.String("run_id", item.RunID),
		zap.String("job_id", item.Job.ID),
		zap.String("company", item.Job.Target.Company),
		zap.String("state", string(result.Summary.State)),
		zap.Int("records", len(result.Records)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if w.sink != nil {
		// The sink still gets cancelled jobs so a run can finish.
		w.sink.JobFinished(context.WithoutCancel(ctx), item.RunID, result)
	}
}
