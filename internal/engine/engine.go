// Package engine runs a list of crawl targets end to end: one crawl job per
// target on a worker pool, then aggregation, export and notification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/aggregate"
	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/dispatcher"
	"github.com/JakeFAU/job-aggregator/internal/queue/memory"
)

var tracer = otel.Tracer("github.com/JakeFAU/job-aggregator/internal/engine")

// JobFactory turns a target into a PENDING crawl job.
type JobFactory interface {
	NewJob(target crawler.Target) (crawler.CrawlJob, error)
}

// Crawler is the job factory plus the job executor, i.e. the orchestrator.
type Crawler interface {
	JobFactory
	CrawlForRun(ctx context.Context, runID string, job crawler.CrawlJob) crawler.JobResult
}

// Exporter writes a finished dataset and returns the URI per format.
type Exporter interface {
	Export(ctx context.Context, runID string, ds aggregate.Dataset) (map[string]string, error)
}

// Config tunes the engine.
type Config struct {
	// Workers is the number of crawl jobs run at once within a run.
	Workers int
	// RequireAPIKey is set when the LLM extraction strategy is enabled.
	RequireAPIKey bool
	APIKey        string
	// NotifyTopic receives one RunCompleted message per run.
	NotifyTopic string
	// RecordTopic receives one RecordMessage per aggregated record.
	RecordTopic string
}

// Engine owns run lifecycle. It is safe for concurrent use.
type Engine struct {
	cfg       Config
	crawler   Crawler
	runs      crawler.RunStore
	exporter  Exporter
	notifier  crawler.Publisher
	records   crawler.Publisher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	logger    *zap.Logger
	baseCtx   context.Context
	inflight  sync.WaitGroup
	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc
}

// Option customizes an Engine.
type Option func(*Engine)

// WithExporter writes every finished dataset.
func WithExporter(exp Exporter) Option {
	return func(e *Engine) { e.exporter = exp }
}

// WithNotifier publishes run completions to cfg.NotifyTopic.
func WithNotifier(pub crawler.Publisher) Option {
	return func(e *Engine) { e.notifier = pub }
}

// WithRecordPublisher streams aggregated records to cfg.RecordTopic.
func WithRecordPublisher(pub crawler.Publisher) Option {
	return func(e *Engine) { e.records = pub }
}

// WithIDs sets the run ID generator.
func WithIDs(ids crawler.IDGenerator) Option {
	return func(e *Engine) { e.ids = ids }
}

// WithClock replaces the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBaseContext sets the parent context of runs started by Submit.
func WithBaseContext(ctx context.Context) Option {
	return func(e *Engine) { e.baseCtx = ctx }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

// New wires an Engine.
func New(cfg Config, c Crawler, runs crawler.RunStore, opts ...Option) (*Engine, error) {
	if c == nil || runs == nil {
		return nil, fmt.Errorf("crawler and run store are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	e := &Engine{
		cfg:     cfg,
		crawler: c,
		runs:    runs,
		ids:     &seqIDs{},
		clock:   wallClock{},
		logger:  zap.NewNop(),
		baseCtx: context.Background(),
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	return e, nil
}

// Run crawls targets and blocks until the run finishes. Cancelling ctx
// cancels the crawl; the run still finishes with the partial records.
func (e *Engine) Run(ctx context.Context, targets []crawler.Target) (crawler.Run, error) {
	run, jobs, err := e.prepare(ctx, targets)
	if err != nil {
		return crawler.Run{}, err
	}
	return e.execute(ctx, run, jobs)
}

// Submit validates targets, records a PENDING run and crawls it in the
// background. The returned run is the PENDING snapshot.
func (e *Engine) Submit(ctx context.Context, targets []crawler.Target) (crawler.Run, error) {
	run, jobs, err := e.prepare(ctx, targets)
	if err != nil {
		return crawler.Run{}, err
	}
	// The run outlives the request but keeps its trace.
	runCtx, cancel := context.WithCancel(trace.ContextWithSpanContext(e.baseCtx, trace.SpanContextFromContext(ctx)))
	e.cancelsMu.Lock()
	e.cancels[run.ID] = cancel
	e.cancelsMu.Unlock()

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer func() {
			e.cancelsMu.Lock()
			delete(e.cancels, run.ID)
			e.cancelsMu.Unlock()
			cancel()
		}()
		if _, err := e.execute(runCtx, run, jobs); err != nil {
			e.logger.Error("run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	return run, nil
}

// Cancel stops a run started by Submit. It reports whether the run was
// still in flight.
func (e *Engine) Cancel(runID string) bool {
	e.cancelsMu.Lock()
	cancel, ok := e.cancels[runID]
	e.cancelsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every submitted run has finished or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

func (e *Engine) prepare(ctx context.Context, targets []crawler.Target) (crawler.Run, []crawler.CrawlJob, error) {
	if e.cfg.RequireAPIKey && e.cfg.APIKey == "" {
		return crawler.Run{}, nil, crawler.NewError(crawler.KindConfig, "start run", "", crawler.ErrMissingAPIKey)
	}
	if len(targets) == 0 {
		return crawler.Run{}, nil, crawler.Errorf(crawler.KindConfig, "at least one target is required")
	}
	jobs := make([]crawler.CrawlJob, 0, len(targets))
	var errs []error
	for i, t := range targets {
		job, err := e.crawler.NewJob(t)
		if err != nil {
			errs = append(errs, fmt.Errorf("target %d (%s): %w", i+1, t.Company, err))
			continue
		}
		jobs = append(jobs, job)
	}
	if len(errs) > 0 {
		return crawler.Run{}, nil, crawler.NewError(crawler.KindConfig, "start run", "", errors.Join(errs...))
	}
	id, err := e.ids.NewID()
	if err != nil {
		return crawler.Run{}, nil, fmt.Errorf("run id: %w", err)
	}
	run := crawler.Run{
		ID:        id,
		State:     crawler.JobStatePending,
		Targets:   len(targets),
		CreatedAt: e.clock.Now(),
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return crawler.Run{}, nil, fmt.Errorf("create run: %w", err)
	}
	return run, jobs, nil
}

// collector gathers the results of one run as workers finish jobs.
type collector struct {
	runs    crawler.RunStore
	logger  *zap.Logger
	mu      sync.Mutex
	results map[string]crawler.JobResult
}

func (c *collector) JobFinished(ctx context.Context, runID string, result crawler.JobResult) {
	c.mu.Lock()
	c.results[result.Summary.JobID] = result
	c.mu.Unlock()
	if err := c.runs.RecordJob(ctx, runID, result.Summary); err != nil {
		c.logger.Warn("record job summary failed", zap.String("job_id", result.Summary.JobID), zap.Error(err))
	}
}

func (e *Engine) execute(ctx context.Context, run crawler.Run, jobs []crawler.CrawlJob) (crawler.Run, error) {
	ctx, span := tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("run.targets", len(jobs)),
	))
	defer span.End()
	logger := e.logger.With(zap.String("run_id", run.ID))
	// Bookkeeping must outlive a cancelled crawl.
	storeCtx := context.WithoutCancel(ctx)
	if err := e.runs.MarkRunning(storeCtx, run.ID); err != nil {
		return crawler.Run{}, fmt.Errorf("mark run running: %w", err)
	}
	logger.Info("run started", zap.Int("targets", len(jobs)))

	q := memory.NewQueue(len(jobs))
	for _, job := range jobs {
		if err := q.Enqueue(ctx, crawler.QueueItem{RunID: run.ID, Job: job}); err != nil {
			break
		}
	}
	q.Close()

	col := &collector{runs: e.runs, logger: logger, results: make(map[string]crawler.JobResult, len(jobs))}
	workers := min(e.cfg.Workers, len(jobs))
	dispatcher.NewPool(workers, q, e.crawler, col, logger).Run(ctx)

	perJob := make([][]crawler.JobRecord, 0, len(jobs))
	for _, job := range jobs {
		result, ok := col.results[job.ID]
		if !ok {
			// Never dequeued before cancellation.
			summary := crawler.JobSummary{
				JobID:   job.ID,
				Company: job.Target.Company,
				SeedURL: job.Target.SeedURL,
				State:   crawler.JobStateCancelled,
				Error:   "run cancelled before the job started",
			}
			col.JobFinished(storeCtx, run.ID, crawler.JobResult{Summary: summary})
			continue
		}
		perJob = append(perJob, result.Records)
	}
	ds := aggregate.Aggregate(perJob...)

	state := crawler.JobStateCompleted
	if ctx.Err() != nil {
		state = crawler.JobStateCancelled
	}
	var errText string
	var exports map[string]string
	if e.exporter != nil {
		var err error
		exports, err = e.exporter.Export(storeCtx, run.ID, ds)
		if err != nil {
			errText = err.Error()
			logger.Warn("export incomplete", zap.Error(err))
		}
	}
	if err := e.runs.FinishRun(storeCtx, run.ID, state, errText, ds.Records(), exports); err != nil {
		return crawler.Run{}, fmt.Errorf("finish run: %w", err)
	}
	finished, err := e.runs.GetRun(storeCtx, run.ID)
	if err != nil {
		return crawler.Run{}, fmt.Errorf("load run: %w", err)
	}
	span.SetAttributes(
		attribute.String("run.state", string(finished.State)),
		attribute.Int("run.records", finished.Records),
	)
	e.publish(storeCtx, finished, ds, logger)
	logger.Info("run finished",
		zap.String("state", string(finished.State)),
		zap.Int("records", finished.Records),
	)
	return finished, nil
}

func (e *Engine) publish(ctx context.Context, run crawler.Run, ds aggregate.Dataset, logger *zap.Logger) {
	if e.notifier != nil && e.cfg.NotifyTopic != "" {
		if _, err := e.notifier.Publish(ctx, e.cfg.NotifyTopic, NewRunCompleted(run)); err != nil {
			logger.Warn("publish run completion failed", zap.Error(err))
		}
	}
	if e.records == nil || e.cfg.RecordTopic == "" {
		return
	}
	failed := 0
	for _, r := range ds.Records() {
		if _, err := e.records.Publish(ctx, e.cfg.RecordTopic, RecordMessage{RunID: run.ID, Record: r}); err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("publish records incomplete", zap.Int("failed", failed), zap.Int("total", ds.Len()))
	}
}
