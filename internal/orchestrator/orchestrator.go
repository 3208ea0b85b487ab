// Package orchestrator runs a single CrawlJob: a breadth-first walk from the
// seed URL bounded by depth and breadth, fetching, extracting and discovering
// links for every page on the way.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/metrics"
	"github.com/JakeFAU/job-aggregator/internal/policy/robots"
	"github.com/JakeFAU/job-aggregator/internal/progress"
	"github.com/JakeFAU/job-aggregator/internal/retry"
)

// Config holds the crawl bounds applied to new jobs and the orchestrator's
// own concurrency settings.
type Config struct {
	MaxDepth   int
	MaxBreadth int
	RetryLimit int
	// Timeout bounds every individual fetch.
	Timeout time.Duration
	// JobTimeout bounds a whole job. Zero means no deadline.
	JobTimeout time.Duration
	// PageConcurrency is how many pages of one depth level are fetched at once.
	PageConcurrency int
}

// Validate checks the bounds.
func (c Config) Validate() error {
	switch {
	case c.MaxDepth < 0:
		return crawler.Errorf(crawler.KindConfig, "crawl.max_depth must be >= 0")
	case c.MaxBreadth < 1:
		return crawler.Errorf(crawler.KindConfig, "crawl.max_breadth must be >= 1")
	case c.RetryLimit < 0:
		return crawler.Errorf(crawler.KindConfig, "crawl.retry_limit must be >= 0")
	case c.Timeout <= 0:
		return crawler.Errorf(crawler.KindConfig, "crawl.timeout must be > 0")
	case c.JobTimeout < 0:
		return crawler.Errorf(crawler.KindConfig, "crawl.job_timeout must be >= 0")
	}
	return nil
}

// StateFunc observes job state transitions.
type StateFunc func(jobID string, state crawler.JobState)

// Orchestrator drives crawl jobs. One Orchestrator serves many concurrent
// jobs; every job gets its own frontier and visited set.
type Orchestrator struct {
	cfg        Config
	fetcher    crawler.PageFetcher
	discoverer crawler.LinkDiscoverer
	extractor  crawler.Extractor
	retrier    *retry.Controller
	robots     crawler.RobotsPolicy
	clock      crawler.Clock
	ids        crawler.IDGenerator
	events     progress.Emitter
	onState    StateFunc
	logger     *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRobots gates every page on a robots policy.
func WithRobots(policy crawler.RobotsPolicy) Option {
	return func(o *Orchestrator) {
		if policy != nil {
			o.robots = policy
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDs sets the generator used by NewJob.
func WithIDs(ids crawler.IDGenerator) Option {
	return func(o *Orchestrator) {
		o.ids = ids
	}
}

// WithEvents publishes progress events to emitter.
func WithEvents(emitter progress.Emitter) Option {
	return func(o *Orchestrator) {
		if emitter != nil {
			o.events = emitter
		}
	}
}

// WithStateFunc registers a callback for job state transitions.
func WithStateFunc(fn StateFunc) Option {
	return func(o *Orchestrator) {
		o.onState = fn
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New wires an Orchestrator.
func New(
	cfg Config,
	fetcher crawler.PageFetcher,
	discoverer crawler.LinkDiscoverer,
	extractor crawler.Extractor,
	retrier *retry.Controller,
	opts ...Option,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil || discoverer == nil || extractor == nil {
		return nil, fmt.Errorf("fetcher, discoverer and extractor are required")
	}
	if retrier == nil {
		retrier = retry.New(retry.Config{Limit: cfg.RetryLimit})
	}
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = 1
	}
	o := &Orchestrator{
		cfg:        cfg,
		fetcher:    fetcher,
		discoverer: discoverer,
		extractor:  extractor,
		retrier:    retrier,
		robots:     robots.AllowAll{},
		clock:      wallClock{},
		events:     progress.Nop{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// NewJob creates a PENDING job for target using the configured bounds.
func (o *Orchestrator) NewJob(target crawler.Target) (crawler.CrawlJob, error) {
	if target.Company == "" {
		return crawler.CrawlJob{}, crawler.Errorf(crawler.KindConfig, "target company is required")
	}
	if _, err := crawler.ParseAbsolute(target.SeedURL); err != nil {
		return crawler.CrawlJob{}, crawler.NewError(crawler.KindConfig, "new job", target.SeedURL, err)
	}
	id := ""
	if o.ids != nil {
		var err error
		if id, err = o.ids.NewID(); err != nil {
			return crawler.CrawlJob{}, fmt.Errorf("job id: %w", err)
		}
	}
	job := crawler.CrawlJob{
		ID:         id,
		Target:     target,
		MaxDepth:   o.cfg.MaxDepth,
		MaxBreadth: o.cfg.MaxBreadth,
		RetryLimit: o.cfg.RetryLimit,
		Timeout:    o.cfg.Timeout,
	}
	o.setState(job.ID, crawler.JobStatePending)
	return job, nil
}

// crawlState is owned by one Crawl call.
type crawlState struct {
	job      crawler.CrawlJob
	runID    string
	retrier  *retry.Controller
	frontier *frontier
	// visited is shared by the page goroutines of a level.
	visited mapset.Set[string]
}

type pageOutcome struct {
	skipped   bool
	failed    bool
	cancelled bool
	retries   int
	records   []crawler.JobRecord
	links     []crawler.CandidateLink
}

// Crawl runs job to completion or cancellation. It never returns an error:
// page failures are counted in the summary and cancellation yields the
// records gathered so far with state CANCELLED.
func (o *Orchestrator) Crawl(ctx context.Context, job crawler.CrawlJob) crawler.JobResult {
	return o.CrawlForRun(ctx, "", job)
}

// CrawlForRun is Crawl with the run ID attached to progress events.
func (o *Orchestrator) CrawlForRun(ctx context.Context, runID string, job crawler.CrawlJob) crawler.JobResult {
	start := o.clock.Now()
	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("company", job.Target.Company))
	summary := crawler.JobSummary{
		JobID:   job.ID,
		Company: job.Target.Company,
		SeedURL: job.Target.SeedURL,
		State:   crawler.JobStateRunning,
	}
	o.setState(job.ID, crawler.JobStateRunning)
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()
	o.emit(progress.Event{JobID: job.ID, RunID: runID, Company: job.Target.Company, TS: start, Stage: progress.StageJobStart})
	logger.Info("crawl job started", zap.String("seed_url", job.Target.SeedURL), zap.Int("max_depth", job.MaxDepth))

	runCtx := ctx
	if o.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
		defer cancel()
	}

	st := &crawlState{
		job:      job,
		runID:    runID,
		retrier:  o.retrier.WithLimit(job.RetryLimit),
		frontier: newFrontier(),
		visited:  mapset.NewSet[string](),
	}
	var records []crawler.JobRecord
	if !st.frontier.Push(crawler.CandidateLink{URL: job.Target.SeedURL}) {
		summary.PagesFailed++
		summary.Error = fmt.Sprintf("invalid seed url %q", job.Target.SeedURL)
	}

	for st.frontier.Len() > 0 && runCtx.Err() == nil {
		level := st.frontier.PopLevel()
		outcomes := o.crawlLevel(runCtx, st, level)
		for _, out := range outcomes {
			if out.cancelled || out.skipped {
				continue
			}
			summary.PagesVisited++
			summary.Retries += out.retries
			if out.failed {
				summary.PagesFailed++
			}
			records = append(records, out.records...)
			for _, link := range out.links {
				st.frontier.Push(link)
			}
		}
	}

	summary.RecordsFound = len(records)
	summary.Duration = o.clock.Now().Sub(start)
	stage := progress.StageJobDone
	switch {
	case ctx.Err() != nil:
		summary.State = crawler.JobStateCancelled
		stage = progress.StageJobCancelled
	case runCtx.Err() != nil:
		summary.State = crawler.JobStateCompleted
		summary.Error = fmt.Sprintf("job timeout %s reached; results are partial", o.cfg.JobTimeout)
	default:
		summary.State = crawler.JobStateCompleted
	}
	o.setState(job.ID, summary.State)
	metrics.ObserveJob(string(summary.State))
	o.emit(progress.Event{
		JobID:   job.ID,
		RunID:   runID,
		Company: job.Target.Company,
		TS:      o.clock.Now(),
		Stage:   stage,
		Records: summary.RecordsFound,
		Dur:     summary.Duration,
		Note:    summary.Error,
	})
	logger.Info("crawl job finished",
		zap.String("state", string(summary.State)),
		zap.Int("pages_visited", summary.PagesVisited),
		zap.Int("pages_failed", summary.PagesFailed),
		zap.Int("records", summary.RecordsFound),
		zap.Int("retries", summary.Retries),
		zap.Duration("duration", summary.Duration),
	)
	return crawler.JobResult{Summary: summary, Records: records}
}

// crawlLevel processes one depth level, up to PageConcurrency pages at a
// time. Outcomes keep the order of level so merging is deterministic.
func (o *Orchestrator) crawlLevel(ctx context.Context, st *crawlState, level []crawler.CandidateLink) []pageOutcome {
	outcomes := make([]pageOutcome, len(level))
	var g errgroup.Group
	g.SetLimit(o.cfg.PageConcurrency)
	for i, link := range level {
		g.Go(func() error {
			outcomes[i] = o.crawlPage(ctx, st, link)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) crawlPage(ctx context.Context, st *crawlState, link crawler.CandidateLink) pageOutcome {
	if ctx.Err() != nil {
		return pageOutcome{cancelled: true}
	}
	job := st.job
	key, err := crawler.VisitKey(link.URL)
	if err != nil {
		o.pageFailed(st, link, 0, "", err)
		return pageOutcome{failed: true}
	}
	if !st.visited.Add(key) {
		return pageOutcome{skipped: true}
	}
	if !o.robots.Allowed(ctx, link.URL) {
		o.logger.Debug("robots.txt disallows page", zap.String("job_id", job.ID), zap.String("url", link.URL))
		return pageOutcome{skipped: true}
	}

	start := o.clock.Now()
	var page crawler.PageFetchResult
	attempts, err := st.retrier.Do(ctx, func(callCtx context.Context) error {
		var fetchErr error
		page, fetchErr = o.fetcher.Fetch(callCtx, link.URL, job.Timeout)
		return fetchErr
	})
	out := pageOutcome{}
	if attempts > 1 {
		out.retries = attempts - 1
	}
	if ctx.Err() != nil {
		return pageOutcome{cancelled: true}
	}
	if err != nil {
		if retry.IsExhausted(err) {
			metrics.ObserveRetry("fetch", "exhausted")
			o.emit(o.pageEvent(st, progress.StageRetryExhausted, link, page, attempts, 0, start, err.Error()))
		}
		o.pageFailed(st, link, attempts, page.Strategy, err)
		out.failed = true
		return out
	}
	if out.retries > 0 {
		metrics.ObserveRetry("fetch", "recovered")
	}
	if final := page.FinalURL; final != "" && final != link.URL {
		if finalKey, err := crawler.VisitKey(final); err == nil {
			st.visited.Add(finalKey)
		}
	}

	records, err := o.extractor.Extract(ctx, page, job.Target.Company)
	if ctx.Err() != nil {
		return pageOutcome{cancelled: true}
	}
	note := ""
	if err != nil {
		// Links are still worth following when extraction gave up.
		o.logger.Warn("extraction failed",
			zap.String("job_id", job.ID),
			zap.String("url", link.URL),
			zap.String("kind", string(crawler.KindOf(err))),
			zap.Error(err),
		)
		out.failed = true
		note = err.Error()
	}
	for _, record := range records {
		if record.Company == "" {
			record.Company = job.Target.Company
		}
		if record.Valid() {
			out.records = append(out.records, record)
		}
	}
	out.links = o.discoverer.Discover(ctx, page, link.Depth, job.MaxDepth, job.MaxBreadth)

	stage := progress.StagePageDone
	if out.failed {
		stage = progress.StagePageFailed
	}
	o.emit(o.pageEvent(st, stage, link, page, attempts, len(out.records), start, note))
	return out
}

func (o *Orchestrator) pageFailed(
	st *crawlState,
	link crawler.CandidateLink,
	attempts int,
	strategy crawler.FetchStrategy,
	err error,
) {
	o.logger.Warn("page failed",
		zap.String("job_id", st.job.ID),
		zap.String("url", link.URL),
		zap.Int("depth", link.Depth),
		zap.Int("attempts", attempts),
		zap.String("kind", string(crawler.KindOf(err))),
		zap.Error(err),
	)
	o.emit(progress.Event{
		JobID:    st.job.ID,
		RunID:    st.runID,
		Company:  st.job.Target.Company,
		TS:       o.clock.Now(),
		Stage:    progress.StagePageFailed,
		Site:     crawler.Hostname(link.URL),
		URL:      link.URL,
		Depth:    link.Depth,
		Strategy: string(strategy),
		Attempts: attempts,
		Note:     errorNote(err),
	})
}

func (o *Orchestrator) pageEvent(
	st *crawlState,
	stage progress.Stage,
	link crawler.CandidateLink,
	page crawler.PageFetchResult,
	attempts, records int,
	start time.Time,
	note string,
) progress.Event {
	now := o.clock.Now()
	return progress.Event{
		JobID:       st.job.ID,
		RunID:       st.runID,
		Company:     st.job.Target.Company,
		TS:          now,
		Stage:       stage,
		Site:        crawler.Hostname(link.URL),
		URL:         link.URL,
		Depth:       link.Depth,
		Strategy:    string(page.Strategy),
		StatusClass: progress.ClassifyStatus(page.StatusCode),
		Bytes:       int64(len(page.Content)),
		Records:     records,
		Attempts:    attempts,
		Dur:         now.Sub(start),
		Note:        note,
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.JobID == "" {
		return
	}
	o.events.Emit(evt)
}

func (o *Orchestrator) setState(jobID string, state crawler.JobState) {
	if o.onState != nil {
		o.onState(jobID, state)
	}
}

func errorNote(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
