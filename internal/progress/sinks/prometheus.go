package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/job-aggregator/internal/progress"
)

// PrometheusSink turns progress events into job and page collectors.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	jobRecords    prometheus.Histogram
	pagesTotal    *prometheus.CounterVec
	pageBytes     *prometheus.CounterVec
	pageDuration  *prometheus.HistogramVec
	retriesFailed *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobcrawl_crawl_jobs_started_total",
			Help: "Crawl jobs that have started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobcrawl_crawl_jobs_finished_total",
			Help: "Crawl jobs finished, partitioned by final state.",
		}, []string{"state"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobcrawl_crawl_jobs_running",
			Help: "Crawl jobs currently running.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobcrawl_crawl_job_runtime_seconds",
			Help:    "Wall time per finished crawl job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"state"}),
		jobRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobcrawl_crawl_job_records",
			Help:    "Job records found per finished crawl job.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobcrawl_pages_total",
			Help: "Crawled pages partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobcrawl_page_bytes_total",
			Help: "Bytes of crawled pages per site.",
		}, []string{"site"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobcrawl_page_duration_seconds",
			Help:    "Fetch plus extraction time per page, partitioned by status class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status_class"}),
		retriesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobcrawl_retries_exhausted_total",
			Help: "Pages whose retry budget ran out, partitioned by site.",
		}, []string{"site"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.jobRecords,
		s.pagesTotal,
		s.pageBytes,
		s.pageDuration,
		s.retriesFailed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.tracker.start(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobDone, progress.StageJobCancelled:
			state := "completed"
			if evt.Stage == progress.StageJobCancelled {
				state = "cancelled"
			}
			s.jobsFinished.WithLabelValues(state).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(state).Observe(evt.Dur.Seconds())
			}
			s.jobRecords.Observe(float64(evt.Records))
			if s.tracker.complete(evt.JobID) {
				s.jobsRunning.Dec()
			}
		case progress.StagePageDone, progress.StagePageFailed:
			s.handlePage(evt)
		case progress.StageRetryExhausted:
			s.retriesFailed.WithLabelValues(siteLabel(evt.Site)).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handlePage(evt progress.Event) {
	outcome := "ok"
	if evt.Stage == progress.StagePageFailed {
		outcome = "failed"
	}
	site := siteLabel(evt.Site)
	s.pagesTotal.WithLabelValues(site, outcome).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		class := evt.StatusClass
		if class == "" {
			class = progress.StatusOther
		}
		s.pageDuration.WithLabelValues(string(class)).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
