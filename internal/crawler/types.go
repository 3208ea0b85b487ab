// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// Target is one company career page to crawl. Targets are supplied by the
// caller and never mutated.
type Target struct {
	Company string `json:"company" yaml:"company"`
	SeedURL string `json:"url" yaml:"url"`
}

// CrawlJob is one execution of the crawl for a single Target.
type CrawlJob struct {
	ID         string        `json:"id"`
	Target     Target        `json:"target"`
	MaxDepth   int           `json:"max_depth"`
	MaxBreadth int           `json:"max_breadth"`
	RetryLimit int           `json:"retry_limit"`
	Timeout    time.Duration `json:"timeout"`
}

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Crawl job states.
const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateCancelled JobState = "CANCELLED"
)

// FetchStatus is the coarse outcome of a page fetch.
type FetchStatus string

// Fetch outcomes.
const (
	FetchOK        FetchStatus = "OK"
	FetchTimeout   FetchStatus = "TIMEOUT"
	FetchHTTPError FetchStatus = "HTTP_ERROR"
	FetchBlocked   FetchStatus = "BLOCKED"
)

// FetchStrategy names the mechanism that produced a page.
type FetchStrategy string

// Fetch strategies, cheapest first.
const (
	StrategyLightHTTP FetchStrategy = "LIGHT_HTTP"
	StrategyBrowser   FetchStrategy = "BROWSER"
)

// ExtractionStrategy names the extractor that produced a JobRecord.
type ExtractionStrategy string

// Extraction strategies in priority order.
const (
	ExtractionStructural  ExtractionStrategy = "STRUCTURAL"
	ExtractionLLMAssisted ExtractionStrategy = "LLM_ASSISTED"
)

// PageFetchResult is produced by the Fetcher and consumed once by the
// extractor and the link discoverer.
type PageFetchResult struct {
	URL        string
	FinalURL   string
	Status     FetchStatus
	StatusCode int
	Content    []byte
	// ContentType is the response Content-Type header, used to pick a charset.
	ContentType string
	Strategy    FetchStrategy
	Duration    time.Duration
}

// BaseURL returns the URL that relative links on the page resolve against.
func (p PageFetchResult) BaseURL() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}

// RawResponse is what a single fetch strategy observed, before the response
// is classified into a PageFetchResult.
type RawResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// CandidateLink is a discovered URL waiting to be crawled.
type CandidateLink struct {
	URL            string
	Depth          int
	DiscoveredFrom string
}

// JobRecord is one extracted job posting.
type JobRecord struct {
	Company          string             `json:"company"`
	Title            string             `json:"title"`
	Location         *string            `json:"location"`
	Compensation     *string            `json:"compensation"`
	URL              string             `json:"url"`
	Strategy         ExtractionStrategy `json:"extraction_strategy"`
	Confidence       float64            `json:"confidence"`
	Description      string             `json:"description,omitempty"`
	Responsibilities string             `json:"responsibilities,omitempty"`
	Qualifications   string             `json:"qualifications,omitempty"`
}

// Valid reports whether the record carries the fields every record must have.
func (r JobRecord) Valid() bool {
	return r.Title != "" && r.URL != ""
}

// LocationOrEmpty returns the location or "" when unknown.
func (r JobRecord) LocationOrEmpty() string {
	if r.Location == nil {
		return ""
	}
	return *r.Location
}

// CompensationOrEmpty returns the compensation or "" when unknown.
func (r JobRecord) CompensationOrEmpty() string {
	if r.Compensation == nil {
		return ""
	}
	return *r.Compensation
}

// StringPtr returns nil for blank strings and a pointer otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// JobSummary is the per-target outcome reported after a crawl.
type JobSummary struct {
	JobID        string        `json:"job_id"`
	Company      string        `json:"company"`
	SeedURL      string        `json:"seed_url"`
	State        JobState      `json:"state"`
	PagesVisited int           `json:"pages_visited"`
	PagesFailed  int           `json:"pages_failed"`
	RecordsFound int           `json:"records_found"`
	Retries      int           `json:"retries"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// JobResult bundles the records and summary of one finished CrawlJob.
type JobResult struct {
	Summary JobSummary
	Records []JobRecord
}

// QueueItem is one CrawlJob waiting for a worker, tagged with the run it belongs to.
type QueueItem struct {
	RunID string
	Job   CrawlJob
}

// Run is one invocation of the engine over a list of targets.
type Run struct {
	ID         string       `json:"id"`
	State      JobState     `json:"state"`
	Targets    int          `json:"targets"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Jobs       []JobSummary `json:"jobs"`
	// Records is the size of the aggregated dataset once the run finishes.
	Records int    `json:"records"`
	Error   string `json:"error,omitempty"`
	// Exports maps an export format to the URI it was written to.
	Exports map[string]string `json:"exports,omitempty"`
}

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateCancelled
}
