package crawler

import (
	"context"
	"time"
)

// PageFetcher retrieves a page using whatever strategy escalation it implements.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (PageFetchResult, error)
}

// StrategyFetcher is one concrete fetch mechanism (light HTTP or browser).
type StrategyFetcher interface {
	Fetch(ctx context.Context, url string) (RawResponse, error)
}

// LinkDiscoverer finds candidate links on a fetched page.
type LinkDiscoverer interface {
	Discover(ctx context.Context, page PageFetchResult, depth, maxDepth, maxBreadth int) []CandidateLink
}

// Extractor pulls job records out of a fetched page.
type Extractor interface {
	Extract(ctx context.Context, page PageFetchResult, company string) ([]JobRecord, error)
}

// RateLimiter paces requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// RobotsPolicy decides whether robots.txt permits a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, url string) bool
}

// Hasher computes digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore writes exported artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run notifications to Pub/Sub, Kafka or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue hands crawl jobs to workers.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Close()
}

// RunStore keeps runs and their aggregated records. Runs live only as long
// as the process.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	MarkRunning(ctx context.Context, runID string) error
	RecordJob(ctx context.Context, runID string, summary JobSummary) error
	FinishRun(ctx context.Context, runID string, state JobState, errText string, records []JobRecord, exports map[string]string) error
	GetRun(ctx context.Context, runID string) (Run, error)
	// ListRuns returns up to limit runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	Records(ctx context.Context, runID string) ([]JobRecord, error)
}
