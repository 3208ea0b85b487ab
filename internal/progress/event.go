package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobStart       Stage = "JOB_START"
	StageJobDone        Stage = "JOB_DONE"
	StageJobCancelled   Stage = "JOB_CANCELLED"
	StagePageDone       Stage = "PAGE_DONE"
	StagePageFailed     Stage = "PAGE_FAILED"
	StageRetryExhausted Stage = "RETRY_EXHAUSTED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one crawl milestone.
type Event struct {
	JobID   string
	RunID   string
	Company string
	TS      time.Time
	Stage   Stage
	// Site is the lower-cased host of URL for page events.
	Site string
	URL  string
	// Depth is the crawl depth of the page.
	Depth int
	// Strategy is the fetch strategy that produced the page.
	Strategy    string
	StatusClass StatusClass
	Bytes       int64
	// Records is the number of job records a page or job produced.
	Records int
	// Attempts counts calls made for the operation, retries included.
	Attempts int
	Dur      time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobCancelled:
	case StagePageDone, StagePageFailed, StageRetryExhausted:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
