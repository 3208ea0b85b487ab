package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RunStore keeps runs in process memory. It backs the HTTP API; nothing
// survives a restart.
type RunStore struct {
	mu      sync.RWMutex
	runs    map[string]crawler.Run
	records map[string][]crawler.JobRecord
	now     func() time.Time
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:    make(map[string]crawler.Run),
		records: make(map[string][]crawler.JobRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun stores a new run in PENDING state.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	if run.State == "" {
		run.State = crawler.JobStatePending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	s.runs[run.ID] = run
	return nil
}

// MarkRunning moves a run to RUNNING and stamps its start time.
func (s *RunStore) MarkRunning(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.State = crawler.JobStateRunning
	if run.StartedAt == nil {
		run.StartedAt = pointerTime(s.now())
	}
	s.runs[runID] = run
	return nil
}

// RecordJob adds or replaces the summary of one job in the run.
func (s *RunStore) RecordJob(_ context.Context, runID string, summary crawler.JobSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	jobs := make([]crawler.JobSummary, 0, len(run.Jobs)+1)
	replaced := false
	for _, existing := range run.Jobs {
		if existing.JobID == summary.JobID {
			existing = summary
			replaced = true
		}
		jobs = append(jobs, existing)
	}
	if !replaced {
		jobs = append(jobs, summary)
	}
	run.Jobs = jobs
	s.runs[runID] = run
	return nil
}

// FinishRun records the terminal state and the aggregated records.
func (s *RunStore) FinishRun(
	_ context.Context,
	runID string,
	state crawler.JobState,
	errText string,
	records []crawler.JobRecord,
	exports map[string]string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if !state.Terminal() {
		return errors.New("finish requires a terminal state")
	}
	run.State = state
	run.Error = errText
	run.Records = len(records)
	run.FinishedAt = pointerTime(s.now())
	if len(exports) > 0 {
		run.Exports = make(map[string]string, len(exports))
		for format, uri := range exports {
			run.Exports[format] = uri
		}
	}
	s.runs[runID] = run
	s.records[runID] = append([]crawler.JobRecord(nil), records...)
	return nil
}

// GetRun fetches a run by ID. The returned value shares nothing with the store.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, ErrRunNotFound
	}
	run.Jobs = append([]crawler.JobSummary(nil), run.Jobs...)
	return run, nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]crawler.Run, error) {
	s.mu.RLock()
	out := make([]crawler.Run, 0, len(s.runs))
	for _, run := range s.runs {
		run.Jobs = append([]crawler.JobSummary(nil), run.Jobs...)
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Records returns a copy of the aggregated records of a finished run.
func (s *RunStore) Records(_ context.Context, runID string) ([]crawler.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}
	return append([]crawler.JobRecord(nil), s.records[runID]...), nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
