package engine

import (
	"time"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// RunCompleted is published once per finished run.
type RunCompleted struct {
	RunID      string               `json:"run_id"`
	State      crawler.JobState     `json:"state"`
	Targets    int                  `json:"targets"`
	Records    int                  `json:"records"`
	FinishedAt time.Time            `json:"finished_at"`
	Jobs       []crawler.JobSummary `json:"jobs"`
	Exports    map[string]string    `json:"exports,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// NewRunCompleted builds the notification for a finished run.
func NewRunCompleted(run crawler.Run) RunCompleted {
	msg := RunCompleted{
		RunID:   run.ID,
		State:   run.State,
		Targets: run.Targets,
		Records: run.Records,
		Jobs:    run.Jobs,
		Exports: run.Exports,
		Error:   run.Error,
	}
	if run.FinishedAt != nil {
		msg.FinishedAt = *run.FinishedAt
	}
	return msg
}

// PublishKey orders notifications by run.
func (m RunCompleted) PublishKey() string { return m.RunID }

// RecordMessage carries one aggregated record.
type RecordMessage struct {
	RunID  string            `json:"run_id"`
	Record crawler.JobRecord `json:"record"`
}

// PublishKey partitions records by their dedup identity.
func (m RecordMessage) PublishKey() string {
	return m.Record.Company + "|" + m.Record.URL
}
