package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/progress"
)

// LogSink writes each event as a structured log line. Page successes log at
// debug level; job milestones, failures and exhausted retries at info or warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.RunID != "" {
			fields = append(fields, zap.String("run_id", evt.RunID))
		}
		if evt.Company != "" {
			fields = append(fields, zap.String("company", evt.Company))
		}
		if evt.URL != "" {
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.Int("depth", evt.Depth),
				zap.String("strategy", evt.Strategy),
				zap.String("status_class", string(evt.StatusClass)),
			)
		}
		fields = append(fields,
			zap.Int("records", evt.Records),
			zap.Int("attempts", evt.Attempts),
			zap.Duration("dur", evt.Dur),
		)
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}

		switch evt.Stage {
		case progress.StagePageDone:
			s.logger.Debug("page done", fields...)
		case progress.StagePageFailed:
			s.logger.Warn("page failed", fields...)
		case progress.StageRetryExhausted:
			s.logger.Warn("retries exhausted", fields...)
		case progress.StageJobCancelled:
			s.logger.Warn("crawl job cancelled", fields...)
		default:
			s.logger.Info("crawl job progress", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
