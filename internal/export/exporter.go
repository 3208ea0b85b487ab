package export

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/aggregate"
	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// RecordSink upserts the current dataset into a database keyed by
// (company, url). Sinks keep no run history.
type RecordSink interface {
	Name() string
	Upsert(ctx context.Context, records []crawler.JobRecord) (int, error)
}

// Config selects formats and the object path prefix.
type Config struct {
	Formats []Format
	// Prefix is prepended to object paths, e.g. "exports".
	Prefix string
}

// Exporter writes every configured format to a blob store and the dataset
// to every record sink.
type Exporter struct {
	cfg    Config
	store  crawler.BlobStore
	sinks  []RecordSink
	logger *zap.Logger
}

// New builds an Exporter. store may be nil when only record sinks are used.
func New(cfg Config, store crawler.BlobStore, sinks []RecordSink, logger *zap.Logger) (*Exporter, error) {
	if store == nil && len(cfg.Formats) > 0 {
		return nil, crawler.Errorf(crawler.KindConfig, "export formats configured without a blob store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{cfg: cfg, store: store, sinks: sinks, logger: logger}, nil
}

// ObjectPath returns where the dataset of runID is written in format f.
func (e *Exporter) ObjectPath(runID string, f Format) string {
	return path.Join(e.cfg.Prefix, "runs", runID, "dataset"+f.Extension())
}

// Export writes ds for runID and returns the URI of each written format. It
// keeps going after a failed format or sink and returns the joined errors.
func (e *Exporter) Export(ctx context.Context, runID string, ds aggregate.Dataset) (map[string]string, error) {
	uris := make(map[string]string, len(e.cfg.Formats))
	var errs []error
	for _, f := range e.cfg.Formats {
		data, err := Encode(f, ds)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		uri, err := e.store.PutObject(ctx, e.ObjectPath(runID, f), f.ContentType(), data)
		if err != nil {
			errs = append(errs, fmt.Errorf("write %s export: %w", f, err))
			continue
		}
		uris[string(f)] = uri
		e.logger.Info("dataset exported",
			zap.String("run_id", runID),
			zap.String("format", string(f)),
			zap.String("uri", uri),
			zap.Int("records", ds.Len()),
		)
	}
	records := ds.Records()
	for _, sink := range e.sinks {
		n, err := sink.Upsert(ctx, records)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s upsert: %w", sink.Name(), err))
			continue
		}
		e.logger.Info("dataset upserted", zap.String("run_id", runID), zap.String("sink", sink.Name()), zap.Int("rows", n))
	}
	return uris, errors.Join(errs...)
}
