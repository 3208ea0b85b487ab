// Package mongo upserts aggregated job records into a MongoDB collection.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// Config locates the collection.
type Config struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

type collection interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

// document is the stored shape of a JobRecord.
type document struct {
	Company          string    `bson:"company"`
	URL              string    `bson:"url"`
	Title            string    `bson:"title"`
	Location         *string   `bson:"location"`
	Compensation     *string   `bson:"compensation"`
	Strategy         string    `bson:"extraction_strategy"`
	Confidence       float64   `bson:"confidence"`
	Description      string    `bson:"description,omitempty"`
	Responsibilities string    `bson:"responsibilities,omitempty"`
	Qualifications   string    `bson:"qualifications,omitempty"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

// JobStore replaces one document per (company, url).
type JobStore struct {
	client *mongo.Client
	jobs   collection
	now    func() time.Time
}

// NewJobStore connects to MongoDB, pings it and ensures the unique index.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "jobcrawl"
	}
	if cfg.Collection == "" {
		cfg.Collection = "job_postings"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	jobs := client.Database(cfg.Database).Collection(cfg.Collection)
	if err := ensureIndex(connectCtx, jobs); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	store := newJobStore(jobs)
	store.client = client
	return store, nil
}

func newJobStore(c collection) *JobStore {
	return &JobStore{
		jobs: c,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func ensureIndex(ctx context.Context, jobs *mongo.Collection) error {
	_, err := jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "company", Value: 1}, {Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create mongo index: %w", err)
	}
	return nil
}

// Name implements export.RecordSink.
func (s *JobStore) Name() string {
	return "mongo"
}

// Upsert replaces or inserts every record in one unordered bulk write.
func (s *JobStore) Upsert(ctx context.Context, records []crawler.JobRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	now := s.now()
	models := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "company", Value: r.Company}, {Key: "url", Value: r.URL}}).
			SetReplacement(toDocument(r, now)).
			SetUpsert(true))
	}
	res, err := s.jobs.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("bulk upsert: %w", err)
	}
	return int(res.UpsertedCount + res.MatchedCount), nil
}

// Close disconnects the client.
func (s *JobStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func toDocument(r crawler.JobRecord, now time.Time) document {
	return document{
		Company:          r.Company,
		URL:              r.URL,
		Title:            r.Title,
		Location:         r.Location,
		Compensation:     r.Compensation,
		Strategy:         string(r.Strategy),
		Confidence:       r.Confidence,
		Description:      r.Description,
		Responsibilities: r.Responsibilities,
		Qualifications:   r.Qualifications,
		UpdatedAt:        now,
	}
}
