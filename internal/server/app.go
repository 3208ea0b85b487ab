// Package server builds the application graph from configuration and runs
// it as a one-shot crawl or as the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/api"
	rediscache "github.com/JakeFAU/job-aggregator/internal/cache/redis"
	"github.com/JakeFAU/job-aggregator/internal/clock/system"
	"github.com/JakeFAU/job-aggregator/internal/config"
	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/discover"
	"github.com/JakeFAU/job-aggregator/internal/engine"
	"github.com/JakeFAU/job-aggregator/internal/export"
	"github.com/JakeFAU/job-aggregator/internal/extract"
	"github.com/JakeFAU/job-aggregator/internal/fetcher"
	collyfetcher "github.com/JakeFAU/job-aggregator/internal/fetcher/colly"
	"github.com/JakeFAU/job-aggregator/internal/fetcher/headless"
	"github.com/JakeFAU/job-aggregator/internal/hash/sha256"
	"github.com/JakeFAU/job-aggregator/internal/headless/detector"
	"github.com/JakeFAU/job-aggregator/internal/id/uuid"
	"github.com/JakeFAU/job-aggregator/internal/llm"
	"github.com/JakeFAU/job-aggregator/internal/metrics"
	"github.com/JakeFAU/job-aggregator/internal/orchestrator"
	"github.com/JakeFAU/job-aggregator/internal/policy/ratelimit"
	"github.com/JakeFAU/job-aggregator/internal/policy/robots"
	"github.com/JakeFAU/job-aggregator/internal/progress"
	progresssinks "github.com/JakeFAU/job-aggregator/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/job-aggregator/internal/publisher/kafka"
	gcppublisher "github.com/JakeFAU/job-aggregator/internal/publisher/pubsub"
	"github.com/JakeFAU/job-aggregator/internal/retry"
	gcsstorage "github.com/JakeFAU/job-aggregator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/job-aggregator/internal/storage/local"
	memorystorage "github.com/JakeFAU/job-aggregator/internal/storage/memory"
	mongostore "github.com/JakeFAU/job-aggregator/internal/storage/mongo"
	pgstore "github.com/JakeFAU/job-aggregator/internal/storage/postgres"
	"github.com/JakeFAU/job-aggregator/internal/telemetry"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Salts version cached LLM answers; bump one when its prompt changes.
const (
	extractCacheSalt = "jobcrawl-extract-v1"
	linkCacheSalt    = "jobcrawl-links-v1"
)

// App holds the wired dependencies and everything that needs closing.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	engine *engine.Engine
	runs   *memorystorage.RunStore

	progressHub  *progress.Hub
	browserPool  *headless.Pool
	llmClient    *llm.Client
	cache        *rediscache.Cache
	pgStore      *pgstore.JobStore
	mongoStore   *mongostore.JobStore
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	notifier     *gcppublisher.Publisher
	kafka        *kafkapublisher.Publisher
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies. ctx also parents the runs
// submitted over HTTP, so cancelling it cancels them.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, runs: memorystorage.NewRunStore()}
	app.logger.Info("building application dependencies")

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.Setup(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     Version,
			ProjectID:   cfg.Telemetry.ProjectID,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry init failed: %w", err)
		}
		app.tracer = tp
		app.logger.Info("tracing enabled", zap.String("project", cfg.Telemetry.ProjectID))
	} else {
		// Still honor incoming traceparent headers.
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	orch, err := app.setupOrchestrator(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	exporter, err := app.setupExporter(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	opts := []engine.Option{
		engine.WithExporter(exporter),
		engine.WithIDs(uuid.New()),
		engine.WithClock(system.New()),
		engine.WithLogger(logger),
		engine.WithBaseContext(ctx),
	}
	engineCfg := engine.Config{
		Workers:       cfg.Crawl.Workers,
		RequireAPIKey: cfg.Extract.LLMEnabled,
		APIKey:        cfg.LLM.APIKey,
	}
	publisherOpts, err := app.setupPublishers(ctx, &engineCfg)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.engine, err = engine.New(engineCfg, orch, app.runs, append(opts, publisherOpts...)...)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	return app, nil
}

// Engine exposes the run engine.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

func (a *App) setupOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RPS,
		DefaultBurst: cfg.RateLimit.Burst,
		HostRPS:      cfg.RateLimit.HostRPS(),
	})
	light := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     cfg.Crawl.Timeout,
		MaxBodySize: cfg.Fetch.MaxBodyBytes,
	})
	var browser crawler.StrategyFetcher
	if cfg.Headless.Enabled {
		chrome := headless.NewChrome(headless.Config{
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavigationTimeout,
			ScrollAttempts:    cfg.Headless.ScrollAttempts,
			ScrollPause:       cfg.Headless.ScrollPause,
			ExecPath:          cfg.Headless.ExecPath,
		})
		pool, err := headless.NewPool(headless.PoolConfig{
			Size:           cfg.Headless.PoolSize,
			AcquireTimeout: cfg.Headless.AcquireTimeout,
		}, chrome, a.logger.Named("browser"))
		if err != nil {
			chrome.Close()
			return nil, fmt.Errorf("browser pool init failed: %w", err)
		}
		a.browserPool = pool
		browser = pool
		a.logger.Info("browser strategy enabled", zap.Int("pool_size", cfg.Headless.PoolSize))
	}
	pageFetcher, err := fetcher.New(
		fetcher.Config{EscalateOnBlocked: cfg.Fetch.EscalateOnBlocked},
		light,
		browser,
		detector.NewHeuristic(cfg.Detector.BodyLengthThreshold, cfg.Detector.MinVisibleText),
		limiter,
		a.logger.Named("fetcher"),
	)
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}

	extractor, err := a.setupExtractor(ctx)
	if err != nil {
		return nil, err
	}

	var sinks []progress.Sink
	sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress")))
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("prometheus progress sink disabled", zap.Error(err))
	} else {
		sinks = append(sinks, promSink)
	}
	a.progressHub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         a.logger.Named("progress_hub"),
	}, sinks...)

	retrier := retry.New(retry.Config{
		Limit:     cfg.Crawl.RetryLimit,
		BaseDelay: cfg.Crawl.RetryBaseDelay,
		MaxDelay:  cfg.Crawl.RetryMaxDelay,
	}, retry.WithLogger(a.logger.Named("retry")))

	orch, err := orchestrator.New(
		orchestrator.Config{
			MaxDepth:        cfg.Crawl.MaxDepth,
			MaxBreadth:      cfg.Crawl.MaxBreadth,
			RetryLimit:      cfg.Crawl.RetryLimit,
			Timeout:         cfg.Crawl.Timeout,
			JobTimeout:      cfg.Crawl.JobTimeout,
			PageConcurrency: cfg.Crawl.PageConcurrency,
		},
		pageFetcher,
		a.setupDiscoverer(),
		extractor,
		retrier,
		orchestrator.WithRobots(robots.New(cfg.Robots.Respect, cfg.Fetch.UserAgent, nil, a.logger.Named("robots"))),
		orchestrator.WithClock(system.New()),
		orchestrator.WithIDs(uuid.New()),
		orchestrator.WithEvents(a.progressHub),
		orchestrator.WithLogger(a.logger.Named("orchestrator")),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	return orch, nil
}

func (a *App) setupDiscoverer() *discover.Discoverer {
	cfg := a.cfg
	var opts []discover.Option
	if cfg.Discover.LLMRerank {
		if a.llmClient == nil {
			a.logger.Warn("discover.llm_rerank needs extract.llm_enabled and OPENAI_API_KEY; using heuristics only")
		} else {
			var cache discover.Cache
			if a.cache != nil {
				cache = a.cache
			}
			classifier, err := discover.NewClassifier(
				discover.ClassifierConfig{MaxLinks: cfg.Discover.LLMMaxLinks, CacheTTL: cfg.Extract.CacheTTL},
				a.llmClient,
				cache,
				sha256.New(linkCacheSalt),
				a.logger.Named("link_classifier"),
			)
			if err != nil {
				a.logger.Warn("llm link ranking disabled", zap.Error(err))
			} else {
				opts = append(opts, discover.WithClassifier(classifier))
				a.logger.Info("llm link ranking enabled", zap.Int("max_links", cfg.Discover.LLMMaxLinks))
			}
		}
	}
	return discover.New(discover.Config{
		AllowedDomains: cfg.Discover.AllowedDomains,
		ExtraKeywords:  cfg.Discover.ExtraKeywords,
	}, a.logger.Named("discover"), opts...)
}

func (a *App) setupExtractor(ctx context.Context) (*extract.Chain, error) {
	cfg := a.cfg
	structural := extract.NewStructural(cfg.Extract.MaxDescriptionChars, a.logger.Named("structural"))
	var llmExtractor *extract.LLM
	if cfg.Extract.LLMEnabled {
		client, err := llm.New(llm.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		}, nil)
		switch {
		case errors.Is(err, crawler.ErrMissingAPIKey):
			// Runs are refused with CONFIG_ERROR until a key is configured.
			a.logger.Warn("llm extraction enabled without OPENAI_API_KEY")
		case err != nil:
			return nil, fmt.Errorf("llm client init failed: %w", err)
		default:
			a.llmClient = client
			var cache extract.Cache
			if cfg.Redis.Enabled {
				a.cache, err = rediscache.New(ctx, rediscache.Config{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
					Prefix:   cfg.Redis.Prefix,
				})
				if err != nil {
					return nil, fmt.Errorf("redis cache init failed: %w", err)
				}
				cache = a.cache
				a.logger.Info("llm answer cache enabled", zap.String("addr", cfg.Redis.Addr))
			}
			llmExtractor, err = extract.NewLLM(extract.LLMConfig{
				StripLinks:          cfg.Extract.StripLinks,
				MaxChunkChars:       cfg.Extract.MaxChunkChars,
				MaxDescriptionChars: cfg.Extract.MaxDescriptionChars,
				RequireKeywords:     cfg.Extract.RequireKeywords,
				CacheTTL:            cfg.Extract.CacheTTL,
			},
				client,
				cache,
				sha256.New(extractCacheSalt),
				retry.New(retry.Config{Limit: 1, BaseDelay: time.Second}, retry.WithLogger(a.logger.Named("llm_retry"))),
				a.logger.Named("llm"),
			)
			if err != nil {
				return nil, fmt.Errorf("llm extractor init failed: %w", err)
			}
		}
	}
	chain, err := extract.NewChain(cfg.Extract.ConfidenceThreshold, structural, llmExtractor, a.logger.Named("extract"))
	if err != nil {
		return nil, fmt.Errorf("extract chain init failed: %w", err)
	}
	return chain, nil
}

func (a *App) setupExporter(ctx context.Context) (*export.Exporter, error) {
	cfg := a.cfg
	formats := make([]export.Format, 0, len(cfg.Export.Formats))
	for _, name := range cfg.Export.Formats {
		f, err := export.ParseFormat(name)
		if err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}

	var blobs crawler.BlobStore
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.GCSPrefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS export storage", zap.String("bucket", cfg.Storage.GCSBucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = store
		a.logger.Info("using local export storage", zap.String("dir", cfg.Storage.LocalDir))
	default:
		blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory export storage")
	}

	var sinks []export.RecordSink
	if cfg.Postgres.Enabled {
		store, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pgStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		sinks = append(sinks, store)
		a.logger.Info("postgres record sink enabled", zap.String("table", cfg.Postgres.Table))
	}
	if cfg.Mongo.Enabled {
		store, err := mongostore.NewJobStore(ctx, mongostore.Config{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    cfg.Mongo.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("mongo store init failed: %w", err)
		}
		a.mongoStore = store
		sinks = append(sinks, store)
		a.logger.Info("mongo record sink enabled", zap.String("collection", cfg.Mongo.Collection))
	}
	exporter, err := export.New(export.Config{Formats: formats, Prefix: cfg.Export.Prefix}, blobs, sinks, a.logger.Named("export"))
	if err != nil {
		return nil, fmt.Errorf("exporter init failed: %w", err)
	}
	return exporter, nil
}

// setupPublishers picks the run notifier (Pub/Sub first, else Kafka) and the
// Kafka record stream.
func (a *App) setupPublishers(ctx context.Context, engineCfg *engine.Config) ([]engine.Option, error) {
	cfg := a.cfg
	var opts []engine.Option
	if cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.notifier, err = gcppublisher.New(client, cfg.PubSub.Topic)
		if err != nil {
			return nil, err
		}
		engineCfg.NotifyTopic = cfg.PubSub.Topic
		opts = append(opts, engine.WithNotifier(a.notifier))
		a.logger.Info("pub/sub run notifications enabled",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.Topic),
		)
	}
	if cfg.Kafka.Enabled {
		pub, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:      cfg.Kafka.Brokers,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.kafka = pub
		engineCfg.RecordTopic = cfg.Kafka.RecordTopic
		opts = append(opts, engine.WithRecordPublisher(pub))
		if engineCfg.NotifyTopic == "" && cfg.Kafka.RunTopic != "" {
			engineCfg.NotifyTopic = cfg.Kafka.RunTopic
			opts = append(opts, engine.WithNotifier(pub))
		}
		a.logger.Info("kafka publishing enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}
	return opts, nil
}

// Serve runs the HTTP API until ctx ends, then drains in-flight runs.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr: a.cfg.Server.Addr,
		Handler: api.NewServer(a.engine, a.runs, api.Config{
			MaxTargets:     a.cfg.Server.MaxTargets,
			RequestTimeout: a.cfg.Server.WriteTimeout,
		}, a.logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.engine.Wait(shutdownCtx); err != nil {
		a.logger.Warn("runs still in flight at shutdown", zap.Error(err))
	}
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// Close releases every client the App opened. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browserPool != nil {
		a.browserPool.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.mongoStore != nil {
		if err := a.mongoStore.Close(ctx); err != nil {
			a.logger.Warn("mongo close failed", zap.Error(err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("kafka writer close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
