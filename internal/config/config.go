// Package config loads and validates jobcrawl configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/discover"
)

// DefaultUserAgent is a desktop Chrome UA; career sites often refuse bots.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config captures every configuration knob loaded via Viper.
type Config struct {
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Discover  DiscoverConfig  `mapstructure:"discover"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Export    ExportConfig    `mapstructure:"export"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// CrawlConfig bounds every crawl job and sizes the worker pool.
type CrawlConfig struct {
	MaxDepth        int           `mapstructure:"max_depth"`
	MaxBreadth      int           `mapstructure:"max_breadth"`
	RetryLimit      int           `mapstructure:"retry_limit"`
	Timeout         time.Duration `mapstructure:"timeout"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	Workers         int           `mapstructure:"workers"`
	PageConcurrency int           `mapstructure:"page_concurrency"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
}

// FetchConfig configures the light HTTP strategy.
type FetchConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	MaxBodyBytes      int    `mapstructure:"max_body_bytes"`
	EscalateOnBlocked bool   `mapstructure:"escalate_on_blocked"`
}

// HeadlessConfig configures the browser strategy and its pool.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	PoolSize          int           `mapstructure:"pool_size"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ScrollAttempts    int           `mapstructure:"scroll_attempts"`
	ScrollPause       time.Duration `mapstructure:"scroll_pause"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// DetectorConfig tunes when a light response is escalated to the browser.
type DetectorConfig struct {
	BodyLengthThreshold int `mapstructure:"body_length_threshold"`
	MinVisibleText      int `mapstructure:"min_visible_text"`
}

// DiscoverConfig tunes link discovery.
type DiscoverConfig struct {
	AllowedDomains []string `mapstructure:"allowed_domains"`
	ExtraKeywords  []string `mapstructure:"extra_keywords"`
	// LLMRerank asks the extraction model to confirm the best candidate links.
	// It needs extract.llm_enabled and an API key.
	LLMRerank   bool `mapstructure:"llm_rerank"`
	LLMMaxLinks int  `mapstructure:"llm_max_links"`
}

// ExtractConfig controls the extraction strategy chain.
type ExtractConfig struct {
	LLMEnabled          bool          `mapstructure:"llm_enabled"`
	ConfidenceThreshold float64       `mapstructure:"llm_confidence_threshold"`
	MaxChunkChars       int           `mapstructure:"max_chunk_chars"`
	MaxDescriptionChars int           `mapstructure:"max_description_chars"`
	StripLinks          bool          `mapstructure:"strip_links"`
	RequireKeywords     bool          `mapstructure:"require_keywords"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
}

// LLMConfig locates the chat-completions endpoint.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RedisConfig enables the LLM result cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RateLimitConfig paces requests per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
	// Hosts is a list since viper splits map keys on dots.
	Hosts []HostRate `mapstructure:"hosts"`
}

// HostRate overrides the request rate for one host.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HostRPS returns the per-host overrides keyed by lower-cased host.
func (c RateLimitConfig) HostRPS() map[string]float64 {
	if len(c.Hosts) == 0 {
		return nil
	}
	out := make(map[string]float64, len(c.Hosts))
	for _, h := range c.Hosts {
		out[strings.ToLower(strings.TrimSpace(h.Host))] = h.RPS
	}
	return out
}

// RobotsConfig toggles robots.txt enforcement.
type RobotsConfig struct {
	Respect bool `mapstructure:"respect"`
}

// ExportConfig selects dataset formats.
type ExportConfig struct {
	Formats []string `mapstructure:"formats"`
	Prefix  string   `mapstructure:"prefix"`
}

// StorageConfig selects where exported files go.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// PostgresConfig enables the Postgres record sink.
type PostgresConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// MongoConfig enables the MongoDB record sink.
type MongoConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URI        string        `mapstructure:"uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PubSubConfig enables run-completed notifications on Pub/Sub.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// KafkaConfig enables the Kafka record stream.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	RunTopic     string        `mapstructure:"run_topic"`
	RecordTopic  string        `mapstructure:"record_topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// ProgressConfig sizes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxTargets      int           `mapstructure:"max_targets"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Options controls where Load looks.
type Options struct {
	// Path is an optional YAML/TOML/JSON config file.
	Path string
	// EnvFile is loaded into the process environment first. Missing files
	// are ignored. Defaults to ".env".
	EnvFile string
}

// Load builds a Config from the .env file, the config file and the
// environment, in increasing priority.
func Load(opts Options) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("JOBCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "JOBCRAWL_LLM_API_KEY", "OPENAI_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind api key: %w", err)
	}

	setDefaults(v)

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.max_depth", 4)
	v.SetDefault("crawl.max_breadth", 17)
	v.SetDefault("crawl.retry_limit", 2)
	v.SetDefault("crawl.timeout", 60*time.Second)
	v.SetDefault("crawl.job_timeout", 0)
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.page_concurrency", 4)
	v.SetDefault("crawl.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("crawl.retry_max_delay", 10*time.Second)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.escalate_on_blocked", true)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.pool_size", 2)
	v.SetDefault("headless.acquire_timeout", 30*time.Second)
	v.SetDefault("headless.navigation_timeout", 60*time.Second)
	v.SetDefault("headless.scroll_attempts", 3)
	v.SetDefault("headless.scroll_pause", time.Second)
	v.SetDefault("detector.body_length_threshold", 512)
	v.SetDefault("detector.min_visible_text", 200)
	v.SetDefault("discover.allowed_domains", discover.DefaultATSDomains)
	v.SetDefault("discover.extra_keywords", []string{})
	v.SetDefault("discover.llm_rerank", false)
	v.SetDefault("discover.llm_max_links", 20)
	v.SetDefault("extract.llm_enabled", true)
	v.SetDefault("extract.llm_confidence_threshold", 0.5)
	v.SetDefault("extract.max_chunk_chars", 12000)
	v.SetDefault("extract.max_description_chars", 5000)
	v.SetDefault("extract.strip_links", true)
	v.SetDefault("extract.require_keywords", false)
	v.SetDefault("extract.cache_ttl", 24*time.Hour)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "jobcrawl:llm:")
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 2)
	v.SetDefault("robots.respect", false)
	v.SetDefault("export.formats", []string{"csv", "json"})
	v.SetDefault("export.prefix", "")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./out")
	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.table", "job_postings")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("mongo.enabled", false)
	v.SetDefault("mongo.database", "jobcrawl")
	v.SetDefault("mongo.collection", "job_postings")
	v.SetDefault("mongo.timeout", 10*time.Second)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "jobcrawl-runs")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.run_topic", "jobcrawl.runs")
	v.SetDefault("kafka.record_topic", "jobcrawl.records")
	v.SetDefault("kafka.batch_timeout", 50*time.Millisecond)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_targets", 100)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "jobcrawl")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Crawl.MaxDepth < 0:
		return crawler.Errorf(crawler.KindConfig, "crawl.max_depth must be >= 0")
	case c.Crawl.MaxBreadth < 1:
		return crawler.Errorf(crawler.KindConfig, "crawl.max_breadth must be >= 1")
	case c.Crawl.RetryLimit < 0:
		return crawler.Errorf(crawler.KindConfig, "crawl.retry_limit must be >= 0")
	case c.Crawl.Timeout <= 0:
		return crawler.Errorf(crawler.KindConfig, "crawl.timeout must be > 0")
	case c.Crawl.JobTimeout < 0:
		return crawler.Errorf(crawler.KindConfig, "crawl.job_timeout must be >= 0")
	case c.Crawl.Workers <= 0:
		return crawler.Errorf(crawler.KindConfig, "crawl.workers must be > 0")
	case c.Extract.ConfidenceThreshold < 0 || c.Extract.ConfidenceThreshold > 1:
		return crawler.Errorf(crawler.KindConfig, "extract.llm_confidence_threshold must be within [0,1]")
	case c.Headless.Enabled && c.Headless.PoolSize <= 0:
		return crawler.Errorf(crawler.KindConfig, "headless.pool_size must be > 0 when headless is enabled")
	case c.RateLimit.RPS < 0:
		return crawler.Errorf(crawler.KindConfig, "ratelimit.rps must be >= 0")
	case c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1:
		return crawler.Errorf(crawler.KindConfig, "telemetry.sample_ratio must be within [0,1]")
	}
	for _, h := range c.RateLimit.Hosts {
		if strings.TrimSpace(h.Host) == "" || h.RPS <= 0 {
			return crawler.Errorf(crawler.KindConfig, "ratelimit.hosts: entry %q needs a host and rps > 0", h.Host)
		}
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	for _, f := range c.Export.Formats {
		switch strings.ToLower(f) {
		case "csv", "json", "xlsx", "excel":
		default:
			return crawler.Errorf(crawler.KindConfig, "export.formats: unsupported format %q", f)
		}
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return crawler.Errorf(crawler.KindConfig, "storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return crawler.Errorf(crawler.KindConfig, "storage.gcs_bucket must be set for the gcs backend")
		}
	case "memory":
	default:
		return crawler.Errorf(crawler.KindConfig, "storage.backend must be one of local, gcs, memory")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return crawler.Errorf(crawler.KindConfig, "redis.addr must be set when redis is enabled")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return crawler.Errorf(crawler.KindConfig, "postgres.dsn must be set when postgres is enabled")
	}
	if c.Mongo.Enabled && c.Mongo.URI == "" {
		return crawler.Errorf(crawler.KindConfig, "mongo.uri must be set when mongo is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return crawler.Errorf(crawler.KindConfig, "pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return crawler.Errorf(crawler.KindConfig, "kafka.brokers must be set when kafka is enabled")
	}
	return nil
}
