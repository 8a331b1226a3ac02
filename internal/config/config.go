// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Application ApplicationConfig `mapstructure:"application"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Extractor   ExtractorConfig   `mapstructure:"extractor"`
	Chunker     ChunkerConfig     `mapstructure:"chunker"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
}

// ApplicationConfig identifies this deployment for logging and telemetry.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectNumber string `mapstructure:"project_number"`
	ProjectID     string `mapstructure:"project_id"`
	Region        string `mapstructure:"region"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs dispatcher and discovery/ingestion concurrency.
type CrawlerConfig struct {
	Concurrency      int    `mapstructure:"concurrency"`
	PerDomainMax     int    `mapstructure:"per_domain_max"`
	UserAgent        string `mapstructure:"user_agent"`
	DelaySeconds     int    `mapstructure:"delay_seconds"`
	IgnoreRobots     bool   `mapstructure:"ignore_robots"`
	MaxPagesDefault  int    `mapstructure:"max_pages_default"`
	GlobalQueueDepth int    `mapstructure:"queue_depth"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// BrowserConfig configures the chromedp-backed rendering pool.
type BrowserConfig struct {
	MaxPages         int `mapstructure:"max_pages"`
	LaunchTimeoutSec int `mapstructure:"launch_timeout_seconds"`
}

// Duration converts LaunchTimeoutSec into a time.Duration for
// browser.Config.
func (b BrowserConfig) Duration() time.Duration {
	return time.Duration(b.LaunchTimeoutSec) * time.Second
}

// StorageConfig selects and configures the blob storage backend.
type StorageConfig struct {
	// Backend selects which blob store implementation to build: "gcs",
	// "local", or "memory".
	Backend     string      `mapstructure:"backend"`
	Bucket      string      `mapstructure:"bucket"`
	Prefix      string      `mapstructure:"prefix"`
	ContentType string      `mapstructure:"content_type"`
	Local       LocalConfig `mapstructure:"local"`
}

// LocalConfig configures the filesystem-backed blob store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to the relational retrieval/progress
// database.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	RetrievalTable  string `mapstructure:"retrieval_table"`
	ProgressTable   string `mapstructure:"progress_table"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	MaxConnLifeSecs int    `mapstructure:"max_conn_lifetime_seconds"`
}

// MaxConnLifetime converts MaxConnLifeSecs into a time.Duration.
func (d DatabaseConfig) MaxConnLifetime() time.Duration {
	return time.Duration(d.MaxConnLifeSecs) * time.Second
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ProgressConfig configures the progress.Hub batching behavior.
type ProgressConfig struct {
	Enabled       bool               `mapstructure:"enabled"`
	LogEnabled    bool               `mapstructure:"log_enabled"`
	BufferSize    int                `mapstructure:"buffer_size"`
	Batch         ProgressBatchLimit `mapstructure:"batch"`
	SinkTimeoutMs int                `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchLimit bounds how large or how stale a batch of progress
// events may get before it is flushed.
type ProgressBatchLimit struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// SinkTimeout converts SinkTimeoutMs into a time.Duration.
func (p ProgressConfig) SinkTimeout() time.Duration {
	return time.Duration(p.SinkTimeoutMs) * time.Millisecond
}

// MaxWait converts Batch.MaxWaitMs into a time.Duration.
func (p ProgressConfig) MaxWait() time.Duration {
	return time.Duration(p.Batch.MaxWaitMs) * time.Millisecond
}

// RateLimitConfig configures the per-domain token bucket applied to
// discovery and ingestion fetches.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// ExtractorConfig tunes the content extraction heuristics.
type ExtractorConfig struct {
	MinContentLen int `mapstructure:"min_content_len"`
}

// ChunkerConfig provides the default chunk size/overlap used when a
// knowledge base does not specify its own.
type ChunkerConfig struct {
	DefaultChunkSize int `mapstructure:"default_chunk_size"`
	DefaultOverlap   int `mapstructure:"default_overlap"`
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`
	APIKey     string `mapstructure:"api_key"`
	Endpoint   string `mapstructure:"endpoint"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
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
	v.SetDefault("application.service_name", "scrapeindex")
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.per_domain_max", 2)
	v.SetDefault("crawler.user_agent", "scrapeindex-bot/0.1")
	v.SetDefault("crawler.delay_seconds", 1)
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.max_pages_default", 500)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("browser.max_pages", 5)
	v.SetDefault("browser.launch_timeout_seconds", 20)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.local.base_dir", "./data/blobs")
	v.SetDefault("database.retrieval_table", "document_chunks")
	v.SetDefault("database.progress_table", "job_progress")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime_seconds", 1800)
	v.SetDefault("logging.development", true)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 50)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("extractor.min_content_len", 20)
	v.SetDefault("chunker.default_chunk_size", 1000)
	v.SetDefault("chunker.default_overlap", 200)
	v.SetDefault("embedding.provider", "jina")
	v.SetDefault("embedding.dimensions", 768)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Browser.MaxPages <= 0 {
		return fmt.Errorf("browser.max_pages must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "gcs", "local", "memory":
	default:
		return fmt.Errorf("storage.backend must be one of gcs, local, memory, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
	}
	if c.Storage.Backend == "local" && c.Storage.Local.BaseDir == "" {
		return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
	}
	if c.Chunker.DefaultChunkSize <= 0 {
		return fmt.Errorf("chunker.default_chunk_size must be > 0")
	}
	if c.Chunker.DefaultOverlap < 0 || c.Chunker.DefaultOverlap >= c.Chunker.DefaultChunkSize {
		return fmt.Errorf("chunker.default_overlap must satisfy 0 <= overlap < default_chunk_size")
	}
	return nil
}

// JobBudget converts http.timeout_seconds into a time.Duration.
func (c Config) JobBudget() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
