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
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Vision    VisionConfig    `mapstructure:"vision"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs frontier and fetch behavior.
type CrawlerConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	MaxDepthDefault    int    `mapstructure:"max_depth_default"`
	MaxPagesDefault    int    `mapstructure:"max_pages_default"`
	DelayMsDefault     int64  `mapstructure:"delay_ms_default"`
	MaxContentBytes    int64  `mapstructure:"max_content_bytes"`
	RetryBudget        int    `mapstructure:"retry_budget"`
	RetryBackoffMs     int64  `mapstructure:"retry_backoff_ms"`
	ForbiddenThreshold int    `mapstructure:"forbidden_threshold"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	QueueDepth         int    `mapstructure:"queue_depth"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// WorkerConfig sizes the task consumption loop.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// PipelineConfig tunes document processing.
type PipelineConfig struct {
	EmbedPoolSize int    `mapstructure:"embed_pool_size"`
	PDFTool       string `mapstructure:"pdf_tool"`
	PDFRenderDPI  int    `mapstructure:"pdf_render_dpi"`
}

// EmbeddingConfig points at the OpenAI-compatible embedding endpoint.
type EmbeddingConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	Model   string `mapstructure:"model"`
}

// VisionConfig points at the multimodal model used for OCR.
type VisionConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	Model   string `mapstructure:"model"`
}

// QdrantConfig controls the vector index connection. An empty Host selects
// the in-memory index (development mode).
type QdrantConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
	UseTLS bool   `mapstructure:"use_tls"`
}

// StorageConfig selects and configures the blob store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // gcs, local, or memory
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// stores (development mode).
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for completion event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RAGLINE")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("crawler.user_agent", "ragline-bot/1.0 (+https://github.com/ragline/ragline)")
	v.SetDefault("crawler.max_depth_default", 3)
	v.SetDefault("crawler.max_pages_default", 500)
	v.SetDefault("crawler.delay_ms_default", 1000)
	v.SetDefault("crawler.max_content_bytes", 10*1024*1024)
	v.SetDefault("crawler.retry_budget", 3)
	v.SetDefault("crawler.retry_backoff_ms", 2000)
	v.SetDefault("crawler.forbidden_threshold", 3)
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.queue_depth", 1024)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("pipeline.embed_pool_size", 4)
	v.SetDefault("pipeline.pdf_tool", "pdftoppm")
	v.SetDefault("pipeline.pdf_render_dpi", 150)
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("vision.model", "gpt-4o-mini")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/blobs")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be gcs, local, or memory")
	}
	return nil
}

// CrawlDelay returns the default politeness delay as a duration.
func (c Config) CrawlDelay() time.Duration {
	return time.Duration(c.Crawler.DelayMsDefault) * time.Millisecond
}

// RequestTimeout returns the HTTP server request budget.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
