// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/prl-harvester/internal/ratelimit"
)

// Index backends.
const (
	IndexMemory = "memory"
	IndexSolr   = "solr"
)

// Storage backends for archived OAI-PMH pages.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Index     IndexConfig     `mapstructure:"index"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HarvestConfig governs the OAI-PMH client and the record pipeline.
type HarvestConfig struct {
	UserAgent            string `mapstructure:"user_agent"`
	HTTPTimeoutSeconds   int    `mapstructure:"http_timeout_seconds"`
	MaxBatchSize         int    `mapstructure:"max_batch_size"`
	SetConcurrency       int    `mapstructure:"set_concurrency"`
	TransformConcurrency int    `mapstructure:"transform_concurrency"`
	ThumbnailConcurrency int    `mapstructure:"thumbnail_concurrency"`
	RespectRobots        bool   `mapstructure:"respect_robots"`
	MaxBodyBytes         int    `mapstructure:"max_body_bytes"`
	MaxPages             int    `mapstructure:"max_pages"`
}

// SchedulerConfig sizes the fire queue and its workers.
type SchedulerConfig struct {
	Workers                int    `mapstructure:"workers"`
	QueueDepth             int    `mapstructure:"queue_depth"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	TimeZone               string `mapstructure:"time_zone"`
}

// RateLimitConfig throttles requests to each repository host.
type RateLimitConfig struct {
	Enabled      bool                           `mapstructure:"enabled"`
	DefaultRPS   float64                        `mapstructure:"default_rps"`
	DefaultBurst int                            `mapstructure:"default_burst"`
	Hosts        map[string]ratelimit.HostLimit `mapstructure:"hosts"`
}

// IndexConfig selects the search index.
type IndexConfig struct {
	Backend string `mapstructure:"backend"`
	SolrURL string `mapstructure:"solr_url"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// institutions and jobs in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// LocalStorageConfig places archived pages on disk.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// StorageConfig sets where archived OAI-PMH pages go.
type StorageConfig struct {
	Backend      string             `mapstructure:"backend"`
	Bucket       string             `mapstructure:"bucket"`
	Prefix       string             `mapstructure:"prefix"`
	Local        LocalStorageConfig `mapstructure:"local"`
	ArchivePages bool               `mapstructure:"archive_pages"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project keeps run events in process.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the run event hub.
type EventsConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEnabled     bool `mapstructure:"log_enabled"`
}

// TelemetryConfig controls tracing. An empty project keeps spans in process.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	// Keys without a default are still registered so environment overrides reach Unmarshal.
	for _, key := range []string{"auth.api_key", "index.solr_url", "db.dsn", "storage.bucket", "pubsub.project_id", "telemetry.project_id"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("server.port", 8888)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("harvest.user_agent", "PRL Harvester")
	v.SetDefault("harvest.http_timeout_seconds", 60)
	v.SetDefault("harvest.max_batch_size", 500)
	v.SetDefault("harvest.set_concurrency", 4)
	v.SetDefault("harvest.transform_concurrency", 8)
	v.SetDefault("harvest.thumbnail_concurrency", 4)
	v.SetDefault("harvest.respect_robots", false)
	v.SetDefault("harvest.max_body_bytes", 64*1024*1024)
	v.SetDefault("harvest.max_pages", 0)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_depth", 64)
	v.SetDefault("scheduler.shutdown_timeout_seconds", 30)
	v.SetDefault("scheduler.time_zone", "UTC")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 2.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("index.backend", IndexMemory)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "oai-pages")
	v.SetDefault("storage.local.base_dir", "data/pages")
	v.SetDefault("storage.archive_pages", false)
	v.SetDefault("pubsub.topic_name", "harvest-results")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait_ms", 500)
	v.SetDefault("events.sink_timeout_ms", 10000)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("telemetry.service_name", "prl-harvester")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Harvest.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("harvest.http_timeout_seconds must be > 0")
	}
	if c.Harvest.MaxBatchSize <= 0 {
		return fmt.Errorf("harvest.max_batch_size must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.QueueDepth <= 0 {
		return fmt.Errorf("scheduler.queue_depth must be > 0")
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("ratelimit.default_rps must be >= 0")
	}
	switch c.Index.Backend {
	case IndexMemory:
	case IndexSolr:
		if c.Index.SolrURL == "" {
			return fmt.Errorf("index.solr_url must be set for the solr backend")
		}
	default:
		return fmt.Errorf("index.backend must be %q or %q", IndexMemory, IndexSolr)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of %q, %q, %q", StorageMemory, StorageLocal, StorageGCS)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is")
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must not exceed db.max_conns")
	}
	return nil
}

// Location resolves the time zone cron expressions are evaluated in. Empty
// means UTC; "Local" selects the host zone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	switch c.TimeZone {
	case "", "UTC":
		return time.UTC, nil
	case "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.time_zone: %w", err)
	}
	return loc, nil
}

// HTTPTimeout is the per-request timeout for outbound harvesting.
func (c HarvestConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds how long in-flight runs may take to finish on shutdown.
func (c SchedulerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// RequestTimeout bounds each API request.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
