// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Harvest    HarvestConfig    `mapstructure:"harvest"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Targets    []TargetConfig   `mapstructure:"targets"`
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

// HarvestConfig governs the crawl orchestration pipeline.
type HarvestConfig struct {
	ProcessCount       int    `mapstructure:"process_count"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	SubBatchSize       int    `mapstructure:"sub_batch_size"`
	TargetFailureLimit int    `mapstructure:"target_failure_limit"`
	UserAgent          string `mapstructure:"user_agent"`
	RespectRobots      bool   `mapstructure:"respect_robots"`
	Resume             bool   `mapstructure:"resume"`
}

// HTTPConfig configures fetch timeout, retry and pacing behavior.
type HTTPConfig struct {
	TimeoutSeconds       int `mapstructure:"timeout_seconds"`
	RetryCount           int `mapstructure:"retry_count"`
	BackoffMs            int `mapstructure:"backoff_ms"`
	RateLimitedBackoffMs int `mapstructure:"rate_limited_backoff_ms"`
	PolitenessDelayMs    int `mapstructure:"politeness_delay_ms"`
	Burst                int `mapstructure:"burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	MaxParallel     int `mapstructure:"max_parallel"`
	NavTimeoutSec   int `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int `mapstructure:"promotion_threshold"`
}

// BatchConfig sets batch persistence thresholds.
type BatchConfig struct {
	FlushSize   int    `mapstructure:"flush_size"`
	BackupEvery int    `mapstructure:"backup_every"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// StorageConfig selects the artifact store by URI scheme. Supported:
// file:///path, gs://bucket/prefix, mem:// for testing.
type StorageConfig struct {
	ArtifactURI string `mapstructure:"artifact_uri"`
}

// CheckpointConfig controls resumable progress tracking.
type CheckpointConfig struct {
	Path   string `mapstructure:"path"`
	Every  int    `mapstructure:"every"`
	Window int    `mapstructure:"window"`
}

// DiscoveryConfig bounds the paged target discovery crawl. An empty
// IndexURL limits the run to the statically configured targets.
type DiscoveryConfig struct {
	IndexURL             string `mapstructure:"index_url"`
	TargetPattern        string `mapstructure:"target_pattern"`
	TargetEstimatedUnits int    `mapstructure:"target_estimated_units"`
	MaxPages             int    `mapstructure:"max_pages"`
	PageRetries          int    `mapstructure:"page_retries"`
	RetryDelayMs         int    `mapstructure:"retry_delay_ms"`
}

// DBConfig controls access to the run ledger database. An empty DSN
// disables the ledger.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for artifact notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TargetConfig declares one statically configured collection to harvest.
type TargetConfig struct {
	ID             string        `mapstructure:"id"`
	Name           string        `mapstructure:"name"`
	Seed           string        `mapstructure:"seed"`
	EstimatedUnits int           `mapstructure:"estimated_units"`
	Strategy       string        `mapstructure:"strategy"`
	Shards         []ShardConfig `mapstructure:"shards"`
}

// ShardConfig is one pre-split segment of a sharded target.
type ShardConfig struct {
	Label   string `mapstructure:"label"`
	Locator string `mapstructure:"locator"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
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
	v.SetDefault("harvest.process_count", 0)
	v.SetDefault("harvest.max_concurrent", 8)
	v.SetDefault("harvest.sub_batch_size", 3)
	v.SetDefault("harvest.target_failure_limit", 5)
	v.SetDefault("harvest.user_agent", "scholarharvest-bot/0.1")
	v.SetDefault("harvest.respect_robots", true)
	v.SetDefault("harvest.resume", false)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.retry_count", 2)
	v.SetDefault("http.backoff_ms", 500)
	v.SetDefault("http.rate_limited_backoff_ms", 5000)
	v.SetDefault("http.politeness_delay_ms", 1000)
	v.SetDefault("http.burst", 1)
	v.SetDefault("headless.max_parallel", 3)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("batch.flush_size", 200)
	v.SetDefault("batch.backup_every", 0)
	v.SetDefault("batch.prefix", "articles")
	v.SetDefault("batch.content_type", "text/csv; charset=utf-8")
	v.SetDefault("storage.artifact_uri", "file://./artifacts")
	v.SetDefault("checkpoint.path", "harvest.checkpoint.json")
	v.SetDefault("checkpoint.every", 1)
	v.SetDefault("checkpoint.window", 20)
	v.SetDefault("discovery.target_pattern", "/pub/")
	v.SetDefault("discovery.target_estimated_units", 25)
	v.SetDefault("discovery.max_pages", 0)
	v.SetDefault("discovery.page_retries", 2)
	v.SetDefault("discovery.retry_delay_ms", 500)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Harvest.ProcessCount < 0 {
		return fmt.Errorf("harvest.process_count must be >= 0")
	}
	if c.Harvest.MaxConcurrent <= 0 {
		return fmt.Errorf("harvest.max_concurrent must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0")
	}
	if c.Batch.FlushSize <= 0 {
		return fmt.Errorf("batch.flush_size must be > 0")
	}
	if c.Storage.ArtifactURI == "" {
		return fmt.Errorf("storage.artifact_uri must be set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Discovery.IndexURL != "" && c.Discovery.TargetPattern == "" {
		return fmt.Errorf("discovery.target_pattern must be set when discovery.index_url is set")
	}
	for i, t := range c.Targets {
		if t.ID == "" || t.Seed == "" {
			return fmt.Errorf("targets[%d] must set id and seed", i)
		}
	}
	return nil
}

// RequestTimeout converts the HTTP timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// PolitenessDelay converts the per-host spacing config into a duration.
func (c Config) PolitenessDelay() time.Duration {
	return time.Duration(c.HTTP.PolitenessDelayMs) * time.Millisecond
}

// HarvestTargets converts the configured target list into domain targets.
func (c Config) HarvestTargets() []harvest.Target {
	out := make([]harvest.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		strategy := harvest.StrategySimple
		if t.Strategy == string(harvest.StrategySharded) {
			strategy = harvest.StrategySharded
		}
		target := harvest.Target{
			ID:             t.ID,
			Name:           t.Name,
			Seed:           t.Seed,
			EstimatedUnits: t.EstimatedUnits,
			Strategy:       strategy,
		}
		for _, s := range t.Shards {
			target.Shards = append(target.Shards, harvest.Shard{Label: s.Label, Locator: s.Locator})
		}
		out = append(out, target)
	}
	return out
}
