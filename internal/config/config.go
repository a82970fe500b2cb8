// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/pagecapture/internal/capture"
)

// Strategy names accepted in the strategies list.
const (
	StrategyHeadless    = "headless"
	StrategyHTTPFetch   = "httpfetch"
	StrategySummary     = "summary"
	StrategyPlaceholder = "placeholder"
)

var knownStrategies = map[string]struct{}{
	StrategyHeadless:    {},
	StrategyHTTPFetch:   {},
	StrategySummary:     {},
	StrategyPlaceholder: {},
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Logging    LoggingConfig    `mapstructure:"logging"`
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

// QueueConfig bounds admission and job record lifetimes.
type QueueConfig struct {
	MaxConcurrent           int `mapstructure:"max_concurrent"`
	MaxQueueDepth           int `mapstructure:"max_queue_depth"`
	QueueTimeoutSeconds     int `mapstructure:"queue_timeout_seconds"`
	RetentionTimeoutSeconds int `mapstructure:"retention_timeout_seconds"`
}

// RetentionConfig controls artifact expiry.
type RetentionConfig struct {
	UnclaimedTTLSeconds int `mapstructure:"unclaimed_ttl_seconds"`
	ClaimedGraceSeconds int `mapstructure:"claimed_grace_seconds"`
	OrphanAgeSeconds    int `mapstructure:"orphan_age_seconds"`
}

// SweeperConfig schedules the expiry pass.
type SweeperConfig struct {
	// Interval is a cron expression, e.g. "@every 30s".
	Interval string `mapstructure:"interval"`
}

// StrategyConfig is one entry of the ordered strategy chain.
type StrategyConfig struct {
	Name           string `mapstructure:"name"`
	Enabled        bool   `mapstructure:"enabled"`
	MaxRetries     int    `mapstructure:"max_retries"`
	RetryBackoffMs int    `mapstructure:"retry_backoff_ms"`
	MaxBackoffMs   int    `mapstructure:"max_backoff_ms"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless browser strategy.
type HeadlessConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MaxParallel int    `mapstructure:"max_parallel"`
	SettleMs    int    `mapstructure:"settle_ms"`
	ExecPath    string `mapstructure:"exec_path"`
}

// HTTPConfig configures the plain HTTP strategies.
type HTTPConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	RespectRobots   bool   `mapstructure:"respect_robots"`
	MaxBodyBytes    int    `mapstructure:"max_body_bytes"`
	SPAThreshold    int    `mapstructure:"spa_threshold"`
	SummaryMaxLinks int    `mapstructure:"summary_max_links"`
}

// RateLimitConfig configures per-host token buckets.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// PolicyConfig lists hosts no strategy may fetch.
type PolicyConfig struct {
	DenyDomains []string `mapstructure:"deny_domains"`
}

// StorageConfig selects the artifact blob backend.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Bucket  string             `mapstructure:"bucket"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the Postgres job history. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	JobsTable       string        `mapstructure:"jobs_table"`
	AttemptsTable   string        `mapstructure:"attempts_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RedisConfig configures the Redis stream notifier. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig controls hub batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGECAPTURE")
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

// DefaultStrategies is the chain used when none is configured.
func DefaultStrategies() []StrategyConfig {
	return []StrategyConfig{
		{Name: StrategyHeadless, Enabled: true, MaxRetries: 1, RetryBackoffMs: 1000, MaxBackoffMs: 8000, TimeoutSeconds: 45},
		{Name: StrategyHTTPFetch, Enabled: true, MaxRetries: 2, RetryBackoffMs: 500, MaxBackoffMs: 8000, TimeoutSeconds: 20},
		{Name: StrategySummary, Enabled: true, MaxRetries: 1, RetryBackoffMs: 500, MaxBackoffMs: 4000, TimeoutSeconds: 15},
		{Name: StrategyPlaceholder, Enabled: true, MaxRetries: 0, TimeoutSeconds: 5},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("queue.max_concurrent", 4)
	v.SetDefault("queue.max_queue_depth", 64)
	v.SetDefault("queue.queue_timeout_seconds", 600)
	v.SetDefault("queue.retention_timeout_seconds", 1800)
	v.SetDefault("retention.unclaimed_ttl_seconds", 1800)
	v.SetDefault("retention.claimed_grace_seconds", 0)
	v.SetDefault("retention.orphan_age_seconds", 3600)
	v.SetDefault("sweeper.interval", "@every 30s")

	strategies := make([]map[string]any, 0, 4)
	for _, s := range DefaultStrategies() {
		strategies = append(strategies, map[string]any{
			"name":             s.Name,
			"enabled":          s.Enabled,
			"max_retries":      s.MaxRetries,
			"retry_backoff_ms": s.RetryBackoffMs,
			"max_backoff_ms":   s.MaxBackoffMs,
			"timeout_seconds":  s.TimeoutSeconds,
		})
	}
	v.SetDefault("strategies", strategies)

	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("http.user_agent", "pagecapture/1.0 (+https://github.com/JakeFAU/pagecapture)")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.spa_threshold", 2048)
	v.SetDefault("http.summary_max_links", 25)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("policy.deny_domains", []string{})
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("storage.local.base_dir", "data/artifacts")
	v.SetDefault("database.jobs_table", "capture_jobs")
	v.SetDefault("database.attempts_table", "capture_attempts")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("redis.stream", "pagecapture:jobs")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return errors.New("queue.max_concurrent must be > 0")
	}
	if c.Queue.MaxQueueDepth <= 0 {
		return errors.New("queue.max_queue_depth must be > 0")
	}
	if c.Queue.QueueTimeoutSeconds < 0 || c.Queue.RetentionTimeoutSeconds < 0 {
		return errors.New("queue timeouts must be >= 0")
	}
	if c.Retention.UnclaimedTTLSeconds < 0 || c.Retention.ClaimedGraceSeconds < 0 || c.Retention.OrphanAgeSeconds < 0 {
		return errors.New("retention durations must be >= 0")
	}
	if _, err := cron.ParseStandard(c.Sweeper.Interval); err != nil {
		return fmt.Errorf("sweeper.interval: %w", err)
	}
	if err := validateStrategies(c.Strategies); err != nil {
		return err
	}
	if c.Headless.MaxParallel < 0 {
		return errors.New("headless.max_parallel must be >= 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		return errors.New("ratelimit.default_rps must be > 0 when rate limiting is enabled")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

func validateStrategies(list []StrategyConfig) error {
	enabled := 0
	seen := make(map[string]struct{}, len(list))
	for i, s := range list {
		if _, ok := knownStrategies[s.Name]; !ok {
			return fmt.Errorf("strategies[%d]: unknown strategy %q", i, s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("strategies[%d]: duplicate strategy %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Name == StrategyPlaceholder && i != len(list)-1 {
			return errors.New("strategies: placeholder must be last")
		}
		if s.MaxRetries < 0 || s.RetryBackoffMs < 0 || s.MaxBackoffMs < 0 {
			return fmt.Errorf("strategies[%d]: retries and backoff must be >= 0", i)
		}
		if s.TimeoutSeconds <= 0 {
			return fmt.Errorf("strategies[%d]: timeout_seconds must be > 0", i)
		}
		if s.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("strategies: at least one strategy must be enabled")
	}
	return nil
}

// QueueTimeout converts the configured seconds.
func (c QueueConfig) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSeconds) * time.Second
}

// RetentionTimeout converts the configured seconds.
func (c QueueConfig) RetentionTimeout() time.Duration {
	return time.Duration(c.RetentionTimeoutSeconds) * time.Second
}

// Durations converts the retention settings.
func (c RetentionConfig) Durations() (unclaimed, grace, orphan time.Duration) {
	return time.Duration(c.UnclaimedTTLSeconds) * time.Second,
		time.Duration(c.ClaimedGraceSeconds) * time.Second,
		time.Duration(c.OrphanAgeSeconds) * time.Second
}

// Descriptor converts the entry at ordinal into the pipeline's policy.
func (s StrategyConfig) Descriptor(ordinal int) capture.StrategyDescriptor {
	return capture.StrategyDescriptor{
		Name:         s.Name,
		Ordinal:      ordinal,
		MaxRetries:   s.MaxRetries,
		RetryBackoff: time.Duration(s.RetryBackoffMs) * time.Millisecond,
		MaxBackoff:   time.Duration(s.MaxBackoffMs) * time.Millisecond,
		Timeout:      time.Duration(s.TimeoutSeconds) * time.Second,
	}
}
