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
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Discover   StageConfig      `mapstructure:"discover"`
	Extract    StageConfig      `mapstructure:"extract"`
	Classify   StageConfig      `mapstructure:"classify"`
	Index      StageConfig      `mapstructure:"index"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Source     SourceConfig     `mapstructure:"source"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Postings   PostingsConfig   `mapstructure:"postings"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Logging    LoggingConfig    `mapstructure:"logging"`
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

// PipelineConfig governs run sequencing and boost behavior.
type PipelineConfig struct {
	// AdvanceThreshold is the failed-item count tolerated per stage before
	// the run advances anyway, keyed by stage name.
	AdvanceThreshold map[string]int64 `mapstructure:"advance_threshold"`
	BoostMinutes     int              `mapstructure:"boost_minutes"`
	RateMaxCeiling   float64          `mapstructure:"rate_max_ceiling"`
	EventTopic       string           `mapstructure:"event_topic"`
	MaxAttempts      int              `mapstructure:"max_attempts"`
	BackoffInitialMs int              `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int              `mapstructure:"backoff_max_ms"`
}

// StageConfig sizes one stage's worker pool, rate gate, and batch writer.
type StageConfig struct {
	Workers          int     `mapstructure:"workers"`
	MinWorkers       int     `mapstructure:"min_workers"`
	MaxWorkers       int     `mapstructure:"max_workers"`
	RatePerSecond    float64 `mapstructure:"rate_per_second"`
	Burst            int     `mapstructure:"burst"`
	BatchSize        int     `mapstructure:"batch_size"`
	FlushIntervalSec int     `mapstructure:"flush_interval_seconds"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
}

// CheckpointConfig selects and tunes the checkpoint store.
type CheckpointConfig struct {
	Backend      string `mapstructure:"backend"` // memory | postgres
	DSN          string `mapstructure:"dsn"`
	ClaimBatch   int    `mapstructure:"claim_batch"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// MonitorConfig tunes the resource pressure sampler.
type MonitorConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	CPUHigh         float64 `mapstructure:"cpu_high"`
	MemHigh         float64 `mapstructure:"mem_high"`
	CPULow          float64 `mapstructure:"cpu_low"`
	MemLow          float64 `mapstructure:"mem_low"`
}

// SourceConfig describes where postings are discovered and fetched from.
type SourceConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	Categories     []string `mapstructure:"categories"`
	Locations      []string `mapstructure:"locations"`
	PagesPerSearch int      `mapstructure:"pages_per_search"`
	ProxyEndpoint  string   `mapstructure:"proxy_endpoint"`
	ProxyAPIKey    string   `mapstructure:"proxy_api_key"`
	RenderJS       bool     `mapstructure:"render_js"`
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// ClassifierConfig points at an OpenAI-compatible chat completions API.
type ClassifierConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// PostingsConfig controls the indexed postings table.
type PostingsConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// StorageConfig sets paths and content types for blob persistence.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // gcs | local | memory
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// RedisConfig enables the distributed rate gate when Addr is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig optionally triggers full runs on a cron expression.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBSIFT")
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
	v.SetDefault("pipeline.boost_minutes", 10)
	v.SetDefault("pipeline.rate_max_ceiling", 50)
	v.SetDefault("pipeline.max_attempts", 5)
	v.SetDefault("pipeline.backoff_initial_ms", 1000)
	v.SetDefault("pipeline.backoff_max_ms", 300000)
	v.SetDefault("discover.workers", 2)
	v.SetDefault("discover.rate_per_second", 1)
	v.SetDefault("extract.workers", 5)
	v.SetDefault("extract.rate_per_second", 5)
	v.SetDefault("classify.workers", 3)
	v.SetDefault("classify.rate_per_second", 2)
	v.SetDefault("index.workers", 2)
	v.SetDefault("index.rate_per_second", 10)
	for _, stage := range []string{"discover", "extract", "classify", "index"} {
		v.SetDefault(stage+".min_workers", 1)
		v.SetDefault(stage+".burst", 1)
		v.SetDefault(stage+".batch_size", 50)
		v.SetDefault(stage+".flush_interval_seconds", 5)
		v.SetDefault(stage+".timeout_seconds", 60)
	}
	v.SetDefault("checkpoint.backend", "memory")
	v.SetDefault("checkpoint.claim_batch", 16)
	v.SetDefault("checkpoint.ensure_schema", true)
	v.SetDefault("monitor.interval_seconds", 5)
	v.SetDefault("monitor.cpu_high", 80)
	v.SetDefault("monitor.mem_high", 85)
	v.SetDefault("monitor.cpu_low", 50)
	v.SetDefault("monitor.mem_low", 50)
	v.SetDefault("source.pages_per_search", 5)
	v.SetDefault("source.user_agent", "jobsift-bot/0.1")
	v.SetDefault("source.timeout_seconds", 30)
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.temperature", 0)
	v.SetDefault("classifier.timeout_seconds", 45)
	v.SetDefault("postings.table", "postings")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("redis.key_prefix", "jobsift:ratelimit")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	for name, stage := range c.stages() {
		if stage.Workers <= 0 {
			return fmt.Errorf("%s.workers must be > 0", name)
		}
		if stage.RatePerSecond <= 0 {
			return fmt.Errorf("%s.rate_per_second must be > 0", name)
		}
		if stage.MaxWorkers > 0 && stage.MaxWorkers < stage.Workers {
			return fmt.Errorf("%s.max_workers must be >= %s.workers", name, name)
		}
	}
	switch c.Checkpoint.Backend {
	case "memory":
	case "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be memory or postgres, got %q", c.Checkpoint.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be gcs, local, or memory, got %q", c.Storage.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

func (c Config) stages() map[string]StageConfig {
	return map[string]StageConfig{
		"discover": c.Discover,
		"extract":  c.Extract,
		"classify": c.Classify,
		"index":    c.Index,
	}
}

// Stage returns the config block for a stage name, defaulting unknown names
// to the discover block.
func (c Config) Stage(name string) StageConfig {
	if s, ok := c.stages()[name]; ok {
		return s
	}
	return c.Discover
}

// BoostDuration converts the boost window into a duration.
func (c Config) BoostDuration() time.Duration {
	return time.Duration(c.Pipeline.BoostMinutes) * time.Minute
}

// BackoffInitial converts the retry backoff base into a duration.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Pipeline.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the retry backoff cap into a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Pipeline.BackoffMaxMs) * time.Millisecond
}
