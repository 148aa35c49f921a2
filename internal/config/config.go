// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
	"github.com/JakeFAU/opendata-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/opendata-ingest/internal/storage/gcs"
	"github.com/JakeFAU/opendata-ingest/internal/storage/local"
	"github.com/JakeFAU/opendata-ingest/internal/telemetry"
)

// EnvPrefix namespaces environment overrides, e.g. INGEST_STORE_DSN.
const EnvPrefix = "INGEST"

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Archive backends. An empty backend disables archiving.
const (
	ArchiveNone   = ""
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Store     StoreConfig      `mapstructure:"store"`
	Crawler   CrawlerConfig    `mapstructure:"crawler"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	RateLimit RateLimitConfig  `mapstructure:"ratelimit"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	EnvFile   string           `mapstructure:"env_file"`
	Sources   []SourceConfig   `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int    `mapstructure:"port"`
	APIKey                 string `mapstructure:"api_key"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// StoreConfig selects and tunes the record store.
type StoreConfig struct {
	Backend                string      `mapstructure:"backend"`
	DSN                    string      `mapstructure:"dsn"`
	Schema                 string      `mapstructure:"schema"`
	MaxConns               int32       `mapstructure:"max_conns"`
	MinConns               int32       `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int         `mapstructure:"max_conn_lifetime_seconds"`
	Caps                   ingest.Caps `mapstructure:"caps"`
}

// CrawlerConfig governs discovery and the per-cycle worker pool.
type CrawlerConfig struct {
	Concurrency   int    `mapstructure:"concurrency"`
	QueueDepth    int    `mapstructure:"queue_depth"`
	UserAgent     string `mapstructure:"user_agent"`
	RespectRobots bool   `mapstructure:"respect_robots"`
	LinkSuffix    string `mapstructure:"link_suffix"`
	MaxBodyBytes  int    `mapstructure:"max_body_bytes"`
}

// HTTPConfig configures outbound HTTP requests.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// RateLimitConfig configures per-host politeness.
type RateLimitConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	DefaultRPS   float64     `mapstructure:"default_rps"`
	DefaultBurst int         `mapstructure:"default_burst"`
	Hosts        []HostLimit `mapstructure:"hosts"`
}

// HostLimit overrides the default rate for one host. Hosts are a list rather
// than a map because Viper splits map keys on dots.
type HostLimit struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Limiter converts the section into a rate limiter configuration.
func (c RateLimitConfig) Limiter() ratelimit.Config {
	hosts := make(map[string]ratelimit.HostRule, len(c.Hosts))
	for _, h := range c.Hosts {
		hosts[h.Host] = ratelimit.HostRule{RPS: h.RPS, Burst: h.Burst}
	}
	return ratelimit.Config{DefaultRPS: c.DefaultRPS, DefaultBurst: c.DefaultBurst, Hosts: hosts}
}

// SchedulerConfig controls recurring cycles.
type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	Cron       string        `mapstructure:"cron"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// ArchiveConfig controls raw payload archiving.
type ArchiveConfig struct {
	Backend     string       `mapstructure:"backend"`
	ContentType string       `mapstructure:"content_type"`
	Local       local.Config `mapstructure:"local"`
	GCS         gcs.Config   `mapstructure:"gcs"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether events should be published to Pub/Sub.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourceConfig seeds the registry at startup.
type SourceConfig struct {
	URL   string `mapstructure:"url"`
	Store string `mapstructure:"store"`
}

// Load builds a Config from disk and environment. Variables from the env file
// are applied first and never override variables already set.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := loadEnvFile(v.GetString("env_file")); err != nil {
		return Config{}, err
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

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("store.backend", StorePostgres)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.schema", "infrações")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime_seconds", 1800)
	v.SetDefault("store.caps.max_bytes", ingest.DefaultMaxStoreBytes)
	v.SetDefault("store.caps.max_records", ingest.DefaultMaxStoreRecords)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "opendata-ingest/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.link_suffix", ".csv")
	v.SetDefault("crawler.max_body_bytes", 256<<20)
	v.SetDefault("http.timeout_seconds", 120)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 2.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "168h")
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.content_type", "text/csv; charset=utf-8")
	v.SetDefault("archive.local.base_dir", "")
	v.SetDefault("archive.gcs.gcs_bucket", "")
	v.SetDefault("archive.gcs.prefix", "raw")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "opendata-ingest")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("env_file", "db.env")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.backend is %q", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store.Backend)
	}
	if c.Store.Caps.MaxBytes <= 0 || c.Store.Caps.MaxRecords <= 0 {
		return fmt.Errorf("store.caps.max_bytes and store.caps.max_records must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth < 0 {
		return fmt.Errorf("crawler.queue_depth must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Scheduler.Enabled && c.Scheduler.Cron == "" && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0 when no scheduler.cron is set")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.Local.BaseDir) == "" {
			return fmt.Errorf("archive.local.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	for i, h := range c.RateLimit.Hosts {
		if strings.TrimSpace(h.Host) == "" {
			return fmt.Errorf("ratelimit.hosts[%d].host is required", i)
		}
	}
	for i, src := range c.Sources {
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("sources[%d].url is required", i)
		}
	}
	return nil
}

// FetchTimeout bounds a single page or file fetch.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Seeds converts the configured sources for the registry.
func (c Config) Seeds() []ingest.Source {
	seeds := make([]ingest.Source, 0, len(c.Sources))
	for _, src := range c.Sources {
		seeds = append(seeds, ingest.Source{PageURL: src.URL, StoreName: src.Store})
	}
	return seeds
}
