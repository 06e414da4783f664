// Package config loads and validates scrape engine configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/retry"
	"github.com/JakeFAU/realtime-social-scraper/internal/storage/badger"
	"github.com/JakeFAU/realtime-social-scraper/internal/storage/gcs"
	"github.com/JakeFAU/realtime-social-scraper/internal/storage/local"
	"github.com/JakeFAU/realtime-social-scraper/internal/storage/mongodb"
	"github.com/JakeFAU/realtime-social-scraper/internal/storage/postgres"
	"github.com/JakeFAU/realtime-social-scraper/internal/validate"
)

// EnvPrefix namespaces environment overrides (SCRAPER_SERVER_PORT, ...).
const EnvPrefix = "SCRAPER"

// L2 backends.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMongo    = "mongodb"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
)

// Fetcher kinds.
const (
	FetcherAPI  = "api"
	FetcherPage = "page"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Schemas   SchemasConfig   `mapstructure:"schemas"`
	Cache     CacheConfig     `mapstructure:"cache"`
	L2        L2Config        `mapstructure:"l2"`
	Warming   WarmingConfig   `mapstructure:"warming"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EngineConfig governs the orchestrator and worker pool.
type EngineConfig struct {
	Workers        int `mapstructure:"workers"`
	QueueDepth     int `mapstructure:"queue_depth"`
	ContentRetries int `mapstructure:"content_retries"`
}

// PolicyConfig is one named retry policy.
type PolicyConfig struct {
	Name        string        `mapstructure:"name"`
	Strategy    string        `mapstructure:"strategy"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      float64       `mapstructure:"jitter"`
	Window      int           `mapstructure:"window"`
}

// RetryConfig lists retry policies in addition to the built-in "default".
type RetryConfig struct {
	Policies []PolicyConfig `mapstructure:"policies"`
}

// SchemaConfig is one named validation schema.
type SchemaConfig struct {
	Name           string   `mapstructure:"name"`
	Required       []string `mapstructure:"required"`
	Numeric        []string `mapstructure:"numeric"`
	Identifiers    []string `mapstructure:"identifiers"`
	TimestampField string   `mapstructure:"timestamp_field"`
}

// SchemasConfig lists schemas in addition to the built-in "profile" and "post".
type SchemasConfig struct {
	Default     string         `mapstructure:"default"`
	Definitions []SchemaConfig `mapstructure:"definitions"`
}

// CacheConfig tunes the two-tier cache.
type CacheConfig struct {
	L1Capacity          int           `mapstructure:"l1_capacity"`
	DefaultTTL          time.Duration `mapstructure:"default_ttl"`
	DegradedTTLFraction float64       `mapstructure:"degraded_ttl_fraction"`
	ShortLivedTTL       time.Duration `mapstructure:"short_lived_ttl"`
	L2WriteAttempts     int           `mapstructure:"l2_write_attempts"`
	L2RetryDelay        time.Duration `mapstructure:"l2_retry_delay"`
	HotWindow           time.Duration `mapstructure:"hot_window"`
	HotThreshold        int           `mapstructure:"hot_threshold"`
	HotCapacity         int           `mapstructure:"hot_capacity"`
	WarmConcurrency     int           `mapstructure:"warm_concurrency"`
}

// L2Config selects and configures the shared cache tier.
type L2Config struct {
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
	Badger   badger.Config   `mapstructure:"badger"`
	Mongo    mongodb.Config  `mapstructure:"mongodb"`
}

// WarmingConfig schedules proactive refresh of hot entries.
type WarmingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Schedule      string        `mapstructure:"schedule"`
	LeadTime      time.Duration `mapstructure:"lead_time"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

// HostLimit overrides the request rate for one host. Hosts are listed rather
// than keyed because viper splits map keys on dots.
type HostLimit struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// RateLimitConfig bounds request rates per target host.
type RateLimitConfig struct {
	DefaultRPS   float64     `mapstructure:"default_rps"`
	DefaultBurst int         `mapstructure:"default_burst"`
	PerHost      []HostLimit `mapstructure:"per_host"`
}

// PerHostRPS flattens PerHost into a host -> rps map.
func (r RateLimitConfig) PerHostRPS() map[string]float64 {
	if len(r.PerHost) == 0 {
		return nil
	}
	out := make(map[string]float64, len(r.PerHost))
	for _, h := range r.PerHost {
		out[strings.ToLower(h.Host)] = h.RPS
	}
	return out
}

// FetcherConfig selects and configures the fetch adapter.
type FetcherConfig struct {
	Kind          string            `mapstructure:"kind"`
	UserAgent     string            `mapstructure:"user_agent"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	BaseURL       string            `mapstructure:"base_url"`
	Envelope      string            `mapstructure:"envelope"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Headers       map[string]string `mapstructure:"headers"`
	RateLimit     RateLimitConfig   `mapstructure:"rate_limit"`
}

// ArchiveConfig selects where raw payloads are archived.
type ArchiveConfig struct {
	Backend string       `mapstructure:"backend"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// PubSubConfig holds settings for result and progress notifications.
type PubSubConfig struct {
	Backend       string `mapstructure:"backend"`
	ProjectID     string `mapstructure:"project_id"`
	ResultTopic   string `mapstructure:"result_topic"`
	ProgressTopic string `mapstructure:"progress_topic"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
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
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_depth", 64)
	v.SetDefault("engine.content_retries", 2)
	v.SetDefault("schemas.default", "profile")

	def := cache.DefaultConfig()
	v.SetDefault("cache.l1_capacity", def.L1Capacity)
	v.SetDefault("cache.default_ttl", def.DefaultTTL.String())
	v.SetDefault("cache.degraded_ttl_fraction", def.DegradedTTLFraction)
	v.SetDefault("cache.short_lived_ttl", def.ShortLivedTTL.String())
	v.SetDefault("cache.l2_write_attempts", def.L2WriteAttempts)
	v.SetDefault("cache.l2_retry_delay", def.L2RetryDelay.String())
	v.SetDefault("cache.hot_window", def.HotWindow.String())
	v.SetDefault("cache.hot_threshold", def.HotThreshold)
	v.SetDefault("cache.hot_capacity", 0)
	v.SetDefault("cache.warm_concurrency", def.WarmConcurrency)

	v.SetDefault("l2.backend", BackendMemory)
	v.SetDefault("l2.postgres.dsn", "")
	v.SetDefault("l2.postgres.entry_table", "cache_entries")
	v.SetDefault("l2.postgres.job_table", "scrape_jobs")
	v.SetDefault("l2.postgres.max_conns", 10)
	v.SetDefault("l2.postgres.min_conns", 0)
	v.SetDefault("l2.postgres.max_conn_lifetime", "30m")
	v.SetDefault("l2.postgres.auto_migrate", true)
	v.SetDefault("l2.badger.dir", "")
	v.SetDefault("l2.mongodb.uri", "")
	v.SetDefault("l2.mongodb.database", "scrapeengine")
	v.SetDefault("l2.mongodb.collection", "cache_entries")
	v.SetDefault("l2.mongodb.connect_timeout", "10s")

	v.SetDefault("warming.enabled", true)
	v.SetDefault("warming.schedule", "@every 30s")
	v.SetDefault("warming.lead_time", "30s")
	v.SetDefault("warming.run_timeout", "25s")
	v.SetDefault("warming.sweep_schedule", "@every 10m")

	v.SetDefault("fetcher.kind", FetcherAPI)
	v.SetDefault("fetcher.user_agent", "realtime-social-scraper/0.1")
	v.SetDefault("fetcher.timeout", "15s")
	v.SetDefault("fetcher.base_url", "")
	v.SetDefault("fetcher.envelope", "")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.rate_limit.default_rps", 2.0)
	v.SetDefault("fetcher.rate_limit.default_burst", 1)

	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.local.base_dir", "./data/archive")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.prefix", "")

	v.SetDefault("pubsub.backend", BackendNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.result_topic", "scrape-results")
	v.SetDefault("pubsub.progress_topic", "")

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "1s")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("telemetry.service_name", "scrapeengine")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Engine.Workers <= 0 {
		return errors.New("engine.workers must be > 0")
	}
	if c.Engine.QueueDepth <= 0 {
		return errors.New("engine.queue_depth must be > 0")
	}
	if c.Cache.DegradedTTLFraction < 0 || c.Cache.DegradedTTLFraction > 1 {
		return errors.New("cache.degraded_ttl_fraction must be in [0,1]")
	}
	switch c.L2.Backend {
	case BackendNone, BackendMemory:
	case BackendPostgres:
		if c.L2.Postgres.DSN == "" {
			return errors.New("l2.postgres.dsn is required for the postgres backend")
		}
	case BackendBadger:
		if c.L2.Badger.Dir == "" {
			return errors.New("l2.badger.dir is required for the badger backend")
		}
	case BackendMongo:
		if c.L2.Mongo.URI == "" {
			return errors.New("l2.mongodb.uri is required for the mongodb backend")
		}
	default:
		return fmt.Errorf("l2.backend %q is not supported", c.L2.Backend)
	}
	switch c.Fetcher.Kind {
	case FetcherAPI, FetcherPage:
	default:
		return fmt.Errorf("fetcher.kind %q is not supported", c.Fetcher.Kind)
	}
	if c.Fetcher.Timeout <= 0 {
		return errors.New("fetcher.timeout must be > 0")
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.Local.BaseDir == "" {
			return errors.New("archive.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Archive.GCS.Bucket == "" {
			return errors.New("archive.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	switch c.PubSub.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" {
			return errors.New("pubsub.project_id is required for the pubsub backend")
		}
	default:
		return fmt.Errorf("pubsub.backend %q is not supported", c.PubSub.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be in [0,1]")
	}
	if _, err := c.PolicyRegistry(); err != nil {
		return fmt.Errorf("retry.policies: %w", err)
	}
	if _, err := c.SchemaRegistry(); err != nil {
		return fmt.Errorf("schemas: %w", err)
	}
	return nil
}

// PolicyRegistry builds the retry policy registry. The built-in "default"
// policy is present unless a configured policy replaces it.
func (c Config) PolicyRegistry() (*retry.Registry, error) {
	policies := make([]*retry.Policy, 0, len(c.Retry.Policies))
	for _, pc := range c.Retry.Policies {
		strategy, err := retry.ParseStrategy(pc.Strategy)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", pc.Name, err)
		}
		policies = append(policies, &retry.Policy{
			Name:        pc.Name,
			Strategy:    strategy,
			BaseDelay:   pc.BaseDelay,
			MaxDelay:    pc.MaxDelay,
			MaxAttempts: pc.MaxAttempts,
			Jitter:      pc.Jitter,
			Window:      pc.Window,
		})
	}
	reg, err := retry.NewRegistry(policies...)
	if err != nil {
		return nil, fmt.Errorf("build policy registry: %w", err)
	}
	return reg, nil
}

// SchemaRegistry builds the validation schema registry. Configured schemas
// may replace the built-in "profile" and "post".
func (c Config) SchemaRegistry() (*validate.Registry, error) {
	schemas := make([]*validate.Schema, 0, len(c.Schemas.Definitions))
	for _, sc := range c.Schemas.Definitions {
		schemas = append(schemas, &validate.Schema{
			Name:           sc.Name,
			Required:       sc.Required,
			Numeric:        sc.Numeric,
			Identifiers:    sc.Identifiers,
			TimestampField: sc.TimestampField,
		})
	}
	reg, err := validate.NewRegistry(c.Schemas.Default, schemas...)
	if err != nil {
		return nil, fmt.Errorf("build schema registry: %w", err)
	}
	return reg, nil
}

// CacheSettings converts the cache section into cache.Config.
func (c Config) CacheSettings() cache.Config {
	return cache.Config{
		L1Capacity:          c.Cache.L1Capacity,
		DefaultTTL:          c.Cache.DefaultTTL,
		DegradedTTLFraction: c.Cache.DegradedTTLFraction,
		ShortLivedTTL:       c.Cache.ShortLivedTTL,
		L2WriteAttempts:     c.Cache.L2WriteAttempts,
		L2RetryDelay:        c.Cache.L2RetryDelay,
		HotWindow:           c.Cache.HotWindow,
		HotThreshold:        c.Cache.HotThreshold,
		HotCapacity:         c.Cache.HotCapacity,
		WarmConcurrency:     c.Cache.WarmConcurrency,
	}
}
