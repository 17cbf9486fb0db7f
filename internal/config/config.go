// Package config loads and validates sync engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Backend names shared by the store, lock and archive sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Control   BackendConfig   `mapstructure:"control"`
	Records   BackendConfig   `mapstructure:"records"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lock      LockConfig      `mapstructure:"lock"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
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

// UpstreamConfig points at the catalog being mirrored.
type UpstreamConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
}

// SyncConfig governs discovery, processing and scheduling.
type SyncConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	DiscoveryMaxRetries int           `mapstructure:"discovery_max_retries"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	Schedule            string        `mapstructure:"schedule"`
	PageLimit           int           `mapstructure:"page_limit"`
	MaxPages            int           `mapstructure:"max_pages"`
	PageDelay           time.Duration `mapstructure:"page_delay"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	FetchDelay          time.Duration `mapstructure:"fetch_delay"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	InitialLookbackDays int           `mapstructure:"initial_lookback_days"`
	RunOnStart          bool          `mapstructure:"run_on_start"`
	PartialDay          bool          `mapstructure:"partial_day"`
}

// BackendConfig selects a store implementation.
type BackendConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig controls the Redis client.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LockConfig selects the single-flight lock.
type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ArchiveConfig selects where raw record documents are copied.
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
}

// LocalArchiveConfig roots the filesystem archive.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
}

// TelemetryConfig controls OpenTelemetry tracing. An empty ProjectID keeps
// spans in-process without exporting them.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOGSYNC")
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("upstream.base_url", "https://openlibrary.org")
	v.SetDefault("upstream.user_agent", "catalogsync/0.1 (+https://github.com/santarrsgrotto/readarr-server)")
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.discovery_max_retries", 3)
	v.SetDefault("sync.fetch_timeout", 30*time.Second)
	v.SetDefault("sync.schedule", "0 3 * * *")
	v.SetDefault("sync.page_limit", 1000)
	v.SetDefault("sync.max_pages", 10)
	v.SetDefault("sync.page_delay", time.Second)
	v.SetDefault("sync.retry_delay", 5*time.Second)
	v.SetDefault("sync.fetch_delay", 200*time.Millisecond)
	v.SetDefault("sync.cooldown", 5*time.Minute)
	v.SetDefault("sync.max_attempts", 0)
	v.SetDefault("sync.initial_lookback_days", 1)
	v.SetDefault("sync.run_on_start", false)
	v.SetDefault("sync.partial_day", true)
	v.SetDefault("control.backend", BackendMemory)
	v.SetDefault("records.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "catalogsync:")
	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.ttl", 12*time.Hour)
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "records")
	v.SetDefault("archive.local.base_dir", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "catalogsync")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
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
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if err := c.Sync.validate(); err != nil {
		return err
	}
	if err := oneOf("control.backend", c.Control.Backend, BackendMemory, BackendPostgres, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("records.backend", c.Records.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("lock.backend", c.Lock.Backend, BackendMemory, BackendPostgres, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("archive.backend", c.Archive.Backend, BackendNone, BackendMemory, BackendLocal, BackendGCS); err != nil {
		return err
	}
	if c.UsesPostgres() && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres backend")
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis backend")
	}
	if c.Archive.Backend == BackendGCS && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required for the gcs archive")
	}
	if c.Archive.Backend == BackendLocal && c.Archive.Local.BaseDir == "" {
		return fmt.Errorf("archive.local.base_dir is required for the local archive")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
		}
	}
	return nil
}

// UsesPostgres reports whether any backend needs the database pool.
func (c Config) UsesPostgres() bool {
	return c.Control.Backend == BackendPostgres ||
		c.Records.Backend == BackendPostgres ||
		c.Lock.Backend == BackendPostgres
}

// UsesRedis reports whether any backend needs the Redis client.
func (c Config) UsesRedis() bool {
	return c.Control.Backend == BackendRedis || c.Lock.Backend == BackendRedis
}

func (s SyncConfig) validate() error {
	switch {
	case s.BatchSize <= 0:
		return fmt.Errorf("sync.batch_size must be > 0")
	case s.DiscoveryMaxRetries < 0:
		return fmt.Errorf("sync.discovery_max_retries must be >= 0")
	case s.FetchTimeout <= 0:
		return fmt.Errorf("sync.fetch_timeout must be > 0")
	case s.PageLimit <= 0:
		return fmt.Errorf("sync.page_limit must be > 0")
	case s.MaxPages <= 0:
		return fmt.Errorf("sync.max_pages must be > 0")
	case s.PageDelay < 0 || s.RetryDelay < 0 || s.FetchDelay < 0 || s.Cooldown < 0:
		return fmt.Errorf("sync delays must not be negative")
	case s.MaxAttempts < 0:
		return fmt.Errorf("sync.max_attempts must be >= 0")
	case s.InitialLookbackDays <= 0:
		return fmt.Errorf("sync.initial_lookback_days must be > 0")
	}
	if s.Schedule != "" {
		if _, err := cron.ParseStandard(s.Schedule); err != nil {
			return fmt.Errorf("sync.schedule: %w", err)
		}
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
