// Package config loads the immutable service configuration from YAML with
// environment overrides. The resulting Config is constructed once at startup
// and passed explicitly into every component — nothing in the pipeline reads
// process-wide state at decision time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the tagging relay.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	GA4        GA4Config        `yaml:"ga4"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Queue      QueueConfig      `yaml:"queue"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	AdminAPIKey string `yaml:"admin_api_key"`
	// DebugMode makes dispatch synchronous and error-verbose for operators.
	DebugMode bool `yaml:"debug_mode"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the Redis connection used for rate limiting and the
// batch-run lease. Optional: with no URL the rate limiter falls back to an
// in-process window and the lease to a Postgres advisory lock.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// GA4Config holds Measurement Protocol credentials for the direct strategy.
type GA4Config struct {
	MeasurementID  string `yaml:"measurement_id"`
	APISecret      string `yaml:"api_secret"`
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CloudflareConfig holds the worker-intermediary strategy settings.
// Disabled=true bypasses the intermediary and sends directly to GA4.
type CloudflareConfig struct {
	WorkerURL      string `yaml:"worker_url"`
	APIKey         string `yaml:"api_key"`
	Disabled       bool   `yaml:"disabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// EncryptionConfig controls payload encryption.
type EncryptionConfig struct {
	// Key is the 64-hex-char AES-256 key shared with the worker.
	Key string `yaml:"key"`
	// EncryptAtRest seals original payloads before they hit the table.
	EncryptAtRest bool `yaml:"encrypt_at_rest"`
	// EncryptTransmissions wraps Cloudflare batch bodies in a permanent
	// token. Never applies to GA4 (it accepts no encrypted bodies).
	EncryptTransmissions bool `yaml:"encrypt_transmissions"`
}

// IngestConfig holds admission-control settings.
type IngestConfig struct {
	// SiteHost is the origin host inbound events must claim.
	SiteHost string `yaml:"site_host"`
	// RateLimitPerMinute is the per-IP sliding-window admission cap.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// RateWindowSeconds is the window length.
	RateWindowSeconds int `yaml:"rate_window_seconds"`
}

// QueueConfig holds batch-processor settings.
type QueueConfig struct {
	BatchSize       int `yaml:"batch_size"`
	IntervalMinutes int `yaml:"interval_minutes"`
	LeaseSeconds    int `yaml:"lease_seconds"`
}

// RetentionConfig holds the terminal-row cleanup sweep settings.
type RetentionConfig struct {
	Days          int `yaml:"days"`
	IntervalHours int `yaml:"interval_hours"`
}

// Load reads configuration from a YAML file and applies defaults. A missing
// file yields a default config (env overrides still apply via LoadFromEnv).
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.GA4.Endpoint == "" {
		cfg.GA4.Endpoint = "https://www.google-analytics.com/mp/collect"
	}
	if cfg.GA4.TimeoutSeconds == 0 {
		cfg.GA4.TimeoutSeconds = 5
	}
	if cfg.Cloudflare.TimeoutSeconds == 0 {
		cfg.Cloudflare.TimeoutSeconds = 30
	}
	if cfg.Ingest.RateLimitPerMinute == 0 {
		cfg.Ingest.RateLimitPerMinute = 100
	}
	if cfg.Ingest.RateWindowSeconds == 0 {
		cfg.Ingest.RateWindowSeconds = 60
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 1000
	}
	if cfg.Queue.IntervalMinutes == 0 {
		cfg.Queue.IntervalMinutes = 5
	}
	if cfg.Queue.LeaseSeconds == 0 {
		cfg.Queue.LeaseSeconds = 120
	}
	// Retention is clamped to the 7-30 day band the cleanup sweep supports.
	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = 30
	}
	if cfg.Retention.Days < 7 {
		cfg.Retention.Days = 7
	}
	if cfg.Retention.Days > 30 {
		cfg.Retention.Days = 30
	}
	if cfg.Retention.IntervalHours == 0 {
		cfg.Retention.IntervalHours = 24
	}
}

// LoadFromEnv loads configuration with environment variable overrides. A
// .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("GA4_MEASUREMENT_ID"); v != "" {
		cfg.GA4.MeasurementID = v
	}
	if v := os.Getenv("GA4_API_SECRET"); v != "" {
		cfg.GA4.APISecret = v
	}
	if v := os.Getenv("CF_WORKER_URL"); v != "" {
		cfg.Cloudflare.WorkerURL = v
	}
	if v := os.Getenv("CF_WORKER_API_KEY"); v != "" {
		cfg.Cloudflare.APIKey = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		cfg.Server.AdminAPIKey = v
	}
	if v := os.Getenv("SITE_HOST"); v != "" {
		cfg.Ingest.SiteHost = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DEBUG_MODE"); v == "true" || v == "1" {
		cfg.Server.DebugMode = true
	}

	return cfg, nil
}

// GA4Timeout returns the GA4 call timeout as a duration.
func (c *Config) GA4Timeout() time.Duration {
	return time.Duration(c.GA4.TimeoutSeconds) * time.Second
}

// CloudflareTimeout returns the worker call timeout as a duration.
func (c *Config) CloudflareTimeout() time.Duration {
	return time.Duration(c.Cloudflare.TimeoutSeconds) * time.Second
}

// RateWindow returns the admission window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Ingest.RateWindowSeconds) * time.Second
}

// BatchInterval returns the scheduled processor interval.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.Queue.IntervalMinutes) * time.Minute
}

// LeaseTTL returns the batch-run lease duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}
