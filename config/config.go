// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/trialgate/domain/limit"
	"github.com/artpar/trialgate/domain/variant"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when neither a config file nor environment
// configuration is available.
var ErrNoConfig = errors.New("no configuration found")

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Lock      LockConfig      `yaml:"lock"`
	Billing   BillingConfig   `yaml:"billing"`
	Variants  VariantsConfig  `yaml:"variants"`
	Limits    LimitsConfig    `yaml:"limits"`
	Metering  MeteringConfig  `yaml:"metering"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Retention RetentionConfig `yaml:"retention"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the authoritative store.
type DatabaseConfig struct {
	Driver      string        `yaml:"driver"` // "sqlite", "postgres" or "memory"
	DSN         string        `yaml:"dsn"`
	MaxConns    int           `yaml:"max_conns,omitempty"`
	MinConns    int           `yaml:"min_conns,omitempty"`
	MaxLifetime time.Duration `yaml:"max_lifetime,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// LockConfig configures the tenant lock.
// Use "memory" for a single instance or "redis" when several instances
// share one store.
type LockConfig struct {
	Driver   string        `yaml:"driver"`
	RedisURL string        `yaml:"redis_url,omitempty"`
	Prefix   string        `yaml:"prefix,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
	PoolSize int           `yaml:"pool_size,omitempty"`
}

// BillingConfig configures the billing provider.
// Use "none", "dummy" or "stripe".
type BillingConfig struct {
	Provider          string        `yaml:"provider"`
	StripeSecretKey   string        `yaml:"stripe_secret_key,omitempty"`
	StripeAPIURL      string        `yaml:"stripe_api_url,omitempty"`
	MaxNetworkRetries int64         `yaml:"max_network_retries,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	DummyOutcome      string        `yaml:"dummy_outcome,omitempty"`
}

// VariantsConfig is the versioned variant table.
type VariantsConfig struct {
	Version string          `yaml:"version"`
	Default string          `yaml:"default"`
	List    []VariantConfig `yaml:"list"`
}

// VariantConfig configures one trial variant.
type VariantConfig struct {
	Key                     string `yaml:"key"`
	CallLimit               int64  `yaml:"call_limit"`
	DurationLimitSeconds    int64  `yaml:"duration_limit_seconds"`
	TrialPeriodDays         int    `yaml:"trial_period_days"`
	AllowWaitForAutoConvert bool   `yaml:"allow_wait_for_auto_convert"`
	Behavior                string `yaml:"behavior"` // "hard" or "soft"
	Weight                  int    `yaml:"weight"`
}

// LimitsConfig configures warning thresholds, in percent.
type LimitsConfig struct {
	WarningApproaching float64 `yaml:"warning_approaching"`
	WarningCritical    float64 `yaml:"warning_critical"`
}

// MeteringConfig tunes the metering and conversion services.
type MeteringConfig struct {
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	DuplicateCacheSize int           `yaml:"duplicate_cache_size"`
	DuplicateCacheTTL  time.Duration `yaml:"duplicate_cache_ttl"`
	BatchConcurrency   int           `yaml:"batch_concurrency"`
	PaidPeriod         time.Duration `yaml:"paid_period"`
}

// SweepConfig schedules background maintenance. Schedules use cron syntax
// with an optional seconds field.
type SweepConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ExpireSchedule  string `yaml:"expire_schedule"`
	PruneSchedule   string `yaml:"prune_schedule"`
	ExpireBatchSize int    `yaml:"expire_batch_size"`
}

// RetentionConfig configures idempotency index retention.
type RetentionConfig struct {
	// AppliedEventTTL is how long applied event ids are kept after their
	// period is archived.
	AppliedEventTTL time.Duration `yaml:"applied_event_ttl"`
}

// NotifyConfig configures decision publishing.
type NotifyConfig struct {
	Log      bool            `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig configures one outbound decision webhook.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret,omitempty"`
	Events  []string      `yaml:"events,omitempty"` // Empty subscribes to all
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds configuration from YAML content.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{
		Metrics: MetricsConfig{Enabled: true},
		Sweep:   SweepConfig{Enabled: true},
		Notify:  NotifyConfig{Log: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration from environment variables and the
// built-in variant table.
//
// Environment variables:
//
//	TRIALGATE_SERVER_HOST        - Server host (default: 0.0.0.0)
//	TRIALGATE_SERVER_PORT        - Server port (default: 8080)
//	TRIALGATE_DATABASE_DRIVER    - sqlite, postgres or memory (default: sqlite)
//	TRIALGATE_DATABASE_DSN       - Database path or URL (default: trialgate.db)
//	TRIALGATE_LOCK_DRIVER        - memory or redis (default: memory)
//	TRIALGATE_REDIS_URL          - Redis URL for the redis lock
//	TRIALGATE_BILLING_PROVIDER   - none, dummy or stripe (default: none)
//	TRIALGATE_STRIPE_SECRET_KEY  - Stripe secret key
//	TRIALGATE_APPLIED_EVENT_TTL  - Idempotency retention (default: 720h)
//	TRIALGATE_SWEEP_ENABLED      - Run scheduled sweeps (default: true)
//	TRIALGATE_LOG_LEVEL          - debug, info, warn, error (default: info)
//	TRIALGATE_LOG_FORMAT         - json or console (default: json)
//	TRIALGATE_METRICS_ENABLED    - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	return Parse(nil)
}

// LoadWithFallback loads path if it exists, else configuration from the
// environment alone.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	if HasEnvConfig() {
		return LoadFromEnv()
	}
	return nil, fmt.Errorf("%w: provide a config file or set TRIALGATE_DATABASE_DSN", ErrNoConfig)
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv("TRIALGATE_DATABASE_DSN") != ""
}

// applyEnvOverrides applies TRIALGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("TRIALGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TRIALGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Database configuration
	if v := os.Getenv("TRIALGATE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TRIALGATE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Lock configuration
	if v := os.Getenv("TRIALGATE_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("TRIALGATE_REDIS_URL"); v != "" {
		cfg.Lock.RedisURL = v
	}

	// Billing configuration
	if v := os.Getenv("TRIALGATE_BILLING_PROVIDER"); v != "" {
		cfg.Billing.Provider = v
	}
	if v := os.Getenv("TRIALGATE_STRIPE_SECRET_KEY"); v != "" {
		cfg.Billing.StripeSecretKey = v
	}

	// Maintenance configuration
	if v := os.Getenv("TRIALGATE_APPLIED_EVENT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.AppliedEventTTL = d
		}
	}
	if v := os.Getenv("TRIALGATE_SWEEP_ENABLED"); v != "" {
		cfg.Sweep.Enabled = parseBool(v)
	}

	// Logging configuration
	if v := os.Getenv("TRIALGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRIALGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("TRIALGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// DefaultVariants is the variant table used when none is configured.
func DefaultVariants() VariantsConfig {
	return VariantsConfig{
		Version: "builtin-1",
		Default: "standard",
		List: []VariantConfig{
			{
				Key:                     "standard",
				CallLimit:               50,
				DurationLimitSeconds:    3600,
				TrialPeriodDays:         14,
				AllowWaitForAutoConvert: true,
				Behavior:                string(variant.BehaviorHard),
				Weight:                  1,
			},
		},
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "trialgate.db"
	}

	if cfg.Lock.Driver == "" {
		cfg.Lock.Driver = "memory"
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 30 * time.Second
	}

	if cfg.Billing.Provider == "" {
		cfg.Billing.Provider = "none"
	}
	if cfg.Billing.Timeout == 0 {
		cfg.Billing.Timeout = 20 * time.Second
	}

	if len(cfg.Variants.List) == 0 {
		cfg.Variants = DefaultVariants()
	}
	for i := range cfg.Variants.List {
		if cfg.Variants.List[i].Behavior == "" {
			cfg.Variants.List[i].Behavior = string(variant.BehaviorHard)
		}
	}

	if cfg.Limits.WarningApproaching == 0 {
		cfg.Limits.WarningApproaching = 70
	}
	if cfg.Limits.WarningCritical == 0 {
		cfg.Limits.WarningCritical = 90
	}

	if cfg.Metering.LockTimeout == 0 {
		cfg.Metering.LockTimeout = 5 * time.Second
	}
	if cfg.Metering.DuplicateCacheSize == 0 {
		cfg.Metering.DuplicateCacheSize = 10000
	}
	if cfg.Metering.DuplicateCacheTTL == 0 {
		cfg.Metering.DuplicateCacheTTL = 10 * time.Minute
	}
	if cfg.Metering.BatchConcurrency == 0 {
		cfg.Metering.BatchConcurrency = 8
	}
	if cfg.Metering.PaidPeriod == 0 {
		cfg.Metering.PaidPeriod = 30 * 24 * time.Hour
	}

	if cfg.Sweep.ExpireSchedule == "" {
		cfg.Sweep.ExpireSchedule = "*/5 * * * *"
	}
	if cfg.Sweep.PruneSchedule == "" {
		cfg.Sweep.PruneSchedule = "17 3 * * *"
	}
	if cfg.Sweep.ExpireBatchSize == 0 {
		cfg.Sweep.ExpireBatchSize = 100
	}

	if cfg.Retention.AppliedEventTTL == 0 {
		cfg.Retention.AppliedEventTTL = 720 * time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// cronParser accepts standard five-field specs and an optional seconds
// field.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a sweep schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, memory, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is 'postgres'")
	}

	validLocks := map[string]bool{"memory": true, "redis": true}
	if !validLocks[cfg.Lock.Driver] {
		return fmt.Errorf("lock.driver must be 'memory' or 'redis', got %q", cfg.Lock.Driver)
	}
	if cfg.Lock.Driver == "redis" && cfg.Lock.RedisURL == "" {
		return fmt.Errorf("lock.redis_url is required when lock.driver is 'redis'")
	}

	// A conversion holds the tenant lock across the billing call.
	if hold := cfg.Billing.Timeout + cfg.Metering.LockTimeout; cfg.Lock.TTL <= hold {
		return fmt.Errorf("lock.ttl must exceed billing.timeout + metering.lock_timeout (%v), got %v", hold, cfg.Lock.TTL)
	}

	validProviders := map[string]bool{"none": true, "dummy": true, "stripe": true}
	if !validProviders[cfg.Billing.Provider] {
		return fmt.Errorf("billing.provider must be one of: none, dummy, stripe, got %q", cfg.Billing.Provider)
	}
	if cfg.Billing.Provider == "stripe" && cfg.Billing.StripeSecretKey == "" {
		return fmt.Errorf("billing.stripe_secret_key is required when billing.provider is 'stripe'")
	}

	if _, err := cfg.VariantTable(); err != nil {
		return err
	}

	l := cfg.Limits
	if l.WarningApproaching <= 0 || l.WarningCritical > 100 || l.WarningApproaching >= l.WarningCritical {
		return fmt.Errorf("limits: need 0 < warning_approaching < warning_critical <= 100, got %v and %v",
			l.WarningApproaching, l.WarningCritical)
	}

	if _, err := ParseSchedule(cfg.Sweep.ExpireSchedule); err != nil {
		return fmt.Errorf("sweep.expire_schedule: %w", err)
	}
	if _, err := ParseSchedule(cfg.Sweep.PruneSchedule); err != nil {
		return fmt.Errorf("sweep.prune_schedule: %w", err)
	}

	if cfg.Retention.AppliedEventTTL < 24*time.Hour {
		return fmt.Errorf("retention.applied_event_ttl must be at least 24h, got %v", cfg.Retention.AppliedEventTTL)
	}

	for i, w := range cfg.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}

	return nil
}

// VariantTable builds the immutable variant table. Errors wrap
// variant.ErrConfig.
func (c *Config) VariantTable() (*variant.Table, error) {
	list := make([]variant.Variant, 0, len(c.Variants.List))
	for _, v := range c.Variants.List {
		list = append(list, variant.Variant{
			Key:                     v.Key,
			CallLimit:               v.CallLimit,
			DurationLimitSeconds:    v.DurationLimitSeconds,
			TrialPeriodDays:         v.TrialPeriodDays,
			AllowWaitForAutoConvert: v.AllowWaitForAutoConvert,
			Behavior:                variant.Behavior(v.Behavior),
			Weight:                  v.Weight,
		})
	}
	return variant.NewTable(c.Variants.Version, c.Variants.Default, list)
}

// Thresholds returns the warning thresholds.
func (c *Config) Thresholds() limit.Thresholds {
	return limit.Thresholds{
		Approaching: c.Limits.WarningApproaching,
		Critical:    c.Limits.WarningCritical,
	}
}
