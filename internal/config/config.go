// Package config loads and hot-reloads the proxy's runtime configuration.
// Structure and loading style follow the teacher's config_loader.go /
// config_env.go split: a YAML file provides the base, environment
// variables override individual fields, and a subset of fields may be
// changed live via fsnotify without a restart.
package config

import "time"

// AuthConfig controls how callers authenticate to the proxy itself.
type AuthConfig struct {
	Credentials         []string `yaml:"credentials" json:"credentials"`
	AdminCredential     string   `yaml:"admin_credential" json:"admin_credential"`
	AdminCredentialHash string   `yaml:"admin_credential_hash" json:"admin_credential_hash"` // bcrypt, optional alternative to AdminCredential
	JWTSecret        string   `yaml:"jwt_secret" json:"jwt_secret"`
	JWTAlgorithm     string   `yaml:"jwt_algorithm" json:"jwt_algorithm"`
	JWTTTLMinutes    int      `yaml:"jwt_ttl_minutes" json:"jwt_ttl_minutes"`
	CredentialSource string   `yaml:"credential_source" json:"credential_source"` // memory|database
}

// UpstreamConfig describes the pool of upstream keys and where they live.
type UpstreamConfig struct {
	Keys        []UpstreamKeySeed `yaml:"keys" json:"keys"` // memory mode seed list
	StorageMode string            `yaml:"storage_mode" json:"storage_mode"` // memory|database
	BaseURL     string            `yaml:"base_url" json:"base_url"`
	ConnectTimeoutSec int         `yaml:"connect_timeout_sec" json:"connect_timeout_sec"`
	ReadTimeoutSec    int         `yaml:"read_timeout_sec" json:"read_timeout_sec"`
}

// UpstreamKeySeed is a memory-mode bootstrap entry for an Upstream Key.
type UpstreamKeySeed struct {
	ID                       string `yaml:"id" json:"id"`
	Secret                   string `yaml:"secret" json:"secret"`
	Description              string `yaml:"description" json:"description"`
	ContextCompletionEnabled bool   `yaml:"context_completion_enabled" json:"context_completion_enabled"`
}

// RateLimitConfig caps inbound requests per client IP.
type RateLimitConfig struct {
	PerIPPerMinute int `yaml:"per_ip_per_minute" json:"per_ip_per_minute"`
	PerIPPerDay    int `yaml:"per_ip_per_day" json:"per_ip_per_day"`
}

// ContextConfig configures the Context Store.
type ContextConfig struct {
	StorageMode               string `yaml:"storage_mode" json:"storage_mode"` // memory|database
	DBDSN                     string `yaml:"db_dsn" json:"db_dsn"`
	DefaultTTLDays            int    `yaml:"default_ttl_days" json:"default_ttl_days"`
	DefaultMaxTokens          int    `yaml:"default_max_tokens" json:"default_max_tokens"`
	SafetyMargin              int    `yaml:"safety_margin" json:"safety_margin"`
	MemoryCleanupIntervalSec  int    `yaml:"memory_cleanup_interval_sec" json:"memory_cleanup_interval_sec"`
	MemoryMaxRecords          int    `yaml:"memory_max_records" json:"memory_max_records"`
}

// CacheConfig controls native upstream content-cache reuse.
type CacheConfig struct {
	Enabled               bool   `yaml:"enabled" json:"enabled"`
	RefreshIntervalSec    int    `yaml:"refresh_interval_sec" json:"refresh_interval_sec"`
	RedisAddr             string `yaml:"redis_addr" json:"redis_addr"`
	RedisDB               int    `yaml:"redis_db" json:"redis_db"`
}

// SchedulerConfig drives the background task cadence.
type SchedulerConfig struct {
	UsageReportIntervalMinutes int    `yaml:"usage_report_interval_minutes" json:"usage_report_interval_minutes"`
	QuotaTimezone              string `yaml:"quota_timezone" json:"quota_timezone"`
	ScoreCacheRefreshSec       int    `yaml:"score_cache_refresh_sec" json:"score_cache_refresh_sec"`
	CacheSweepIntervalSec      int    `yaml:"cache_sweep_interval_sec" json:"cache_sweep_interval_sec"`
}

// SafetyConfig mirrors the upstream provider's content-safety knobs.
type SafetyConfig struct {
	DisableSafetyFiltering bool `yaml:"disable_safety_filtering" json:"disable_safety_filtering"`
}

// LoggingConfig controls log rotation/retention, mirroring the teacher's
// sirupsen/logrus + lumberjack-style file rotation settings.
type LoggingConfig struct {
	Debug          bool   `yaml:"debug" json:"debug"`
	LogFile        string `yaml:"log_file" json:"log_file"`
	MaxFileSizeMB  int    `yaml:"max_file_size_mb" json:"max_file_size_mb"`
	BackupCount    int    `yaml:"backup_count" json:"backup_count"`
	RotationDays   int    `yaml:"rotation_days" json:"rotation_days"`
	CleanupDays    int    `yaml:"cleanup_days" json:"cleanup_days"`
}

// KeyPoolConfig tunes selection and rotation behavior.
type KeyPoolConfig struct {
	StorageMode          string  `yaml:"storage_mode" json:"storage_mode"` // memory|database (mongo)
	MongoURI             string  `yaml:"mongo_uri" json:"mongo_uri"`
	MongoDatabase        string  `yaml:"mongo_database" json:"mongo_database"`
	WeightRPD            float64 `yaml:"weight_rpd" json:"weight_rpd"`
	WeightTPD            float64 `yaml:"weight_tpd" json:"weight_tpd"`
	WeightRPM            float64 `yaml:"weight_rpm" json:"weight_rpm"`
	WeightTPM            float64 `yaml:"weight_tpm" json:"weight_tpm"`
	TopBandPercent        float64 `yaml:"top_band_percent" json:"top_band_percent"`
	StickySessions        bool    `yaml:"sticky_sessions" json:"sticky_sessions"`
	StickyTTLSeconds      int     `yaml:"sticky_ttl_seconds" json:"sticky_ttl_seconds"`
	CooldownBaseMS        int     `yaml:"cooldown_base_ms" json:"cooldown_base_ms"`
	CooldownMaxMS         int     `yaml:"cooldown_max_ms" json:"cooldown_max_ms"`
	SelectionAttemptCap   int     `yaml:"selection_attempt_cap" json:"selection_attempt_cap"`
	AutoBan               AutoBanConfig `yaml:"auto_ban" json:"auto_ban"`
	FallbackInputTokenLimit int   `yaml:"fallback_input_token_limit" json:"fallback_input_token_limit"`
}

// AutoBanConfig mirrors the teacher's Credential auto-ban thresholds
// (internal/credential/types.go), reused verbatim in internal/keypool.
type AutoBanConfig struct {
	Enabled              bool `yaml:"enabled" json:"enabled"`
	Threshold429         int  `yaml:"threshold_429" json:"threshold_429"`
	Threshold403         int  `yaml:"threshold_403" json:"threshold_403"`
	Threshold401         int  `yaml:"threshold_401" json:"threshold_401"`
	Threshold5xx         int  `yaml:"threshold_5xx" json:"threshold_5xx"`
	ConsecutiveFailLimit int  `yaml:"consecutive_fail_limit" json:"consecutive_fail_limit"`
}

// Config is the fully-resolved, process-wide configuration. A Config value
// is not mutated after loading; a file change makes Manager build and swap
// in a new one.
type Config struct {
	Port int `yaml:"port" json:"port"`

	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Context   ContextConfig   `yaml:"context" json:"context"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Safety    SafetyConfig    `yaml:"safety" json:"safety"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	KeyPool   KeyPoolConfig   `yaml:"key_pool" json:"key_pool"`

	LimitsFile string `yaml:"limits_file" json:"limits_file"`
}

// Defaults returns a Config with every field set to the value the teacher
// repo's config_defaults.go would have shipped for the equivalent setting.
func Defaults() *Config {
	return &Config{
		Port: 8080,
		Auth: AuthConfig{
			CredentialSource: "memory",
			JWTAlgorithm:     "HS256",
			JWTTTLMinutes:    60,
		},
		Upstream: UpstreamConfig{
			StorageMode:       "memory",
			ConnectTimeoutSec: 10,
			ReadTimeoutSec:    120,
		},
		RateLimit: RateLimitConfig{
			PerIPPerMinute: 60,
			PerIPPerDay:    5000,
		},
		Context: ContextConfig{
			StorageMode:              "memory",
			DefaultTTLDays:           7,
			DefaultMaxTokens:         32000,
			SafetyMargin:             512,
			MemoryCleanupIntervalSec: 300,
			MemoryMaxRecords:         10000,
		},
		Cache: CacheConfig{
			Enabled:            false,
			RefreshIntervalSec: 60,
		},
		Scheduler: SchedulerConfig{
			UsageReportIntervalMinutes: 60,
			QuotaTimezone:              "America/Los_Angeles",
			ScoreCacheRefreshSec:       30,
			CacheSweepIntervalSec:      300,
		},
		Logging: LoggingConfig{
			MaxFileSizeMB: 100,
			BackupCount:   5,
			RotationDays:  1,
			CleanupDays:   30,
		},
		KeyPool: KeyPoolConfig{
			StorageMode:         "memory",
			WeightRPD:           0.4,
			WeightTPD:           0.3,
			WeightRPM:           0.15,
			WeightTPM:           0.15,
			TopBandPercent:      0.10,
			StickyTTLSeconds:    300,
			CooldownBaseMS:      2000,
			CooldownMaxMS:       60000,
			SelectionAttemptCap: 5,
			AutoBan: AutoBanConfig{
				Enabled:              true,
				Threshold429:         5,
				Threshold403:         3,
				Threshold401:         3,
				Threshold5xx:         8,
				ConsecutiveFailLimit: 10,
			},
			FallbackInputTokenLimit: 32000,
		},
	}
}

// QuotaLocation resolves the configured quota timezone, falling back to
// UTC if the name is unset or unknown (spec §9 Open Question: the source
// hardcoded US Pacific; this makes it configurable per the recommendation).
func (c *Config) QuotaLocation() *time.Location {
	name := c.Scheduler.QuotaTimezone
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
