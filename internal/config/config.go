// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Source    SourceConfig    `mapstructure:"source"`
	DB        DBConfig        `mapstructure:"db"`
	Export    ExportConfig    `mapstructure:"export"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HarvestConfig governs the probing and collection loop.
type HarvestConfig struct {
	Prefix                 string `mapstructure:"prefix"`
	Year                   int    `mapstructure:"year"`
	Start                  int    `mapstructure:"start"`
	Force                  bool   `mapstructure:"force"`
	MaxRetries             int    `mapstructure:"max_retries"`
	MaxExponent            int    `mapstructure:"max_exponent"`
	SafeStopThreshold      int    `mapstructure:"safe_stop_threshold"`
	MaxCases               int    `mapstructure:"max_cases"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures"`
	CasesBeforeRestart     int    `mapstructure:"cases_before_restart"`
	StateDir               string `mapstructure:"state_dir"`
}

// RateLimitConfig controls the politeness interval and backoff.
type RateLimitConfig struct {
	IntervalSeconds   float64 `mapstructure:"interval_seconds"`
	BackoffFactor     float64 `mapstructure:"backoff_factor"`
	MaxBackoffSeconds float64 `mapstructure:"max_backoff_seconds"`
}

// TrackingConfig controls skip decisions and the tracking store.
type TrackingConfig struct {
	Backend              string `mapstructure:"backend"`
	NoDataTTLDays        int    `mapstructure:"no_data_ttl_days"`
	RetryCooldownSeconds int    `mapstructure:"retry_cooldown_seconds"`
	Table                string `mapstructure:"table"`
	AuditTable           string `mapstructure:"audit_table"`
}

// SourceConfig selects and configures the registry oracle.
type SourceConfig struct {
	Kind              string  `mapstructure:"kind"`
	URLTemplate       string  `mapstructure:"url_template"`
	UserAgent         string  `mapstructure:"user_agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN            string `mapstructure:"dsn"`
	RecordsTable   string `mapstructure:"records_table"`
	SummariesTable string `mapstructure:"summaries_table"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
}

// ExportConfig selects the record sink.
type ExportConfig struct {
	Kind    string `mapstructure:"kind"`
	BaseDir string `mapstructure:"base_dir"`
}

// ServerConfig controls the operator HTTP surface.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
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
	v.SetDefault("harvest.prefix", "HC")
	v.SetDefault("harvest.start", 1)
	v.SetDefault("harvest.max_retries", 3)
	v.SetDefault("harvest.max_exponent", 16)
	v.SetDefault("harvest.safe_stop_threshold", 50)
	v.SetDefault("harvest.max_cases", 20000)
	v.SetDefault("harvest.max_consecutive_failures", 10)
	v.SetDefault("harvest.cases_before_restart", 500)
	v.SetDefault("harvest.state_dir", "data/state")
	v.SetDefault("rate_limit.interval_seconds", 3)
	v.SetDefault("rate_limit.backoff_factor", 2)
	v.SetDefault("rate_limit.max_backoff_seconds", 300)
	v.SetDefault("tracking.backend", "postgres")
	v.SetDefault("tracking.no_data_ttl_days", 30)
	v.SetDefault("tracking.retry_cooldown_seconds", 3600)
	v.SetDefault("tracking.table", "case_tracking")
	v.SetDefault("tracking.audit_table", "case_audit")
	v.SetDefault("source.kind", "http")
	v.SetDefault("source.user_agent", "docket-harvester/1.0")
	v.SetDefault("source.timeout_seconds", 15)
	v.SetDefault("source.nav_timeout_seconds", 45)
	v.SetDefault("source.requests_per_second", 0.5)
	v.SetDefault("db.records_table", "docket_records")
	v.SetDefault("db.summaries_table", "run_summaries")
	v.SetDefault("export.kind", "postgres")
	v.SetDefault("export.base_dir", "data/dockets")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Harvest.Prefix) == "" {
		return fmt.Errorf("harvest.prefix is required")
	}
	if c.Harvest.Year < 0 || (c.Harvest.Year > 99 && c.Harvest.Year < 2000) {
		return fmt.Errorf("harvest.year must be a two-digit or four-digit year")
	}
	if c.Harvest.Start < 1 {
		return fmt.Errorf("harvest.start must be >= 1")
	}
	if c.Harvest.MaxRetries < 1 {
		return fmt.Errorf("harvest.max_retries must be >= 1")
	}
	if c.Harvest.MaxExponent < 1 || c.Harvest.MaxExponent > 30 {
		return fmt.Errorf("harvest.max_exponent must be in [1, 30]")
	}
	if c.Harvest.SafeStopThreshold < 1 {
		return fmt.Errorf("harvest.safe_stop_threshold must be >= 1")
	}
	if c.Harvest.MaxCases < 1 {
		return fmt.Errorf("harvest.max_cases must be >= 1")
	}
	if c.Harvest.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("harvest.max_consecutive_failures must be >= 1")
	}
	if c.RateLimit.IntervalSeconds <= 0 {
		return fmt.Errorf("rate_limit.interval_seconds must be > 0")
	}
	if c.RateLimit.BackoffFactor < 1 {
		return fmt.Errorf("rate_limit.backoff_factor must be >= 1")
	}
	switch c.Tracking.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("tracking.backend must be memory or postgres, got %q", c.Tracking.Backend)
	}
	switch c.Source.Kind {
	case "http", "browser":
	default:
		return fmt.Errorf("source.kind must be http or browser, got %q", c.Source.Kind)
	}
	if !strings.Contains(c.Source.URLTemplate, "%s") {
		return fmt.Errorf("source.url_template must contain a %%s placeholder")
	}
	switch c.Export.Kind {
	case "postgres", "fs":
	default:
		return fmt.Errorf("export.kind must be postgres or fs, got %q", c.Export.Kind)
	}
	if c.needsDB() && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when tracking or export uses postgres")
	}
	if c.Export.Kind == "fs" && strings.TrimSpace(c.Export.BaseDir) == "" {
		return fmt.Errorf("export.base_dir is required when export.kind is fs")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

func (c Config) needsDB() bool {
	return c.Tracking.Backend == "postgres" || c.Export.Kind == "postgres"
}

// YearTwoDigit normalizes harvest.year to its two-digit form.
func (c Config) YearTwoDigit() int {
	return c.Harvest.Year % 100
}

// Interval returns the politeness interval as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.RateLimit.IntervalSeconds * float64(time.Second))
}

// MaxBackoff returns the backoff cap as a duration.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.RateLimit.MaxBackoffSeconds * float64(time.Second))
}

// NoDataTTL returns how long a no_data verdict stays trusted.
func (c Config) NoDataTTL() time.Duration {
	return time.Duration(c.Tracking.NoDataTTLDays) * 24 * time.Hour
}

// RetryCooldown returns the minimum gap between attempts on a
// non-terminal id.
func (c Config) RetryCooldown() time.Duration {
	return time.Duration(c.Tracking.RetryCooldownSeconds) * time.Second
}

// SourceTimeout returns the per-request timeout for the HTTP source.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// NavTimeout returns the navigation timeout for the browser source.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Source.NavTimeoutSeconds) * time.Second
}
