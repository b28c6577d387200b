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
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig points at the fast shared store. An empty address disables it;
// the durable store remains authoritative either way.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ScraperConfig governs job creation limits and URL batching.
type ScraperConfig struct {
	MaxURLsPerJob  int `mapstructure:"max_urls_per_job"`
	ValidateChunk  int `mapstructure:"validate_chunk"`
	InsertBatch    int `mapstructure:"insert_batch"`
	ProgressTTLSec int `mapstructure:"progress_ttl_seconds"`
}

// FetcherConfig configures the concurrent HTTP fetcher.
type FetcherConfig struct {
	Concurrency    int     `mapstructure:"concurrency"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRedirects   int     `mapstructure:"max_redirects"`
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
	DelaySeconds   float64 `mapstructure:"delay_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
	UserAgent      string  `mapstructure:"user_agent"`
	MinBytesPerSec int64   `mapstructure:"min_bytes_per_sec"`
	StallGraceSec  int     `mapstructure:"stall_grace_seconds"`
	PerDomainRPS   float64 `mapstructure:"per_domain_rps"`
}

// ExtractorConfig toggles DNS validation of extracted email domains.
type ExtractorConfig struct {
	DNSValidation  bool `mapstructure:"dns_validation"`
	DNSCacheTTLSec int  `mapstructure:"dns_cache_ttl_seconds"`
}

// WorkerConfig governs the worker pool and per-worker batching.
type WorkerConfig struct {
	MaxWorkers          int   `mapstructure:"max_workers"`
	BatchSize           int   `mapstructure:"batch_size"`
	IdleSleepSeconds    int   `mapstructure:"idle_sleep_seconds"`
	ErrorBackoffSeconds int   `mapstructure:"error_backoff_seconds"`
	HealthCheckSeconds  int   `mapstructure:"health_check_seconds"`
	MemoryLimitBytes    int64 `mapstructure:"memory_limit_bytes"`
	HeartbeatTTLSec     int   `mapstructure:"heartbeat_ttl_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EMAILSCRAPER")
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
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.db", 1)
	v.SetDefault("scraper.max_urls_per_job", 100000)
	v.SetDefault("scraper.validate_chunk", 1000)
	v.SetDefault("scraper.insert_batch", 1000)
	v.SetDefault("scraper.progress_ttl_seconds", 86400)
	v.SetDefault("fetcher.concurrency", 10)
	v.SetDefault("fetcher.timeout_seconds", 30)
	v.SetDefault("fetcher.max_redirects", 5)
	v.SetDefault("fetcher.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetcher.delay_seconds", 1.0)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	v.SetDefault("fetcher.min_bytes_per_sec", 1024)
	v.SetDefault("fetcher.stall_grace_seconds", 30)
	v.SetDefault("fetcher.per_domain_rps", 0)
	v.SetDefault("extractor.dns_validation", true)
	v.SetDefault("extractor.dns_cache_ttl_seconds", 3600)
	v.SetDefault("worker.max_workers", 8)
	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.idle_sleep_seconds", 5)
	v.SetDefault("worker.error_backoff_seconds", 10)
	v.SetDefault("worker.health_check_seconds", 10)
	v.SetDefault("worker.memory_limit_bytes", 512*1024*1024)
	v.SetDefault("worker.heartbeat_ttl_seconds", 3600)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetcher.Concurrency <= 0 {
		return fmt.Errorf("fetcher.concurrency must be > 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Fetcher.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetcher.max_body_bytes must be > 0")
	}
	if c.Worker.MaxWorkers <= 0 {
		return fmt.Errorf("worker.max_workers must be > 0")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Scraper.MaxURLsPerJob <= 0 {
		return fmt.Errorf("scraper.max_urls_per_job must be > 0")
	}
	return nil
}

// FetchTimeout returns the per-request fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// DNSCacheTTL returns the persistent domain-cache TTL as a duration.
func (c Config) DNSCacheTTL() time.Duration {
	return time.Duration(c.Extractor.DNSCacheTTLSec) * time.Second
}
