// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

// Storage and broker drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
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

// CrawlerConfig governs the worker pool and politeness.
type CrawlerConfig struct {
	Concurrency       int     `mapstructure:"concurrency"`
	QueueDepth        int     `mapstructure:"queue_depth"`
	JobTimeoutSeconds int     `mapstructure:"job_timeout_seconds"`
	JobMaxRetries     int     `mapstructure:"job_max_retries"`
	UserAgent         string  `mapstructure:"user_agent"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	RespectRobots     bool    `mapstructure:"respect_robots"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RegistryConfig is the default Registry used when none is stored yet.
type RegistryConfig struct {
	Shortname      string                 `mapstructure:"shortname"`
	URL            string                 `mapstructure:"url"`
	BasePath       string                 `mapstructure:"base_path"`
	Charset        string                 `mapstructure:"charset"`
	TimeoutSeconds int                    `mapstructure:"timeout_seconds"`
	Selectors      crawler.SelectorConfig `mapstructure:"selectors"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// QueueConfig selects the job broker.
type QueueConfig struct {
	Driver           string `mapstructure:"driver"`
	RedisAddr        string `mapstructure:"redis_addr"`
	RedisPassword    string `mapstructure:"redis_password"`
	RedisDB          int    `mapstructure:"redis_db"`
	Prefix           string `mapstructure:"prefix"`
	DedupeTTLSeconds int    `mapstructure:"dedupe_ttl_seconds"`
	BlockTimeoutMs   int    `mapstructure:"block_timeout_ms"`
}

// NotifyConfig routes operator notifications.
type NotifyConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	TopicID    string `mapstructure:"topic_id"`
	LogEnabled bool   `mapstructure:"log_enabled"`
}

// SchedulerConfig holds the periodic discovery and enqueue schedules.
type SchedulerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DiscoveryCron string `mapstructure:"discovery_cron"`
	EnqueueCron   string `mapstructure:"enqueue_cron"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 256)
	v.SetDefault("crawler.job_timeout_seconds", 120)
	v.SetDefault("crawler.job_max_retries", 1)
	v.SetDefault("crawler.user_agent", "registry-crawler/0.1")
	v.SetDefault("crawler.requests_per_second", 2.0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("registry.timeout_seconds", 0)
	v.SetDefault("db.driver", DriverMemory)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.migrate", true)
	v.SetDefault("queue.driver", DriverMemory)
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.prefix", "crawler")
	v.SetDefault("queue.dedupe_ttl_seconds", 3600)
	v.SetDefault("queue.block_timeout_ms", 2000)
	v.SetDefault("notify.log_enabled", true)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.discovery_cron", "0 3 * * *")
	v.SetDefault("scheduler.enqueue_cron", "*/30 * * * *")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.JobMaxRetries < 0 {
		return fmt.Errorf("crawler.job_max_retries must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}

	switch c.DB.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("db.driver %q must be %q or %q", c.DB.Driver, DriverMemory, DriverPostgres)
	}

	switch c.Queue.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr must be set when queue.driver is %q", DriverRedis)
		}
	default:
		return fmt.Errorf("queue.driver %q must be %q or %q", c.Queue.Driver, DriverMemory, DriverRedis)
	}

	if (c.Notify.ProjectID == "") != (c.Notify.TopicID == "") {
		return fmt.Errorf("notify.project_id and notify.topic_id must be set together")
	}

	if c.Scheduler.Enabled {
		for key, expr := range map[string]string{
			"scheduler.discovery_cron": c.Scheduler.DiscoveryCron,
			"scheduler.enqueue_cron":   c.Scheduler.EnqueueCron,
		} {
			if expr == "" {
				continue
			}
			if _, err := cron.ParseStandard(expr); err != nil {
				return fmt.Errorf("%s %q: %w", key, expr, err)
			}
		}
	}

	if c.Registry.URL != "" {
		if err := c.DefaultRegistry().Validate(); err != nil {
			return fmt.Errorf("registry: %w", err)
		}
	}
	return nil
}

// DefaultRegistry converts the registry section into a crawler.Registry.
// It is the zero Registry when no URL is configured.
func (c Config) DefaultRegistry() crawler.Registry {
	if c.Registry.URL == "" {
		return crawler.Registry{}
	}
	return crawler.Registry{
		Shortname: c.Registry.Shortname,
		URL:       c.Registry.URL,
		BasePath:  c.Registry.BasePath,
		Charset:   c.Registry.Charset,
		Selectors: c.Registry.Selectors,
		Timeout:   time.Duration(c.Registry.TimeoutSeconds) * time.Second,
	}
}

// FetchTimeout is the per-attempt HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// JobTimeout bounds one worker task.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Crawler.JobTimeoutSeconds) * time.Second
}

// RetryPolicy builds the fetch retry policy from the http section.
func (c Config) RetryPolicy() crawler.RetryPolicy {
	return crawler.NewExponentialRetryPolicy(
		c.HTTP.MaxRetries,
		time.Duration(c.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(c.HTTP.BackoffMaxMs)*time.Millisecond,
	)
}
