package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Coordinator   CoordinatorConfig `mapstructure:"coordinator"`
	Integrator    IntegratorConfig  `mapstructure:"integrator"`
	Database      DatabaseConfig    `mapstructure:"database"`
	Redis         RedisConfig       `mapstructure:"redis"`
	Marketplace   PlatformConfig    `mapstructure:"marketplace"`
	VideoPlatform PlatformConfig    `mapstructure:"video_platform"`
	Schedule      ScheduleConfig    `mapstructure:"schedule"`
	Backup        BackupConfig      `mapstructure:"backup"`
	Export        ExportConfig      `mapstructure:"export"`
	Metrics       MetricsConfig     `mapstructure:"metrics"`
	Log           LogConfig         `mapstructure:"log"`
}

// CoordinatorConfig controls task dispatch and retries
type CoordinatorConfig struct {
	ConcurrencyLimit int            `mapstructure:"concurrency_limit"`
	PlatformLimits   map[string]int `mapstructure:"platform_limits"`
	MaxRetries       int            `mapstructure:"max_retries"` // Total attempts per task
	BaseDelay        time.Duration  `mapstructure:"base_delay"`
	MaxRetryDelay    time.Duration  `mapstructure:"max_retry_delay"`
	TaskTimeout      time.Duration  `mapstructure:"task_timeout"`
	MinRerunInterval time.Duration  `mapstructure:"min_rerun_interval"`
}

// IntegratorConfig holds normalization and dedup thresholds
type IntegratorConfig struct {
	PriceCeiling   float64 `mapstructure:"price_ceiling"`
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
	PriceTolerance float64 `mapstructure:"price_tolerance"`
	Workers        int     `mapstructure:"workers"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Name             string        `mapstructure:"name"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	SSLMode          string        `mapstructure:"sslmode"`
	PoolSize         int           `mapstructure:"pool_size"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	PersistWorkers   int           `mapstructure:"persist_workers"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// RedisConfig holds Redis connection details
type RedisConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Password      string        `mapstructure:"password"`
	Database      int           `mapstructure:"database"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	MinIdleTime   time.Duration `mapstructure:"min_idle_time"`
	MaxReplays    int           `mapstructure:"max_replays"`
}

// PlatformConfig describes one source platform and what to collect from it
type PlatformConfig struct {
	Enabled              bool              `mapstructure:"enabled"`
	BaseURL              string            `mapstructure:"base_url"`
	SearchPath           string            `mapstructure:"search_path"`
	APIKey               string            `mapstructure:"api_key"`
	UserAgent            string            `mapstructure:"user_agent"`
	Timeout              time.Duration     `mapstructure:"timeout"`
	MaxRequestsPerSecond int               `mapstructure:"max_requests_per_second"`
	MaxPages             int               `mapstructure:"max_pages"`
	Categories           []string          `mapstructure:"categories"`
	Keywords             []string          `mapstructure:"keywords"`
	Proxies              []string          `mapstructure:"proxies"`
	Selectors            map[string]string `mapstructure:"selectors"`
	RateLimitCooldown    time.Duration     `mapstructure:"rate_limit_cooldown"`
}

type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval"` // 0 runs a single cycle
}

type BackupConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type ExportConfig struct {
	Dir string `mapstructure:"dir"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads config.yaml from the current directory with environment variable overrides
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads the given file, or config.yaml from the working directory when path is empty.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Defaults plus environment are a complete configuration.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("decode defaults: %v", err))
	}
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("coordinator.concurrency_limit", 4)
	v.SetDefault("coordinator.platform_limits", map[string]int{
		"marketplace":    2,
		"video_platform": 1,
	})
	v.SetDefault("coordinator.max_retries", 3)
	v.SetDefault("coordinator.base_delay", "2s")
	v.SetDefault("coordinator.max_retry_delay", "30s")
	v.SetDefault("coordinator.task_timeout", "5m")
	v.SetDefault("coordinator.min_rerun_interval", "0s")

	v.SetDefault("integrator.price_ceiling", 1000.0)
	v.SetDefault("integrator.fuzzy_threshold", 0.85)
	v.SetDefault("integrator.price_tolerance", 0.10)
	v.SetDefault("integrator.workers", 8)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "apparel")
	v.SetDefault("database.user", "apparel_user")
	v.SetDefault("database.password", "apparel_pass")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.acquire_timeout", "10s")
	v.SetDefault("database.history_retention", "8760h")
	v.SetDefault("database.persist_workers", 4)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.consumer_group", "apparel_consumer")
	v.SetDefault("redis.min_idle_time", "2m")
	v.SetDefault("redis.max_replays", 3)

	v.SetDefault("marketplace.enabled", true)
	v.SetDefault("marketplace.base_url", "https://www.marketplace.example")
	v.SetDefault("marketplace.search_path", "/search")
	v.SetDefault("marketplace.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("marketplace.timeout", "30s")
	v.SetDefault("marketplace.max_requests_per_second", 2)
	v.SetDefault("marketplace.max_pages", 5)
	v.SetDefault("marketplace.categories", []string{"tshirt", "hoodie", "sweatshirt"})
	v.SetDefault("marketplace.rate_limit_cooldown", "1m")
	v.SetDefault("marketplace.selectors", map[string]string{
		"item":           "div.product-item",
		"title":          ".product-title",
		"price":          ".price-current",
		"original_price": ".price-original",
		"rating":         ".rating",
		"reviews":        ".review-count",
		"sales":          ".sales-count",
		"store":          ".store-name",
		"link":           "a.product-link",
		"image":          "img",
		"next":           "a.next-page",
	})

	v.SetDefault("video_platform.enabled", true)
	v.SetDefault("video_platform.base_url", "https://api.video.example")
	v.SetDefault("video_platform.search_path", "/v1/shop/search")
	v.SetDefault("video_platform.user_agent", "apparel-catalog/1.0")
	v.SetDefault("video_platform.timeout", "30s")
	v.SetDefault("video_platform.max_requests_per_second", 1)
	v.SetDefault("video_platform.max_pages", 3)
	v.SetDefault("video_platform.categories", []string{"tshirt", "hoodie", "sweatshirt"})
	v.SetDefault("video_platform.rate_limit_cooldown", "1m")

	v.SetDefault("schedule.interval", "0s")

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.dir", "./backups")
	v.SetDefault("backup.retention_days", 30)

	v.SetDefault("export.dir", "")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks values that would make a component misbehave.
func (c *Config) Validate() error {
	if c.Coordinator.ConcurrencyLimit <= 0 {
		return fmt.Errorf("coordinator concurrency limit must be > 0, got %d", c.Coordinator.ConcurrencyLimit)
	}
	for platform, limit := range c.Coordinator.PlatformLimits {
		if limit < 0 {
			return fmt.Errorf("coordinator platform limit for %s must be >= 0, got %d", platform, limit)
		}
	}
	if c.Coordinator.MaxRetries < 1 {
		return fmt.Errorf("coordinator max retries must be >= 1, got %d", c.Coordinator.MaxRetries)
	}
	if c.Coordinator.BaseDelay < 0 || c.Coordinator.MaxRetryDelay < 0 {
		return fmt.Errorf("coordinator retry delays must not be negative")
	}
	if c.Coordinator.TaskTimeout <= 0 {
		return fmt.Errorf("coordinator task timeout must be > 0")
	}
	if c.Integrator.PriceCeiling <= 0 {
		return fmt.Errorf("integrator price ceiling must be > 0")
	}
	if c.Integrator.FuzzyThreshold <= 0 || c.Integrator.FuzzyThreshold > 1 {
		return fmt.Errorf("integrator fuzzy threshold must be in (0, 1], got %v", c.Integrator.FuzzyThreshold)
	}
	if c.Integrator.PriceTolerance < 0 || c.Integrator.PriceTolerance >= 1 {
		return fmt.Errorf("integrator price tolerance must be in [0, 1), got %v", c.Integrator.PriceTolerance)
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database pool size must be > 0, got %d", c.Database.PoolSize)
	}
	if c.Database.AcquireTimeout <= 0 {
		return fmt.Errorf("database acquire timeout must be > 0")
	}
	for name, p := range map[string]PlatformConfig{"marketplace": c.Marketplace, "video_platform": c.VideoPlatform} {
		if !p.Enabled {
			continue
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s base URL %q is invalid", name, p.BaseURL)
		}
		if p.MaxPages < 1 {
			return fmt.Errorf("%s max pages must be >= 1", name)
		}
		if p.MaxRequestsPerSecond < 1 {
			return fmt.Errorf("%s max requests per second must be >= 1", name)
		}
	}
	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule interval must not be negative")
	}
	if c.Backup.Enabled && c.Backup.Dir == "" {
		return fmt.Errorf("backup dir is required when backups are enabled")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
