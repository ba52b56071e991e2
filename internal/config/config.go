// Package config loads and validates runtime configuration for the gateway
// and the usage consumer.
//
// Values come from environment variables, an optional config.yaml in the
// working directory and an optional .env file. Environment variables win.
//
// Redis is required: it backs the usage queue, and by default also the
// response cache, the credential store and the rate limiter.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string
	// LogFormat is json or text. Default: json.
	LogFormat string

	// Environment namespaces the usage queue. Default: development.
	Environment string

	Redis       RedisConfig
	Cache       CacheConfig
	Queue       QueueConfig
	Credentials CredentialsConfig
	RateLimit   RateLimitConfig
	ClickHouse  ClickHouseConfig

	// ProviderTimeout bounds every upstream call. Default: 120s.
	ProviderTimeout time.Duration

	// Providers holds the operator's own keys, keyed by provider id. They are
	// used in credits and hybrid modes, and BaseURL overrides the default
	// endpoint for every caller.
	Providers map[string]ProviderConfig

	// CORSOrigins lists allowed origins; ["*"] allows any.
	CORSOrigins []string
}

// ProviderConfig holds one provider's operator key and endpoint override.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

type RedisConfig struct {
	// URL is a redis:// or rediss:// URL.
	URL string
}

type CacheConfig struct {
	// Mode is redis, memory or none. Default: redis.
	Mode string
}

type QueueConfig struct {
	LeaseTTL        time.Duration
	BatchSize       int
	Workers         int
	ReclaimInterval time.Duration
}

type CredentialsConfig struct {
	// Source is redis or file. Default: redis.
	Source string
	// File is the YAML file read when Source is file.
	File string
	// CacheTTL is how long lookups are cached in process. 0 disables.
	CacheTTL time.Duration
}

type RateLimitConfig struct {
	// RPMLimit is the per-project requests-per-minute limit; 0 disables.
	RPMLimit int
}

type ClickHouseConfig struct {
	DSN   string
	Table string
}

// ProviderEnv maps provider ids to the env prefix of their settings, e.g.
// TOGETHER_API_KEY for together.ai.
var ProviderEnv = []struct {
	ID     string
	Prefix string
}{
	{"openai", "OPENAI"},
	{"anthropic", "ANTHROPIC"},
	{"google-ai-studio", "GOOGLE_AI_STUDIO"},
	{"google-vertex", "GOOGLE_VERTEX"},
	{"xai", "XAI"},
	{"groq", "GROQ"},
	{"deepseek", "DEEPSEEK"},
	{"together.ai", "TOGETHER"},
	{"inference.net", "INFERENCE"},
	{"kluster.ai", "KLUSTER"},
	{"cloudrift", "CLOUDRIFT"},
}

// Load reads configuration from the environment, .env and config.yaml.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("CACHE_MODE", "redis")
	v.SetDefault("QUEUE_LEASE_TTL", "5m")
	v.SetDefault("QUEUE_BATCH_SIZE", 100)
	v.SetDefault("QUEUE_WORKERS", 2)
	v.SetDefault("QUEUE_RECLAIM_INTERVAL", "30s")
	v.SetDefault("CREDENTIALS_SOURCE", "redis")
	v.SetDefault("CREDENTIALS_FILE", "credentials.yaml")
	v.SetDefault("CREDENTIALS_CACHE_TTL", "30s")
	v.SetDefault("PROVIDER_TIMEOUT", "120s")
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("CLICKHOUSE_TABLE", "usage_records")

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:   strings.ToLower(v.GetString("LOG_FORMAT")),
		Environment: v.GetString("ENVIRONMENT"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},
		Cache: CacheConfig{Mode: strings.ToLower(v.GetString("CACHE_MODE"))},
		Queue: QueueConfig{
			LeaseTTL:        v.GetDuration("QUEUE_LEASE_TTL"),
			BatchSize:       v.GetInt("QUEUE_BATCH_SIZE"),
			Workers:         v.GetInt("QUEUE_WORKERS"),
			ReclaimInterval: v.GetDuration("QUEUE_RECLAIM_INTERVAL"),
		},
		Credentials: CredentialsConfig{
			Source:   strings.ToLower(v.GetString("CREDENTIALS_SOURCE")),
			File:     v.GetString("CREDENTIALS_FILE"),
			CacheTTL: v.GetDuration("CREDENTIALS_CACHE_TTL"),
		},
		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},
		ClickHouse: ClickHouseConfig{
			DSN:   v.GetString("CLICKHOUSE_DSN"),
			Table: v.GetString("CLICKHOUSE_TABLE"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		Providers:       make(map[string]ProviderConfig, len(ProviderEnv)),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	for _, p := range ProviderEnv {
		pc := ProviderConfig{
			APIKey:  v.GetString(p.Prefix + "_API_KEY"),
			BaseURL: v.GetString(p.Prefix + "_BASE_URL"),
		}
		if pc.APIKey != "" || pc.BaseURL != "" {
			cfg.Providers[p.ID] = pc
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the constraints defaults cannot express.
func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return errors.New("config: REDIS_URL is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}
	if strings.TrimSpace(c.Environment) == "" {
		return errors.New("config: ENVIRONMENT must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: invalid LOG_FORMAT %q; must be json or text", c.LogFormat)
	}
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	switch c.Credentials.Source {
	case "redis":
	case "file":
		if c.Credentials.File == "" {
			return errors.New("config: CREDENTIALS_FILE is required when CREDENTIALS_SOURCE=file")
		}
	default:
		return fmt.Errorf("config: invalid CREDENTIALS_SOURCE %q; must be redis or file", c.Credentials.Source)
	}

	if c.ProviderTimeout <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Queue.LeaseTTL <= 0 {
		return errors.New("config: QUEUE_LEASE_TTL must be a positive duration")
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("config: QUEUE_BATCH_SIZE must be >= 1, got %d", c.Queue.BatchSize)
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be >= 0, got %d", c.RateLimit.RPMLimit)
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
