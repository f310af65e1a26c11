// Package config provides configuration loading from environment variables and flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/claude"
	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// Config holds all configuration for the Kiro server.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// Redis settings
	RedisURL       string
	RedisKeyPrefix string
	RedisPoolSize  int
	RedisTimeout   time.Duration

	// API settings
	APIKey string

	// HTTP client settings
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	RequestTimeout      time.Duration

	// Kiro API settings
	KiroAPITimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	// Health check
	HealthCooldown time.Duration
	MaxRetries     int

	// Token refresh
	RefreshThreshold time.Duration

	// Cache settings
	AccountCacheTTL time.Duration

	// Request size limits
	MaxKiroRequestBody int

	// Account pool defaults (store.AppConfig seeds from these when Redis has
	// never been configured; see internal/store/redisstore.defaultAppConfig).
	ProviderStrategy           store.SelectionStrategy
	MaxErrorCount              int
	HealthCheckIntervalMinutes int
	UsageSyncIntervalMinutes   int
	RequestMaxRetries          int
	RequestBaseDelay           time.Duration
	SessionExpireHours         int
	SystemPrompt               string

	// DefaultFreeAllowedModels is written onto an account's allowedModels
	// when the usage syncer observes it transition to the FREE tier while
	// allowedModels is still unset.
	DefaultFreeAllowedModels []string
}

// Load reads configuration from environment variables and command-line flags.
// Environment variables take precedence over defaults.
// Command-line flags take precedence over environment variables.
func Load() *Config {
	cfg := &Config{
		// Defaults
		Port:                9091,
		Host:                "0.0.0.0",
		GracefulTimeout:     30 * time.Second,
		RedisURL:            "redis://localhost:6379",
		RedisKeyPrefix:      "aiclient:",
		RedisPoolSize:       100, // Increased for 500+ concurrent connections
		RedisTimeout:        3 * time.Second,
		MaxConns:            100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		RequestTimeout:      0, // No timeout for streaming
		KiroAPITimeout:      5 * time.Minute,
		LogLevel:            "info",
		LogJSON:             true,
		HealthCooldown:      6 * time.Second,
		MaxRetries:          3,
		RefreshThreshold:    5 * time.Minute,
		AccountCacheTTL:     5 * time.Second,
		MaxKiroRequestBody:  claude.MaxKiroRequestBodyDefault,

		ProviderStrategy:           store.StrategyLRU,
		MaxErrorCount:              3,
		HealthCheckIntervalMinutes: 10,
		UsageSyncIntervalMinutes:   10,
		RequestMaxRetries:          3,
		RequestBaseDelay:           1000 * time.Millisecond,
		SessionExpireHours:         24,
		DefaultFreeAllowedModels:   []string{"claude-haiku-4-5"},
	}

	// Load from environment
	cfg.loadFromEnv()

	// Parse command-line flags (override env)
	cfg.parseFlags()

	return cfg
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("GO_KIRO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("GO_KIRO_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REDIS_KEY_PREFIX"); v != "" {
		c.RedisKeyPrefix = v
	}
	if v := os.Getenv("GO_KIRO_REDIS_POOL_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.RedisPoolSize = size
		}
	}
	if v := os.Getenv("GO_KIRO_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("GO_KIRO_MAX_CONNS"); v != "" {
		if conns, err := strconv.Atoi(v); err == nil {
			c.MaxConns = conns
		}
	}
	if v := os.Getenv("GO_KIRO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GO_KIRO_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("GO_KIRO_HEALTH_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HealthCooldown = d
		}
	}
	if v := os.Getenv("GO_KIRO_GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}
	if v := os.Getenv("GO_KIRO_MAX_REQUEST_BODY"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.MaxKiroRequestBody = size
		}
	}
	if v := os.Getenv("GO_KIRO_PROVIDER_STRATEGY"); v != "" {
		c.ProviderStrategy = store.SelectionStrategy(v)
	}
	if v := os.Getenv("GO_KIRO_MAX_ERROR_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxErrorCount = n
		}
	}
	if v := os.Getenv("GO_KIRO_HEALTH_CHECK_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthCheckIntervalMinutes = n
		}
	}
	if v := os.Getenv("GO_KIRO_USAGE_SYNC_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UsageSyncIntervalMinutes = n
		}
	}
	if v := os.Getenv("GO_KIRO_REQUEST_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RequestMaxRetries = n
		}
	}
	if v := os.Getenv("GO_KIRO_REQUEST_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestBaseDelay = d
		}
	}
	if v := os.Getenv("GO_KIRO_SESSION_EXPIRE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SessionExpireHours = n
		}
	}
	if v := os.Getenv("GO_KIRO_SYSTEM_PROMPT"); v != "" {
		c.SystemPrompt = v
	}
	if v := os.Getenv("GO_KIRO_DEFAULT_FREE_ALLOWED_MODELS"); v != "" {
		c.DefaultFreeAllowedModels = strings.Split(v, ",")
	}
}

// ToAppConfig converts the process bootstrap config into the seed
// store.AppConfig used the first time a deployment starts against a fresh
// Redis instance (internal/store/redisstore defaults take over once seeded).
func (c *Config) ToAppConfig() *store.AppConfig {
	return &store.AppConfig{
		Port:                       c.Port,
		Host:                       c.Host,
		ProviderStrategy:           c.ProviderStrategy,
		MaxErrorCount:              c.MaxErrorCount,
		HealthCheckIntervalMinutes: c.HealthCheckIntervalMinutes,
		UsageSyncIntervalMinutes:   c.UsageSyncIntervalMinutes,
		RequestMaxRetries:          c.RequestMaxRetries,
		RequestBaseDelay:           c.RequestBaseDelay,
		SessionExpireHours:         c.SessionExpireHours,
		SystemPrompt:               c.SystemPrompt,
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL")
	flag.StringVar(&c.RedisKeyPrefix, "redis-prefix", c.RedisKeyPrefix, "Redis key prefix")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "API key for authentication")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")

	var strategy string
	flag.StringVar(&strategy, "provider-strategy", string(c.ProviderStrategy), "Account selection strategy (lru, round_robin, least_usage, most_usage, oldest_first)")
	flag.IntVar(&c.MaxErrorCount, "max-error-count", c.MaxErrorCount, "Consecutive errors before an account is marked unhealthy")
	flag.IntVar(&c.HealthCheckIntervalMinutes, "health-check-interval-minutes", c.HealthCheckIntervalMinutes, "Background health check interval")
	flag.IntVar(&c.UsageSyncIntervalMinutes, "usage-sync-interval-minutes", c.UsageSyncIntervalMinutes, "Background usage sync interval")
	flag.IntVar(&c.RequestMaxRetries, "request-max-retries", c.RequestMaxRetries, "Max account failover retries per request")
	flag.DurationVar(&c.RequestBaseDelay, "request-base-delay", c.RequestBaseDelay, "Base delay between failover retries")
	flag.IntVar(&c.SessionExpireHours, "session-expire-hours", c.SessionExpireHours, "Session expiry in hours (OAuth flows use their own fixed expiry)")
	flag.StringVar(&c.SystemPrompt, "system-prompt", c.SystemPrompt, "System prompt prepended to every request (joined with the request's own system prompt)")
	flag.Parse()

	if strategy != "" {
		c.ProviderStrategy = store.SelectionStrategy(strategy)
	}
}
