// Package config loads server configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backend selectors.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Config holds every recognized option with its resolved value.
type Config struct {
	ListenAddr   string `mapstructure:"listenAddr"`
	MongoURI     string `mapstructure:"mongoUri"`
	MongoDB      string `mapstructure:"mongoDb"`
	RedisAddr    string `mapstructure:"redisAddr"`
	CacheBackend string `mapstructure:"cacheBackend"`
	BadgerPath   string `mapstructure:"badgerPath"`

	AdminUserID string `mapstructure:"adminUserId"`

	FlushIntervalMs            int `mapstructure:"flushIntervalMs"`
	CacheTTLSeconds            int `mapstructure:"cacheTTLSeconds"`
	HistoryMaxOps              int `mapstructure:"historyMaxOps"`
	ConnectionRatePerMinute    int `mapstructure:"connectionRatePerMinute"`
	LoadDocumentTimeoutSeconds int `mapstructure:"loadDocumentTimeoutSeconds"`

	EventRatePerSecond struct {
		Document int `mapstructure:"document"`
		General  int `mapstructure:"general"`
	} `mapstructure:"eventRatePerSecond"`

	LogLevel string `mapstructure:"logLevel"`
	LogDev   bool   `mapstructure:"logDev"`
}

// Load reads an optional YAML config file and the COLLABEDIT_* environment,
// applying defaults for everything unset. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listenAddr", ":8080")
	v.SetDefault("mongoUri", "mongodb://localhost:27017")
	v.SetDefault("mongoDb", "collabedit")
	v.SetDefault("redisAddr", "localhost:6379")
	v.SetDefault("cacheBackend", BackendMemory)
	v.SetDefault("badgerPath", "/tmp/collabedit-cache")
	v.SetDefault("adminUserId", "")
	v.SetDefault("flushIntervalMs", 2000)
	v.SetDefault("cacheTTLSeconds", 3600)
	v.SetDefault("historyMaxOps", 1000)
	v.SetDefault("connectionRatePerMinute", 10)
	v.SetDefault("loadDocumentTimeoutSeconds", 10)
	v.SetDefault("eventRatePerSecond.document", 30)
	v.SetDefault("eventRatePerSecond.general", 50)
	v.SetDefault("logLevel", "info")
	v.SetDefault("logDev", false)

	v.SetEnvPrefix("COLLABEDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.CacheBackend {
	case BackendMemory, BackendRedis, BackendBadger:
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	if c.FlushIntervalMs <= 0 {
		return fmt.Errorf("flushIntervalMs must be positive, got %d", c.FlushIntervalMs)
	}
	if c.HistoryMaxOps <= 0 {
		return fmt.Errorf("historyMaxOps must be positive, got %d", c.HistoryMaxOps)
	}
	if c.CacheTTLSeconds <= 0 {
		return fmt.Errorf("cacheTTLSeconds must be positive, got %d", c.CacheTTLSeconds)
	}
	return nil
}

// FlushInterval returns the persistence coalescing window.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// CacheTTL returns the document cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// LoadTimeout returns the get-document store round-trip budget.
func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.LoadDocumentTimeoutSeconds) * time.Second
}
