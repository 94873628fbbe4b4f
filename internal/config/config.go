package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the chat relay
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Spark     SparkConfig     `mapstructure:"spark"`
	Prompt    PromptConfig    `mapstructure:"prompt"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	BaseURL      string   `mapstructure:"base_url"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// AdminConfig holds admin authentication configuration
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig selects the zap preset and level
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RedisConfig enables cross-instance stop signals. Empty Addr disables it.
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	StopChannel string `mapstructure:"stop_channel"`
}

// RelayConfig tunes the streaming relay
type RelayConfig struct {
	StopSignalTTL   time.Duration `mapstructure:"stop_signal_ttl"`
	SinkTimeout     time.Duration `mapstructure:"sink_timeout"`
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxLineBytes    int           `mapstructure:"max_line_bytes"`
	PersistTimeout  time.Duration `mapstructure:"persist_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	StopPollInterval time.Duration `mapstructure:"stop_poll_interval"`
}

// SparkConfig holds the spark upstream configuration
type SparkConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	APIPassword string `mapstructure:"api_password"`
}

// PromptConfig holds settings for caller-addressed OpenAI-compatible upstreams
type PromptConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AllowedHosts   []string      `mapstructure:"allowed_hosts"`
}

// WorkflowConfig holds the workflow engine configuration
type WorkflowConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RequestsPerHour int  `mapstructure:"requests_per_hour"`
	Burst           int  `mapstructure:"burst"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables, e.g. CHATRELAY_REDIS_ADDR
	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("admin.api_key", "")

	v.SetDefault("database.path", "./data/chatrelay.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stop_channel", "stop_generate_sub_pub")

	v.SetDefault("relay.stop_signal_ttl", 16*time.Second)
	v.SetDefault("relay.sink_timeout", 8*time.Minute)
	v.SetDefault("relay.buffer_size", 0)
	v.SetDefault("relay.max_line_bytes", 1<<20)
	v.SetDefault("relay.persist_timeout", 10*time.Second)
	v.SetDefault("relay.shutdown_timeout", 30*time.Second)
	v.SetDefault("relay.stop_poll_interval", 250*time.Millisecond)

	v.SetDefault("spark.base_url", "https://spark-api-open.xf-yun.com")
	v.SetDefault("spark.api_password", "")

	v.SetDefault("prompt.connect_timeout", 30*time.Second)
	v.SetDefault("prompt.allowed_hosts", []string{})

	v.SetDefault("workflow.base_url", "")
	v.SetDefault("workflow.api_key", "")
	v.SetDefault("workflow.api_secret", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_hour", 600)
	v.SetDefault("rate_limit.burst", 20)
}

// Validate rejects settings the relay cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Relay.StopSignalTTL <= 0 {
		return fmt.Errorf("relay.stop_signal_ttl must be positive")
	}
	if c.Relay.BufferSize < 0 {
		return fmt.Errorf("relay.buffer_size must not be negative")
	}
	return nil
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RedisEnabled reports whether stop signals are fanned out through Redis
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}
