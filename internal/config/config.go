// Package config loads the runtime configuration of the real-time gateway.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables. Non-positive numbers fall back to
// their defaults before the result is validated.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Notification store and task queue backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ErrMissingSecret is returned by Validate when no JWT secret is configured.
var ErrMissingSecret = errors.New("JWT_SECRET is required")

// Duration is a time.Duration that also accepts a bare integer as seconds,
// so "5" and "5s" mean the same thing.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		*d = 0
		return nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateLimitConfig defines the per-connection inbound message rate limit.
type RateLimitConfig struct {
	Burst          int      `yaml:"burst" env:"RATE_LIMIT_BURST"`
	RefillInterval Duration `yaml:"refill_interval" env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// AuthConfig configures session token verification.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer           string `yaml:"issuer" env:"JWT_ISSUER"`
	Audience         string `yaml:"audience" env:"JWT_AUDIENCE"`
	InternalAPIToken string `yaml:"internal_api_token" env:"INTERNAL_API_TOKEN"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// NotificationConfig selects the notification store and task queue.
type NotificationConfig struct {
	Store         string `yaml:"store" env:"NOTIFICATION_STORE"`
	SQLitePath    string `yaml:"sqlite_path" env:"NOTIFICATION_SQLITE_PATH"`
	Queue         string `yaml:"queue" env:"TASK_QUEUE"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisQueueKey string `yaml:"redis_queue_key" env:"REDIS_QUEUE_KEY"`
	MaxAttempts   int    `yaml:"max_attempts" env:"NOTIFICATION_MAX_ATTEMPTS"`
}

// Config holds the gateway configuration.
type Config struct {
	Port              string             `yaml:"port" env:"SERVER_PORT"`
	AllowedOrigins    []string           `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize    int64              `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	RateLimit         RateLimitConfig    `yaml:"rate_limit"`
	Auth              AuthConfig         `yaml:"auth"`
	Log               LogConfig          `yaml:"log"`
	FanoutConcurrency int                `yaml:"fanout_concurrency" env:"FANOUT_CONCURRENCY"`
	VerbTimeout       Duration           `yaml:"verb_timeout" env:"VERB_TIMEOUT"`
	ShutdownTimeout   Duration           `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	Notifications     NotificationConfig `yaml:"notifications"`
	SeedFile          string             `yaml:"seed_file" env:"SEED_FILE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: Duration(time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		FanoutConcurrency: 32,
		VerbTimeout:       Duration(10 * time.Second),
		ShutdownTimeout:   Duration(10 * time.Second),
		Notifications: NotificationConfig{
			Store:       BackendMemory,
			SQLitePath:  "data/notifications.db",
			Queue:       BackendMemory,
			MaxAttempts: 3,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if set) and the environment, then validates it.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg = Sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Sanitize replaces unusable values with defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = def.FanoutConcurrency
	}
	if cfg.VerbTimeout <= 0 {
		cfg.VerbTimeout = def.VerbTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	n := &cfg.Notifications
	n.Store = strings.ToLower(strings.TrimSpace(n.Store))
	if n.Store == "" {
		n.Store = def.Notifications.Store
	}
	n.Queue = strings.ToLower(strings.TrimSpace(n.Queue))
	if n.Queue == "" {
		n.Queue = def.Notifications.Queue
	}
	if strings.TrimSpace(n.SQLitePath) == "" {
		n.SQLitePath = def.Notifications.SQLitePath
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = def.Notifications.MaxAttempts
	}

	return cfg
}

// Validate reports configuration that cannot be used.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return ErrMissingSecret
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.Log.Format)
	}
	switch c.Notifications.Store {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("NOTIFICATION_STORE must be %s or %s, got %q", BackendMemory, BackendSQLite, c.Notifications.Store)
	}
	switch c.Notifications.Queue {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Notifications.RedisAddr) == "" {
			return fmt.Errorf("TASK_QUEUE is redis but REDIS_ADDR is not set")
		}
	default:
		return fmt.Errorf("TASK_QUEUE must be %s or %s, got %q", BackendMemory, BackendRedis, c.Notifications.Queue)
	}
	return nil
}
