// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all server configuration.
type Config struct {
	// Server
	Port string `env:"PORT" envDefault:"8080"`

	// Storage: Postgres wins over SQLite; with neither the store is in memory.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`

	// Redis backs the distributed founder lock and the change-event channel.
	RedisURL     string `env:"REDIS_URL"`
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"exchange:changes"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"exchange.changes"`

	// Trading
	LockBackend     string        `env:"LOCK_BACKEND" envDefault:"local"`
	LockTimeout     time.Duration `env:"LOCK_TIMEOUT" envDefault:"5s"`
	LockTTL         time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	TradeMaxRetries int           `env:"TRADE_MAX_RETRIES" envDefault:"3"`

	// Rate limiting of POST /trades; zero disables it.
	RateLimitPerMinute float64 `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST" envDefault:"10"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`

	// Tracing is off unless an OTLP/HTTP endpoint is set.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	// SeedFile lists events, founders and investors created at startup.
	SeedFile string `env:"SEED_FILE"`
}

// Load reads an optional .env file, then the environment. Variables already
// set in the environment win over the file.
func Load(dotenv ...string) (*Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.LockBackend = strings.ToLower(strings.TrimSpace(cfg.LockBackend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.LockBackend {
	case LockLocal:
	case LockRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("%w: LOCK_BACKEND=redis requires REDIS_URL", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: LOCK_BACKEND must be local or redis, got %q", ErrInvalid, c.LockBackend))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: LOCK_TIMEOUT must be positive", ErrInvalid))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("%w: LOCK_TTL must be positive", ErrInvalid))
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, fmt.Errorf("%w: rate limits must not be negative", ErrInvalid))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("%w: LOG_LEVEL %q", ErrInvalid, s)
	}
	return level, nil
}
