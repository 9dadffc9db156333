// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the PetChat service.
package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "PETCHAT_"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"BURST" envDefault:"20"`
	RefillInterval time.Duration `env:"REFILL_INTERVAL" envDefault:"1s"`
}

// AIConfig configures the AI provider and the analysis worker pool.
type AIConfig struct {
	APIKey         string        `env:"API_KEY"`
	APIBase        string        `env:"API_BASE"`
	Model          string        `env:"MODEL" envDefault:"gpt-4o-mini"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"60s"`
	Workers        int           `env:"WORKERS" envDefault:"4"`
	QueueSize      int           `env:"QUEUE_SIZE" envDefault:"64"`
	MaxTurns       int           `env:"MAX_TURNS" envDefault:"50"`
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"1h"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
}

// Enabled reports whether enough is configured to build a provider client.
func (c AIConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != "" || strings.TrimSpace(c.APIBase) != ""
}

// Config holds the server configuration settings including security controls.
type Config struct {
	ListenAddr      string          `env:"LISTEN_ADDR" envDefault:":8888"`
	HTTPAddr        string          `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	RelayAddr       string          `env:"RELAY_ADDR" envDefault:":9000"`
	AllowedOrigins  []string        `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	MaxMessageSize  int64           `env:"MAX_MESSAGE_SIZE" envDefault:"1048576"`
	WriteTimeout    time.Duration   `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration   `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	DatabasePath    string          `env:"DB_PATH"`
	RedisAddr       string          `env:"REDIS_ADDR"`
	RateLimit       RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	AI              AIConfig        `envPrefix:"AI_"`
}

// DefaultConfig returns the configuration used when no variables are set.
func DefaultConfig() Config {
	cfg, err := LoadConfigFrom(map[string]string{})
	if err != nil {
		// Defaults are static tags; a failure here is a programming error.
		panic(fmt.Sprintf("server: invalid default configuration: %v", err))
	}
	return cfg
}

// LoadConfig reads PETCHAT_* variables from the process environment.
func LoadConfig() (Config, error) {
	return LoadConfigFrom(nil)
}

// LoadConfigFrom reads PETCHAT_* variables from environ. A nil map reads
// the process environment.
func LoadConfigFrom(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8888"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.AI.Workers <= 0 {
		cfg.AI.Workers = 4
	}

	if cfg.AI.QueueSize <= 0 {
		cfg.AI.QueueSize = 64
	}

	if cfg.AI.MaxTurns <= 0 {
		cfg.AI.MaxTurns = 50
	}

	if cfg.AI.SessionTimeout <= 0 {
		cfg.AI.SessionTimeout = time.Hour
	}

	if cfg.AI.SweepInterval <= 0 {
		cfg.AI.SweepInterval = 5 * time.Minute
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// LogValue keeps the API key out of structured logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("listen_addr", c.ListenAddr),
		slog.String("http_addr", c.HTTPAddr),
		slog.Int64("max_message_size", c.MaxMessageSize),
		slog.Int("rate_limit_burst", c.RateLimit.Burst),
		slog.Bool("ai_enabled", c.AI.Enabled()),
		slog.String("ai_model", c.AI.Model),
		slog.Int("ai_workers", c.AI.Workers),
		slog.Bool("persistence", c.DatabasePath != ""),
		slog.Bool("redis", c.RedisAddr != ""),
	)
}
