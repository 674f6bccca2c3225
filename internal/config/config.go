// Package config loads gateway configuration from the environment.
//
// Priority: OS environment > .env file > struct defaults, matching the
// caarlos0/env + godotenv pattern used throughout the teacher's variants.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	// Gateway shell
	WSPort       int    `env:"WS_PORT" envDefault:"3333"`
	WSTestMode   bool   `env:"WS_TEST_MODE" envDefault:"false"`
	UpstreamHost string `env:"UPSTREAM_HOST" envDefault:"hq.sinajs.cn"`

	// Auth
	SessionSigningKey string        `env:"SESSION_SIGNING_KEY" envDefault:"dev-only-insecure-key"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	// Scheduled trigger
	CronSecret string `env:"CRON_SECRET" envDefault:""`

	// Web Push
	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY" envDefault:""`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY" envDefault:""`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:ops@example.com"`

	// Internal alert bus
	NATSURL string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	// Cadence / sizing, all named in spec.md §6
	FanoutInterval       time.Duration `env:"FANOUT_INTERVAL" envDefault:"1s"`
	QuoteBatchSize       int           `env:"QUOTE_BATCH_SIZE" envDefault:"800"`
	QuoteFetchTimeout    time.Duration `env:"QUOTE_FETCH_TIMEOUT" envDefault:"5s"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	NotificationCooldown time.Duration `env:"NOTIFICATION_COOLDOWN" envDefault:"300s"`
	TimeWindowSpan       time.Duration `env:"TIME_WINDOW_SPAN" envDefault:"3600s"`
	CompressionThreshold float64       `env:"COMPRESSION_THRESHOLD_PCT" envDefault:"0.01"`
	IntradayHistoryCap   int           `env:"INTRADAY_HISTORY_CAP" envDefault:"14400"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Resource guard (internal/resources). MaxConnections 0 means "derive
	// from the container's cgroup memory limit at startup".
	MaxConnections       int     `env:"MAX_CONNECTIONS" envDefault:"0"`
	CPURejectPercent     float64 `env:"CPU_REJECT_PERCENT" envDefault:"90"`
	MaxBroadcastsPerSec  float64 `env:"MAX_BROADCASTS_PER_SEC" envDefault:"2000"`
	MaxBusMessagesPerSec float64 `env:"MAX_BUS_MESSAGES_PER_SEC" envDefault:"500"`
	MaxGoroutines        int     `env:"MAX_GOROUTINES" envDefault:"100000"`
}

// Load reads .env (if present) then parses the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("info: no .env file found, using process environment only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would make the gateway misbehave
// silently rather than fail fast at startup.
func (c *Config) Validate() error {
	if c.WSPort <= 0 || c.WSPort > 65535 {
		return fmt.Errorf("WS_PORT must be 1-65535, got %d", c.WSPort)
	}
	if c.QuoteBatchSize <= 0 || c.QuoteBatchSize > 800 {
		return fmt.Errorf("QUOTE_BATCH_SIZE must be 1-800, got %d", c.QuoteBatchSize)
	}
	if c.FanoutInterval <= 0 {
		return fmt.Errorf("FANOUT_INTERVAL must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error, got %q", c.LogLevel)
	}
	return nil
}

// Log emits the loaded configuration as structured fields, mirroring the
// teacher's LogConfig pattern.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("ws_port", c.WSPort).
		Bool("ws_test_mode", c.WSTestMode).
		Str("upstream_host", c.UpstreamHost).
		Dur("fanout_interval", c.FanoutInterval).
		Int("quote_batch_size", c.QuoteBatchSize).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("notification_cooldown", c.NotificationCooldown).
		Str("log_level", c.LogLevel).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_percent", c.CPURejectPercent).
		Msg("configuration loaded")
}
