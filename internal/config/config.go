// Package config loads application configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is stripped from environment variables before mapping them to
// config keys: KUANALU_MAILER__WEBHOOK_SECRET -> mailer.webhook_secret.
const envPrefix = "KUANALU_"

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	Database DatabaseConfig `koanf:"database"`
	CORS     CORSConfig     `koanf:"cors"`
	Mailer   MailerConfig   `koanf:"mailer"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	Migrate         bool          `koanf:"migrate"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// MailerConfig contains outbound delivery settings.
type MailerConfig struct {
	FromAddress   string        `koanf:"from_address"`
	WebhookSecret string        `koanf:"webhook_secret"`
	WebhookRPS    float64       `koanf:"webhook_rps"`
	WebhookBurst  int           `koanf:"webhook_burst"`
	Resend        ResendConfig  `koanf:"resend"`
	Retry         RetryConfig   `koanf:"retry"`
	Drain         DrainConfig   `koanf:"drain"`
	StuckAfter    time.Duration `koanf:"stuck_after"`
}

// ResendConfig contains provider API settings.
type ResendConfig struct {
	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// RetryConfig contains the retry/backoff policy.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// DrainConfig bounds a single queue drain pass.
type DrainConfig struct {
	BatchSize       int  `koanf:"batch_size"`
	IncludeRetrying bool `koanf:"include_retrying"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			Migrate:         true,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Mailer: MailerConfig{
			FromAddress:  "Kuanalu <notifications@kuanalu.app>",
			WebhookRPS:   20,
			WebhookBurst: 40,
			Resend: ResendConfig{
				BaseURL: "https://api.resend.com",
				Timeout: 10 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialBackoff:    2 * time.Minute,
				MaxBackoff:        1 * time.Hour,
				BackoffMultiplier: 2.0,
			},
			Drain: DrainConfig{
				BatchSize:       10,
				IncludeRetrying: true,
			},
			StuckAfter: 10 * time.Minute,
		},
	}
}

// Load reads configuration from the given YAML file (optional, pass "" to
// skip) and environment variables, layered over defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", path, err)
		}
	}

	// KUANALU_DATABASE__URL -> database.url
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url is required")
	}
	if c.Mailer.Retry.MaxAttempts < 1 {
		return errors.New("config: mailer.retry.max_attempts must be at least 1")
	}
	if c.Mailer.Retry.BackoffMultiplier < 1 {
		return errors.New("config: mailer.retry.backoff_multiplier must be at least 1")
	}
	if c.Mailer.Drain.BatchSize < 1 {
		return errors.New("config: mailer.drain.batch_size must be at least 1")
	}
	return nil
}
