package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ErlanBelekov/stockorder/internal/orchestrator"
	"github.com/ErlanBelekov/stockorder/internal/upstream"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env         string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port        string `env:"PORT" envDefault:"8080" validate:"required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	UpstreamBaseURL   string `env:"UPSTREAM_BASE_URL,required" validate:"required"`
	UpstreamAPIKey    string `env:"UPSTREAM_API_KEY"           validate:"required_if=Env production,required_if=Env staging"`
	RequestTimeoutSec int    `env:"REQUEST_TIMEOUT_SEC" envDefault:"30" validate:"min=1,max=300"`

	RetryMaxAttempts       int     `env:"RETRY_MAX_ATTEMPTS" envDefault:"3" validate:"min=1,max=10"`
	RetryBaseDelayMS       int     `env:"RETRY_BASE_DELAY_MS" envDefault:"500" validate:"min=0"`
	RetryMaxDelayMS        int     `env:"RETRY_MAX_DELAY_MS" envDefault:"10000" validate:"gtefield=RetryBaseDelayMS"`
	RetryBackoffMultiplier float64 `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2" validate:"min=1"`
	RetryRespectRetryAfter bool    `env:"RETRY_RESPECT_RETRY_AFTER" envDefault:"true"`

	StockPollIntervalMS int    `env:"STOCK_POLL_INTERVAL_MS" envDefault:"2000" validate:"min=100"`
	AIPollIntervalMS    int    `env:"AI_POLL_INTERVAL_MS" envDefault:"5000" validate:"min=100"`
	PollBudgetSec       int    `env:"POLL_BUDGET_SEC" envDefault:"900" validate:"min=0"`
	JobRetentionSec     int    `env:"JOB_RETENTION_SEC" envDefault:"1800" validate:"min=1"`
	MaxPollFailures     int    `env:"MAX_POLL_FAILURES" envDefault:"3" validate:"min=1"`
	SweepSchedule       string `env:"SWEEP_SCHEDULE" envDefault:"@every 1m" validate:"required"`

	DefaultSite string `env:"DEFAULT_SITE" envDefault:"shutterstock"`
	SitesFile   string `env:"SITES_FILE"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"stockorder.jobs"`

	JWTSecret string `env:"JWT_SECRET" validate:"required_if=Env production,omitempty,min=32"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) RetryPolicy() upstream.RetryPolicy {
	return upstream.RetryPolicy{
		MaxAttempts:       c.RetryMaxAttempts,
		BaseDelay:         time.Duration(c.RetryBaseDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(c.RetryMaxDelayMS) * time.Millisecond,
		BackoffMultiplier: c.RetryBackoffMultiplier,
		RespectRetryAfter: c.RetryRespectRetryAfter,
	}
}

func (c *Config) Upstream() upstream.Config {
	return upstream.Config{
		BaseURL: c.UpstreamBaseURL,
		APIKey:  c.UpstreamAPIKey,
		Timeout: time.Duration(c.RequestTimeoutSec) * time.Second,
		Retry:   c.RetryPolicy(),
	}
}

func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		StockPollInterval: time.Duration(c.StockPollIntervalMS) * time.Millisecond,
		AIPollInterval:    time.Duration(c.AIPollIntervalMS) * time.Millisecond,
		PollBudget:        time.Duration(c.PollBudgetSec) * time.Second,
		Retention:         time.Duration(c.JobRetentionSec) * time.Second,
		MaxPollFailures:   c.MaxPollFailures,
	}
}
