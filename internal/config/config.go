package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL                 string `env:"DATABASE_URL,required,notEmpty"`
	RedisURL                    string `env:"REDIS_URL,required,notEmpty"`
	LogLevel                    string `env:"LOG_LEVEL" envDefault:"info"`
	BaseURL                     string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	TokenExpirySeconds          int    `env:"STREAM_TOKEN_EXPIRY_SECONDS" envDefault:"300"`
	TokenMaxExpirySeconds       int    `env:"STREAM_TOKEN_MAX_EXPIRY_SECONDS" envDefault:"3600"`
	MaxTokensPerUser            int    `env:"STREAM_TOKEN_MAX_PER_USER" envDefault:"10"`
	TokenCleanupIntervalSeconds int    `env:"STREAM_TOKEN_CLEANUP_INTERVAL_SECONDS" envDefault:"60"`
	SubscriberBufferSize        int    `env:"SUBSCRIBER_BUFFER_SIZE" envDefault:"256"`
	TokenIssueRatePerMin        int    `env:"STREAM_TOKEN_ISSUE_RATE_PER_MIN" envDefault:"30"`
	StreamConnectRatePerMin     int    `env:"STREAM_CONNECT_RATE_PER_MIN" envDefault:"120"`
	Environment                 string `env:"APP_ENV" envDefault:"development"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) TokenExpiry() time.Duration {
	return time.Duration(c.TokenExpirySeconds) * time.Second
}

func (c *Config) TokenMaxExpiry() time.Duration {
	return time.Duration(c.TokenMaxExpirySeconds) * time.Second
}

func (c *Config) TokenCleanupInterval() time.Duration {
	return time.Duration(c.TokenCleanupIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}
	if c.TokenExpirySeconds <= 0 {
		return fmt.Errorf("STREAM_TOKEN_EXPIRY_SECONDS must be positive")
	}
	if c.TokenMaxExpirySeconds < c.TokenExpirySeconds {
		return fmt.Errorf("STREAM_TOKEN_MAX_EXPIRY_SECONDS must be at least STREAM_TOKEN_EXPIRY_SECONDS")
	}
	if c.MaxTokensPerUser <= 0 {
		return fmt.Errorf("STREAM_TOKEN_MAX_PER_USER must be positive")
	}
	if c.TokenCleanupIntervalSeconds <= 0 {
		return fmt.Errorf("STREAM_TOKEN_CLEANUP_INTERVAL_SECONDS must be positive")
	}
	if c.SubscriberBufferSize <= 0 {
		return fmt.Errorf("SUBSCRIBER_BUFFER_SIZE must be positive")
	}
	if c.TokenIssueRatePerMin < 0 || c.StreamConnectRatePerMin < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	if isProduction {
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if u.Scheme != "https" {
			log.Warn().Str("baseUrl", c.BaseURL).Msg("BASE_URL is not https in production: session URLs will be insecure")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &cfg, nil
}
