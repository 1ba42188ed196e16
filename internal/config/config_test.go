package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("TokenExpiry converts seconds to duration", func(t *testing.T) {
		cfg := &Config{TokenExpirySeconds: 300}
		assert.Equal(t, 5*time.Minute, cfg.TokenExpiry())
	})

	t.Run("TokenMaxExpiry converts seconds to duration", func(t *testing.T) {
		cfg := &Config{TokenMaxExpirySeconds: 3600}
		assert.Equal(t, time.Hour, cfg.TokenMaxExpiry())
	})

	t.Run("TokenCleanupInterval converts seconds to duration", func(t *testing.T) {
		cfg := &Config{TokenCleanupIntervalSeconds: 60}
		assert.Equal(t, time.Minute, cfg.TokenCleanupInterval())
	})
}

func validConfig() *Config {
	return &Config{
		Port:                        8080,
		DatabaseURL:                 "postgres://localhost/test",
		RedisURL:                    "redis://localhost:6379",
		BaseURL:                     "http://localhost:8080",
		TokenExpirySeconds:          300,
		TokenMaxExpirySeconds:       3600,
		MaxTokensPerUser:            10,
		TokenCleanupIntervalSeconds: 60,
		SubscriberBufferSize:        256,
		TokenIssueRatePerMin:        30,
		StreamConnectRatePerMin:     120,
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate(false))
	})

	t.Run("rejects relative base url", func(t *testing.T) {
		cfg := validConfig()
		cfg.BaseURL = "/relative"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non-positive token settings", func(t *testing.T) {
		cfg := validConfig()
		cfg.MaxTokensPerUser = 0
		assert.Error(t, cfg.Validate(false))

		cfg = validConfig()
		cfg.TokenExpirySeconds = -1
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects max expiry below the default expiry", func(t *testing.T) {
		cfg := validConfig()
		cfg.TokenMaxExpirySeconds = 60
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects negative rate limits", func(t *testing.T) {
		cfg := validConfig()
		cfg.StreamConnectRatePerMin = -1
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("production only warns on insecure urls", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate(true))
	})
}

func TestLoad(t *testing.T) {
	t.Run("loads config with defaults", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("REDIS_URL", "redis://localhost:6379")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
		assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
		assert.Equal(t, 300, cfg.TokenExpirySeconds)
		assert.Equal(t, 3600, cfg.TokenMaxExpirySeconds)
		assert.Equal(t, 10, cfg.MaxTokensPerUser)
		assert.Equal(t, 256, cfg.SubscriberBufferSize)
		assert.Equal(t, 30, cfg.TokenIssueRatePerMin)
		assert.False(t, cfg.IsProduction())
	})

	t.Run("loads custom values and trims base url", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("PORT", "3000")
		t.Setenv("BASE_URL", "https://collab.example.com/")
		t.Setenv("STREAM_TOKEN_MAX_PER_USER", "3")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("APP_ENV", "production")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, "https://collab.example.com", cfg.BaseURL)
		assert.Equal(t, 3, cfg.MaxTokensPerUser)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.True(t, cfg.IsProduction())
	})

	t.Run("fails without required DATABASE_URL", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("fails without required REDIS_URL", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("REDIS_URL", "")

		_, err := Load()
		assert.Error(t, err)
	})
}
