package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/covenantlabs/covenant/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("HASH_ALGORITHM", "")
	t.Setenv("SUBSCRIBER_BUFFER", "")
	t.Setenv("OTLP_ENABLED", "")

	cfg := config.Load()

	assert.Contains(t, cfg.DatabaseURL, "sqlite://")
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sha256", cfg.HashAlgorithm)
	assert.Zero(t, cfg.SubscriberBuffer)
	assert.False(t, cfg.OTLPEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://covenant@db:5432/ledger?sslmode=disable")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("HASH_ALGORITHM", "blake2b")
	t.Setenv("SUBSCRIBER_BUFFER", "256")
	t.Setenv("OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTLP_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "postgres://covenant@db:5432/ledger?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "blake2b", cfg.HashAlgorithm)
	assert.Equal(t, 256, cfg.SubscriberBuffer)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.True(t, cfg.OTLPEnabled)
}

func TestLoad_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("SUBSCRIBER_BUFFER", "lots")
	t.Setenv("REDIS_DB", "-1")

	cfg := config.Load()

	assert.Zero(t, cfg.SubscriberBuffer)
	assert.Zero(t, cfg.RedisDB)
}
