package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/Tyrowin/chathub/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, RateLimitConfig{Burst: 10, RefillInterval: 10 * time.Second}, cfg.MessageRateLimit)
	assert.Equal(t, RateLimitConfig{Burst: 5, RefillInterval: 5 * time.Second}, cfg.MembershipRateLimit)
	assert.Equal(t, 4*time.Second, cfg.TypingTTL)
	assert.Equal(t, 10*time.Second, cfg.AuthTimeout)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "3")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2")
	t.Setenv("RATE_LIMIT_TYPING_BURST", "7")
	t.Setenv("AUTH_TIMEOUT", "1500ms")
	t.Setenv("DRAIN_TIMEOUT", "2")
	t.Setenv("OUTBOUND_QUEUE_SIZE", "64")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := FromEnv()

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, RateLimitConfig{Burst: 3, RefillInterval: 2 * time.Second}, cfg.MessageRateLimit)
	assert.Equal(t, 7, cfg.TypingRateLimit.Burst)
	assert.Equal(t, 1500*time.Millisecond, cfg.AuthTimeout)
	assert.Equal(t, 2*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 64, cfg.OutboundQueueSize)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvClassSpecificRateLimitWins(t *testing.T) {
	t.Setenv("RATE_LIMIT_BURST", "3")
	t.Setenv("RATE_LIMIT_MESSAGE_BURST", "8")

	assert.Equal(t, 8, FromEnv().MessageRateLimit.Burst)
}

func TestFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "-1")
	t.Setenv("RATE_LIMIT_BURST", "many")
	t.Setenv("AUTH_TIMEOUT", "soon")
	t.Setenv("OUTBOUND_QUEUE_SIZE", "0")
	t.Setenv("LOG_LEVEL", "chatty")

	cfg := FromEnv()
	def := Default()

	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, def.MessageRateLimit, cfg.MessageRateLimit)
	assert.Equal(t, def.AuthTimeout, cfg.AuthTimeout)
	assert.Equal(t, def.OutboundQueueSize, cfg.OutboundQueueSize)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestSanitize(t *testing.T) {
	cfg := Config{MessageRateLimit: RateLimitConfig{Burst: 2}}.Sanitize()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, 2, cfg.MessageRateLimit.Burst)
	assert.Equal(t, 10*time.Second, cfg.MessageRateLimit.RefillInterval)
	assert.Equal(t, "chathub.db", cfg.SQLitePath)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.StoreDriver = "postgres"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingJWTSecret)
	assert.ErrorIs(t, err, ErrMissingDatabaseURL)
}

func TestHubConfig(t *testing.T) {
	cfg := Default()
	cfg.OutboundQueueSize = 32
	cfg.TypingRateLimit = RateLimitConfig{Burst: 1, RefillInterval: time.Second}

	hub := cfg.Hub()
	assert.Equal(t, 32, hub.QueueSize)
	assert.Equal(t, ratelimit.Rule{Burst: 1, RefillInterval: time.Second}, hub.RateLimits[ratelimit.ClassTyping])
	assert.Equal(t, cfg.MaxMessageSize, hub.MaxFrameSize)
}
