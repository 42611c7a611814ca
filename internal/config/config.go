// Package config defines runtime defaults, environment parsing and
// validation for the chat hub service.
package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/chathub/internal/chat"
	"github.com/Tyrowin/chathub/internal/ratelimit"
	"github.com/Tyrowin/chathub/internal/store"
)

// ErrMissingJWTSecret is returned by Validate when no signing secret is set.
var ErrMissingJWTSecret = errors.New("JWT_SECRET must be set")

// ErrMissingDatabaseURL is returned by Validate when the postgres store is
// selected without a connection string.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL must be set when STORE_DRIVER=postgres")

// RateLimitConfig defines one per-connection token bucket.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the service configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	MaxBodyLength  int

	MessageRateLimit    RateLimitConfig
	MembershipRateLimit RateLimitConfig
	TypingRateLimit     RateLimitConfig

	AuthTimeout       time.Duration
	DrainTimeout      time.Duration
	ShutdownTimeout   time.Duration
	TypingTTL         time.Duration
	OutboundQueueSize int

	JWTSecret string
	TokenTTL  time.Duration

	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	NATSURL     string

	LogLevel slog.Level
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	hub := chat.DefaultConfig()
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:      hub.MaxFrameSize,
		MaxBodyLength:       hub.MaxBodyLength,
		MessageRateLimit:    fromRule(hub.RateLimits[ratelimit.ClassMessage]),
		MembershipRateLimit: fromRule(hub.RateLimits[ratelimit.ClassMembership]),
		TypingRateLimit:     fromRule(hub.RateLimits[ratelimit.ClassTyping]),
		AuthTimeout:         hub.AuthTimeout,
		DrainTimeout:        hub.DrainTimeout,
		ShutdownTimeout:     10 * time.Second,
		TypingTTL:           hub.TypingTTL,
		OutboundQueueSize:   hub.QueueSize,
		TokenTTL:            24 * time.Hour,
		StoreDriver:         "sqlite",
		SQLitePath:          "chathub.db",
		LogLevel:            slog.LevelInfo,
	}
}

func fromRule(rule ratelimit.Rule) RateLimitConfig {
	return RateLimitConfig{Burst: rule.Burst, RefillInterval: rule.RefillInterval}
}

// Sanitize replaces unset or invalid values with defaults.
func (c Config) Sanitize() Config {
	def := Default()
	if c.Port == "" {
		c.Port = def.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = def.MaxBodyLength
	}
	c.MessageRateLimit = c.MessageRateLimit.orDefault(def.MessageRateLimit)
	c.MembershipRateLimit = c.MembershipRateLimit.orDefault(def.MembershipRateLimit)
	c.TypingRateLimit = c.TypingRateLimit.orDefault(def.TypingRateLimit)
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = def.TypingTTL
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = def.OutboundQueueSize
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	if c.StoreDriver == "" {
		c.StoreDriver = def.StoreDriver
	}
	if c.StoreDriver == "sqlite" && c.SQLitePath == "" {
		c.SQLitePath = def.SQLitePath
	}
	return c
}

func (r RateLimitConfig) orDefault(def RateLimitConfig) RateLimitConfig {
	if r.Burst <= 0 {
		r.Burst = def.Burst
	}
	if r.RefillInterval <= 0 {
		r.RefillInterval = def.RefillInterval
	}
	return r
}

// Validate reports settings that have no safe default.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.StoreDriver == "postgres" && c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	return errors.Join(errs...)
}

// Hub converts the configuration into hub tunables.
func (c Config) Hub() chat.Config {
	hub := chat.DefaultConfig()
	hub.QueueSize = c.OutboundQueueSize
	hub.MaxBodyLength = c.MaxBodyLength
	hub.MaxFrameSize = c.MaxMessageSize
	hub.TypingTTL = c.TypingTTL
	hub.AuthTimeout = c.AuthTimeout
	hub.DrainTimeout = c.DrainTimeout
	hub.RateLimits = ratelimit.Rules{
		ratelimit.ClassMessage:    ratelimit.Rule(c.MessageRateLimit),
		ratelimit.ClassMembership: ratelimit.Rule(c.MembershipRateLimit),
		ratelimit.ClassTyping:     ratelimit.Rule(c.TypingRateLimit),
	}
	return hub
}

// Store converts the configuration into store settings.
func (c Config) Store() store.Config {
	return store.Config{
		Driver:      c.StoreDriver,
		DatabaseURL: c.DatabaseURL,
		SQLitePath:  c.SQLitePath,
	}
}

// FromEnv creates a Config from environment variables.
// Falls back to default values if environment variables are not set.
func FromEnv() Config {
	cfg := Default()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if length := os.Getenv("MAX_BODY_LENGTH"); length != "" {
		cfg.MaxBodyLength = parseIntValue(length, cfg.MaxBodyLength)
	}

	// RATE_LIMIT_BURST and RATE_LIMIT_REFILL_INTERVAL configure the message
	// bucket; the class specific variables win when both are set.
	cfg.MessageRateLimit = loadRateLimit("RATE_LIMIT", cfg.MessageRateLimit)
	cfg.MessageRateLimit = loadRateLimit("RATE_LIMIT_MESSAGE", cfg.MessageRateLimit)
	cfg.MembershipRateLimit = loadRateLimit("RATE_LIMIT_MEMBERSHIP", cfg.MembershipRateLimit)
	cfg.TypingRateLimit = loadRateLimit("RATE_LIMIT_TYPING", cfg.TypingRateLimit)

	cfg.AuthTimeout = loadDuration("AUTH_TIMEOUT", cfg.AuthTimeout)
	cfg.DrainTimeout = loadDuration("DRAIN_TIMEOUT", cfg.DrainTimeout)
	cfg.ShutdownTimeout = loadDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.TypingTTL = loadDuration("TYPING_TTL", cfg.TypingTTL)
	cfg.TokenTTL = loadDuration("JWT_TTL", cfg.TokenTTL)

	if size := os.Getenv("OUTBOUND_QUEUE_SIZE"); size != "" {
		cfg.OutboundQueueSize = parseIntValue(size, cfg.OutboundQueueSize)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.StoreDriver = strings.ToLower(strings.TrimSpace(driver))
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = parseLogLevel(level, cfg.LogLevel)
	}

	return cfg.Sanitize()
}

func loadRateLimit(prefix string, current RateLimitConfig) RateLimitConfig {
	if burst := os.Getenv(prefix + "_BURST"); burst != "" {
		current.Burst = parseIntValue(burst, current.Burst)
	}
	if interval := os.Getenv(prefix + "_REFILL_INTERVAL"); interval != "" {
		current.RefillInterval = parseRefillInterval(interval, current.RefillInterval)
	}
	return current
}

func loadDuration(key string, current time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		return parseDuration(value, current)
	}
	return current
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// parseDuration accepts whole seconds or a Go duration string such as "1500ms".
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func parseLogLevel(value string, defaultValue slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return defaultValue
	}
	return level
}
