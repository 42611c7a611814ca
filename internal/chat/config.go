package chat

import (
	"time"

	"github.com/Tyrowin/chathub/internal/ratelimit"
)

// Config holds the tunables of a Hub and its Sessions.
type Config struct {
	QueueSize      int
	MaxBodyLength  int
	MaxFrameSize   int64
	TypingTTL      time.Duration
	SweepInterval  time.Duration
	AuthTimeout    time.Duration
	DrainTimeout   time.Duration
	PersistTimeout time.Duration
	StatusTimeout  time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	RateLimits     ratelimit.Rules
}

// DefaultRateLimits returns the per-connection budgets: 10 messages, 5
// joins and 20 typing heartbeats per window.
func DefaultRateLimits() ratelimit.Rules {
	return ratelimit.Rules{
		ratelimit.ClassMessage:    {Burst: 10, RefillInterval: 10 * time.Second},
		ratelimit.ClassMembership: {Burst: 5, RefillInterval: 5 * time.Second},
		ratelimit.ClassTyping:     {Burst: 20, RefillInterval: 10 * time.Second},
	}
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		MaxBodyLength:  4000,
		MaxFrameSize:   16 * 1024,
		TypingTTL:      4 * time.Second,
		SweepInterval:  time.Second,
		AuthTimeout:    10 * time.Second,
		DrainTimeout:   5 * time.Second,
		PersistTimeout: 5 * time.Second,
		StatusTimeout:  2 * time.Second,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		RateLimits:     DefaultRateLimits(),
	}
}

// sanitize replaces unset or invalid fields with defaults.
func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = def.MaxBodyLength
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = def.TypingTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = def.PersistTimeout
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = def.StatusTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.RateLimits == nil {
		c.RateLimits = def.RateLimits
	}
	return c
}
