// Package ratelimit implements per-connection token buckets, one per action
// class, that protect the hub from clients flooding messages, room churn, or
// typing updates.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/Tyrowin/chathub/internal/protocol"
	"golang.org/x/time/rate"
)

// Class groups inbound actions that share a bucket.
type Class string

// Action classes. Leaving a room is deliberately absent: it must always
// succeed so membership can never get stuck.
const (
	ClassMessage    Class = "message"
	ClassMembership Class = "membership"
	ClassTyping     Class = "typing"
)

// Rule allows Burst actions, refilled evenly over RefillInterval.
type Rule struct {
	Burst          int
	RefillInterval time.Duration
}

// Rules maps each class to its bucket parameters.
type Rules map[Class]Rule

// Decision is the outcome of Admit.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Set holds the buckets owned by a single connection. Buckets are never
// shared between connections.
type Set struct {
	buckets map[Class]*rate.Limiter
	rules   Rules
	now     func() time.Time
}

// Option configures a Set.
type Option func(*Set)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Set) {
		s.now = now
	}
}

// NewSet creates one bucket per rule, each starting full.
func NewSet(rules Rules, opts ...Option) *Set {
	s := &Set{
		buckets: make(map[Class]*rate.Limiter, len(rules)),
		rules:   make(Rules, len(rules)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for class, rule := range rules {
		rule = sanitizeRule(rule)
		s.rules[class] = rule
		limit := rate.Limit(float64(rule.Burst) / rule.RefillInterval.Seconds())
		s.buckets[class] = rate.NewLimiter(limit, rule.Burst)
	}
	return s
}

func sanitizeRule(rule Rule) Rule {
	if rule.Burst <= 0 {
		rule.Burst = 1
	}
	if rule.RefillInterval <= 0 {
		rule.RefillInterval = time.Second
	}
	return rule
}

// Admit takes one token from the class bucket. A denial does not consume a
// token and reports how long until one is available. Classes without a rule
// are always admitted.
func (s *Set) Admit(class Class) Decision {
	bucket, ok := s.buckets[class]
	if !ok {
		return Decision{Allowed: true}
	}

	now := s.now()
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{RetryAfter: s.rules[class].RefillInterval}
	}

	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return Decision{Allowed: true}
	}

	reservation.CancelAt(now)
	return Decision{RetryAfter: delay}
}

// Check is Admit expressed as an error: nil when allowed, a RateLimited
// protocol error carrying the retry hint otherwise.
func (s *Set) Check(class Class) error {
	d := s.Admit(class)
	if d.Allowed {
		return nil
	}
	rule := s.rules[class]
	return &protocol.Error{
		Kind:       protocol.KindRateLimited,
		Detail:     fmt.Sprintf("%s rate limit exceeded (%d per %s)", class, rule.Burst, rule.RefillInterval),
		RetryAfter: d.RetryAfter,
	}
}

// Rule returns the sanitized rule for class.
func (s *Set) Rule(class Class) (Rule, bool) {
	rule, ok := s.rules[class]
	return rule, ok
}
