// Package ratelimit implements the per-identifier request limiting the HTTP
// surface applies to generic, admin, and batch routes (spec §6).
package ratelimit

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// Tier names one of the three limit classes spec §6 enumerates.
type Tier string

const (
	TierGeneric Tier = "generic"
	TierAdmin   Tier = "admin"
	TierBatch   Tier = "batch"
)

// Decision is the outcome of one Allow check, enough to populate the
// X-RateLimit-* response headers and a 429's Retry-After.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter holds one token-bucket per (tier, identifier), lazily created and
// never explicitly evicted — a process-wide map with a documented lifecycle
// is exactly what spec §9 permits for the rate-limit counter. Grounded on
// the teacher's xsync.Map usage throughout internal/routing and
// internal/proxysel for the same "many keys, mostly read" access pattern.
type Limiter struct {
	buckets *xsync.Map[string, *rate.Limiter]

	genericPerMinute func() int
	adminPerMinute   func() int
	batchPerMinute   func() int
}

// Config wires a Limiter's per-tier rate closures so a RuntimeConfig
// hot-reload is picked up without reconstructing the Limiter.
type Config struct {
	GenericPerMinute func() int // default 100
	AdminPerMinute   func() int // default 20
	BatchPerMinute   func() int // default 30
}

// New builds a Limiter.
func New(cfg Config) *Limiter {
	if cfg.GenericPerMinute == nil {
		cfg.GenericPerMinute = func() int { return 100 }
	}
	if cfg.AdminPerMinute == nil {
		cfg.AdminPerMinute = func() int { return 20 }
	}
	if cfg.BatchPerMinute == nil {
		cfg.BatchPerMinute = func() int { return 30 }
	}
	return &Limiter{
		buckets:          xsync.NewMap[string, *rate.Limiter](),
		genericPerMinute: cfg.GenericPerMinute,
		adminPerMinute:   cfg.AdminPerMinute,
		batchPerMinute:   cfg.BatchPerMinute,
	}
}

func (l *Limiter) perMinute(tier Tier) int {
	switch tier {
	case TierAdmin:
		return l.adminPerMinute()
	case TierBatch:
		return l.batchPerMinute()
	default:
		return l.genericPerMinute()
	}
}

func bucketKey(tier Tier, identifier string) string {
	return string(tier) + "|" + identifier
}

// bucketFor returns the token bucket for (tier, identifier), building a
// fresh full bucket on first use. The bucket's burst equals its per-minute
// rate, so a caller that has been idle can still burst up to the full
// window before being throttled, matching a sliding-window counter's
// steady-state behavior.
func (l *Limiter) bucketFor(tier Tier, identifier string) *rate.Limiter {
	limit := l.perMinute(tier)
	key := bucketKey(tier, identifier)

	b, _ := l.buckets.LoadOrCompute(key, func() (*rate.Limiter, bool) {
		return rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit), false
	})

	// A RuntimeConfig hot-reload changes what perMinute(tier) returns, but a
	// bucket already cached above keeps its rate/burst from first use unless
	// updated here explicitly.
	if b.Burst() != limit {
		b.SetBurst(limit)
		b.SetLimit(rate.Limit(float64(limit) / 60.0))
	}
	return b
}

// Allow checks and consumes one request token for (tier, identifier) at
// now, returning a Decision carrying the headers the caller should set.
func (l *Limiter) Allow(tier Tier, identifier string, now time.Time) Decision {
	limit := l.perMinute(tier)
	b := l.bucketFor(tier, identifier)

	reservation := b.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: time.Minute}
	}

	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: delay}
	}

	remaining := int(b.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining}
}
