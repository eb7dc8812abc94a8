// Package ratelimit implements admin-endpoint rate limiting keyed by the
// tuple (global, remote IP, trusted forwarded IP, token fingerprint,
// token×IP), grounded on infrastructure/ratelimit.RateLimiter's
// per-key *rate.Limiter shape, generalized from a single global limiter to
// a map of limiters keyed by an arbitrary string.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Key identifies one rate-limit dimension a request is checked against.
type Key string

const (
	KeyGlobal         Key = "global"
	KeyRemoteIP       Key = "remote_ip"
	KeyForwardedIP    Key = "forwarded_ip"
	KeyTokenFingerprint Key = "token_fp"
	KeyTokenAndIP     Key = "token_ip"
)

// Config bounds the requests-per-window and burst for every key's limiter.
type Config struct {
	Max    int
	Window time.Duration
}

// DefaultConfig matches the documented default of 60 requests per minute.
func DefaultConfig() Config {
	return Config{Max: 60, Window: time.Minute}
}

func (c Config) limit() rate.Limit {
	if c.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.Max) / c.Window.Seconds())
}

// Limiter tracks one token-bucket limiter per (Key, identity) pair.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

// New constructs a Limiter. A zero Config falls back to DefaultConfig.
func New(cfg Config) *Limiter {
	if cfg.Max <= 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

// Allow reports whether a request identified by (key, identity) is within
// its limit, consuming one token if so.
func (l *Limiter) Allow(key Key, identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[bucketKey(key, identity)]
	if !ok {
		b = rate.NewLimiter(l.cfg.limit(), l.cfg.Max)
		l.buckets[bucketKey(key, identity)] = b
	}
	return b.AllowN(l.now(), 1)
}

// AllowAll reports whether every (key, identity) pair in the slice is
// within its limit, consuming a token from each bucket it checks. Stops
// and reports false at the first exceeded key, leaving buckets after it
// untouched so a single violating dimension doesn't spuriously drain
// every other dimension's budget.
func (l *Limiter) AllowAll(checks []Check) bool {
	for _, c := range checks {
		if !l.Allow(c.Key, c.Identity) {
			return false
		}
	}
	return true
}

// Check is one (Key, identity) pair to test in AllowAll.
type Check struct {
	Key      Key
	Identity string
}

func bucketKey(key Key, identity string) string {
	return string(key) + ":" + identity
}
