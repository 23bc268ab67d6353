package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/siteboost/internal/metrics"
)

const defaultIdleTTL = 10 * time.Minute

// Pacing is a token bucket setting. A non-positive RPS means unlimited.
type Pacing struct {
	RPS   float64
	Burst int
}

func (p Pacing) limit() (rate.Limit, int) {
	burst := max(p.Burst, 1)
	if p.RPS <= 0 {
		return rate.Inf, burst
	}
	return rate.Limit(p.RPS), burst
}

// HostConfig holds host limiter configuration.
type HostConfig struct {
	DefaultRPS   float64
	DefaultBurst int
	// IdleTTL is how long an unused bucket survives Prune.
	IdleTTL time.Duration
}

// HostLimiter paces outbound webhook requests. Subscribers without their own
// pacing share one bucket per destination host. A subscriber with pacing
// draws from a bucket keyed by subscriber and host, so it neither consumes
// nor waits on the shared host bucket.
type HostLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	defaults Pacing
	idleTTL  time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewHostLimiter creates a HostLimiter. A non-positive default rate disables
// pacing for subscribers without an override.
func NewHostLimiter(cfg HostConfig) *HostLimiter {
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = defaultIdleTTL
	}
	return &HostLimiter{
		buckets:  make(map[string]*bucket),
		defaults: Pacing{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst},
		idleTTL:  idle,
	}
}

// Wait blocks until the subscriber may send to rawURL and returns how long it
// was held back. A zero override uses the shared host bucket.
func (l *HostLimiter) Wait(ctx context.Context, subscriber, rawURL string, override Pacing) (time.Duration, error) {
	host := hostOf(rawURL)
	key, pacing := host, l.defaults
	if override.RPS > 0 {
		key, pacing = subscriber+"@"+host, override
	}
	limiter := l.bucket(key, pacing)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	waited := time.Since(start)
	if waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return waited, nil
}

func (l *HostLimiter) bucket(key string, pacing Pacing) *rate.Limiter {
	limit, burst := pacing.limit()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(limit, burst)}
		l.buckets[key] = b
	}
	if b.limiter.Limit() != limit {
		b.limiter.SetLimit(limit)
	}
	if b.limiter.Burst() != burst {
		b.limiter.SetBurst(burst)
	}
	b.lastUsed = time.Now()
	return b.limiter
}

// Prune drops buckets idle since before now minus the idle TTL and returns
// how many it removed. A dropped bucket restarts full on next use.
func (l *HostLimiter) Prune(now time.Time) int {
	cutoff := now.Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *HostLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "unknown"
}
