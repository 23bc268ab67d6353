// Package cache implements the cache-aside result cache for completed jobs.
//
// Entries are write-once: a backend never overwrites a live entry. Every
// backend failure is logged and reported to callers as a miss.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/metrics"
)

// DefaultTTL is used when Put receives a non-positive ttl.
const DefaultTTL = time.Hour

// Backend stores opaque values with expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// SetIfAbsent stores value unless a live entry exists for key.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache stores job snapshots keyed by job ID.
type Cache struct {
	backend Backend
	ttl     time.Duration
	logger  *zap.Logger
}

// New constructs a Cache with the default entry lifetime ttl.
func New(backend Backend, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{backend: backend, ttl: ttl, logger: logger}
}

func key(jobID string) string {
	return "analysis:" + jobID
}

// Get returns the cached snapshot for jobID if present and unexpired.
func (c *Cache) Get(ctx context.Context, jobID string) (analysis.Snapshot, bool) {
	if c == nil || c.backend == nil {
		return analysis.Snapshot{}, false
	}
	raw, ok, err := c.backend.Get(ctx, key(jobID))
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("job_id", jobID), zap.Error(err))
		metrics.ObserveCache("error")
		return analysis.Snapshot{}, false
	}
	if !ok {
		metrics.ObserveCache("miss")
		return analysis.Snapshot{}, false
	}
	var snap analysis.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.logger.Warn("cache entry undecodable", zap.String("job_id", jobID), zap.Error(err))
		metrics.ObserveCache("error")
		return analysis.Snapshot{}, false
	}
	metrics.ObserveCache("hit")
	return snap, true
}

// Put stores snap for jobID. A non-positive ttl uses the cache default.
func (c *Cache) Put(ctx context.Context, jobID string, snap analysis.Snapshot, ttl time.Duration) {
	if c == nil || c.backend == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("cache entry unencodable", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := c.backend.SetIfAbsent(ctx, key(jobID), raw, ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
