package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/metrics"
)

// WindowStore records a hit for key and returns how many hits fall inside
// [now-window, now] afterwards. Implementations must evict entries older than
// the window start, record now and count as one atomic step per key.
type WindowStore interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
}

// SlidingWindow admits at most limit calls per caller in any trailing window.
type SlidingWindow struct {
	store  WindowStore
	now    func() time.Time
	logger *zap.Logger
}

// NewSlidingWindow creates a SlidingWindow over store.
func NewSlidingWindow(store WindowStore, logger *zap.Logger) *SlidingWindow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlidingWindow{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Allow records the attempt and reports whether it is within limit.
func (s *SlidingWindow) Allow(ctx context.Context, callerID string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("invalid limit %d per %s", limit, window)
	}
	count, err := s.store.Hit(ctx, callerID, s.now(), window)
	if err != nil {
		return false, fmt.Errorf("record hit: %w", err)
	}
	return count <= limit, nil
}

// Admission applies a fixed limit and window to every caller.
type Admission struct {
	window   *SlidingWindow
	limit    int
	period   time.Duration
	failOpen bool
	logger   *zap.Logger
}

// AdmissionConfig configures an Admission.
type AdmissionConfig struct {
	Limit  int
	Window time.Duration
	// FailOpen admits requests when the window store is unreachable.
	FailOpen bool
}

// NewAdmission wraps a SlidingWindow with fixed settings.
func NewAdmission(window *SlidingWindow, cfg AdmissionConfig) *Admission {
	return &Admission{
		window:   window,
		limit:    cfg.Limit,
		period:   cfg.Window,
		failOpen: cfg.FailOpen,
		logger:   window.logger.Named("admission"),
	}
}

// Allow reports whether callerID may create another job now.
func (a *Admission) Allow(ctx context.Context, callerID string) (bool, error) {
	ok, err := a.window.Allow(ctx, callerID, a.limit, a.period)
	switch {
	case err != nil && a.failOpen:
		a.logger.Warn("rate limiter unavailable; admitting", zap.String("caller_id", callerID), zap.Error(err))
		metrics.ObserveAdmission("error")
		return true, nil
	case err != nil:
		metrics.ObserveAdmission("error")
		return false, err
	case ok:
		metrics.ObserveAdmission("allowed")
	default:
		metrics.ObserveAdmission("rejected")
	}
	return ok, nil
}

// Window returns the configured window length.
func (a *Admission) Window() time.Duration {
	return a.period
}
