package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/metrics"
)

// RobotsFallbackTimeout is recorded when robots.txt kept timing out and
// the site was treated as allow-all.
const RobotsFallbackTimeout = "timeout"

// DefaultRobotsBackoff spaces retries of a robots.txt request that failed
// with a transient network error or a 5xx status.
var DefaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport sits under the collector and observes the robots.txt
// request colly issues before visiting a host. Other requests pass through.
type robotsTransport struct {
	base    http.RoundTripper
	backoff []time.Duration

	mu     sync.Mutex
	status *analysis.RobotsStatus
}

func newRobotsTransport(base http.RoundTripper, backoff []time.Duration) *robotsTransport {
	return &robotsTransport{base: base, backoff: backoff}
}

// report returns what robots.txt answered, or nil when colly served it from
// its per-host cache and made no request.
func (t *robotsTransport) report() *analysis.RobotsStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == nil {
		return nil
	}
	out := *t.status
	return &out
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("page roundtrip: %w", err)
		}
		return resp, nil
	}

	for attempt := 1; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		last := attempt > len(t.backoff)
		switch {
		case err == nil && (resp.StatusCode < 500 || last):
			// colly reads a final 5xx as disallow-all.
			t.record(analysis.RobotsStatus{StatusCode: resp.StatusCode, Attempts: attempt})
			return resp, nil
		case err == nil:
			drain(resp)
		case !transient(err):
			t.record(analysis.RobotsStatus{Attempts: attempt})
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		case last:
			t.record(analysis.RobotsStatus{Attempts: attempt, Fallback: RobotsFallbackTimeout})
			metrics.ObserveRobotsFallback(RobotsFallbackTimeout)
			return allowAll(req), nil
		}
		if err := pause(req.Context(), t.backoff[attempt-1]); err != nil {
			return nil, err
		}
	}
}

func (t *robotsTransport) record(status analysis.RobotsStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = &status
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}

func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots.txt retry canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func allowAll(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
