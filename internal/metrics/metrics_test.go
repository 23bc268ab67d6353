package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || admissionDecisionsTotal == nil ||
		webhookAttemptsTotal == nil || cacheLookupsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveAdmission("rejected")
	ObserveCache("hit")
	ObserveCache("hit")
	ObserveWebhookAttempt("success", 20*time.Millisecond)
	ObserveDimension("seo", "failed", time.Second)
	ObserveRobotsFallback("timeout")

	if val := testutil.ToFloat64(admissionDecisionsTotal.WithLabelValues("rejected")); val != 1 {
		t.Errorf("expected 1 rejected admission, got %f", val)
	}
	if val := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")); val != 2 {
		t.Errorf("expected 2 cache hits, got %f", val)
	}
	if val := testutil.ToFloat64(dimensionResultsTotal.WithLabelValues("seo", "failed")); val != 1 {
		t.Errorf("expected 1 failed seo result, got %f", val)
	}
	if val := testutil.ToFloat64(robotsFallbackTotal.WithLabelValues("timeout")); val != 1 {
		t.Errorf("expected 1 robots fallback, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
