package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

var noWait = []time.Duration{0, 0, 0}

type scriptedTransport struct {
	errs  []error
	calls int
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	if s.calls < len(s.errs) && s.errs[s.calls] != nil {
		return nil, s.errs[s.calls]
	}
	rec := httptest.NewRecorder()
	_, _ = rec.WriteString("User-agent: *\nDisallow: /private")
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func TestRobotsTimeoutsFallBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{errs: []error{
		context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	tr := newRobotsTransport(base, noWait)

	resp, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://acme.example/robots.txt", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "User-agent: *\nAllow: /", string(body))
	require.Equal(t, 4, base.calls)
	require.Equal(t, &analysis.RobotsStatus{Attempts: 4, Fallback: RobotsFallbackTimeout}, tr.report())
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{errs: []error{context.DeadlineExceeded}}
	tr := newRobotsTransport(base, noWait)

	resp, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://acme.example/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
	require.Equal(t, &analysis.RobotsStatus{StatusCode: http.StatusOK, Attempts: 2}, tr.report())
}

func TestRobotsHardErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	refused := errors.New("connection refused")
	base := &scriptedTransport{errs: []error{refused}}
	tr := newRobotsTransport(base, noWait)

	_, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://acme.example/robots.txt", nil))
	require.ErrorIs(t, err, refused)
	require.Equal(t, 1, base.calls)
	require.Equal(t, 1, tr.report().Attempts)
}

func TestRobotsServerErrorsAreRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("User-agent: *\nAllow: /"))
	}))
	t.Cleanup(srv.Close)

	tr := newRobotsTransport(http.DefaultTransport, noWait)
	client := &http.Client{Transport: tr}
	resp, err := client.Get(srv.URL + "/robots.txt")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, hits.Load())
	require.Equal(t, &analysis.RobotsStatus{StatusCode: http.StatusOK, Attempts: 3}, tr.report())
}

func TestRobotsPersistentServerErrorIsPassedThrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	tr := newRobotsTransport(http.DefaultTransport, []time.Duration{0})
	resp, err := (&http.Client{Transport: tr}).Get(srv.URL + "/robots.txt")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, &analysis.RobotsStatus{StatusCode: http.StatusBadGateway, Attempts: 2}, tr.report())
}

func TestRobotsTransportIgnoresPages(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{}
	tr := newRobotsTransport(base, noWait)
	resp, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://acme.example/", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Nil(t, tr.report())
}
