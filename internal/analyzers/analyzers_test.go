package analyzers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

const wellFormedPage = `<!doctype html>
<html lang="en">
<head>
  <title>Acme Widgets - Durable widgets</title>
  <meta name="description" content="Acme builds durable widgets for industrial and home use, shipped worldwide.">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <meta property="og:title" content="Acme Widgets">
  <link rel="canonical" href="https://acme.example/">
  <link rel="stylesheet" href="https://acme.example/site.css">
  <script src="https://acme.example/app.js" defer></script>
</head>
<body>
  <main>
    <h1>Widgets</h1>
    <h2>Catalog</h2>
    <img src="/w.png" alt="A widget" width="10" height="10">
    <form action="/search"><label for="q">Search</label><input id="q" name="q"></form>
    <a href="/about">About</a>
    <button>Buy</button>
  </main>
</body>
</html>`

const sloppyPage = `<html>
<head>
  <meta name="robots" content="noindex, nofollow">
  <meta name="viewport" content="width=device-width, user-scalable=no">
  <script src="http://cdn.example/a.js"></script>
  <script src="/b.js"></script>
</head>
<body>
  <h1>One</h1><h1>Two</h1><h4>Deep</h4>
  <img src="/a.png"><img src="/b.png" role="presentation">
  <form action="http://acme.example/login"><input type="password" name="pw"><input type="submit"></form>
  <a href="/x"></a><a href="/y"><img src="/i.png" alt="Home"></a>
  <button></button>
  <div tabindex="3">focus</div>
</body>
</html>`

func goodHeaders() http.Header {
	h := http.Header{}
	h.Set("Strict-Transport-Security", "max-age=63072000")
	h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin")
	h.Set("Cache-Control", "max-age=60")
	h.Add("Set-Cookie", "sid=1; Secure; HttpOnly")
	return h
}

func analyze(t *testing.T, a analysis.Analyzer, page *analysis.Page) *Report {
	t.Helper()
	out, err := a.Analyze(context.Background(), page)
	require.NoError(t, err)
	report, ok := out.(*Report)
	require.True(t, ok)
	require.Equal(t, a.Dimension(), report.Dimension)
	return report
}

func codes(r *Report) []string {
	out := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		out = append(out, issue.Code)
	}
	return out
}

func TestAnalyzersCleanPage(t *testing.T) {
	t.Parallel()

	page := &analysis.Page{
		URL:        "https://acme.example/",
		StatusCode: 200,
		Headers:    goodHeaders(),
		Body:       []byte(wellFormedPage),
		FetchTime:  300 * time.Millisecond,
	}
	for _, a := range Default().All() {
		report := analyze(t, a, page)
		require.Empty(t, report.Issues, "dimension %s: %v", a.Dimension(), codes(report))
		require.Equal(t, 100, report.Score)
	}
}

func TestSEOFindsProblems(t *testing.T) {
	t.Parallel()

	report := analyze(t, SEO{}, &analysis.Page{URL: "https://acme.example/", Body: []byte(sloppyPage)})
	require.ElementsMatch(t, []string{
		IssueMissingTitle, IssueMissingDescription, IssueMultipleH1,
		IssueMissingCanonical, IssueNoIndex, IssueMissingOpenGraph,
	}, codes(report))
	require.Less(t, report.Score, 50)
}

func TestSEONoIndexHeader(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("X-Robots-Tag", "NoIndex")
	report := analyze(t, SEO{}, &analysis.Page{Body: []byte(wellFormedPage), Headers: h})
	require.True(t, report.HasIssue(IssueNoIndex))
}

func TestPerformanceFindsProblems(t *testing.T) {
	t.Parallel()

	p := NewPerformance(PerformanceThresholds{SlowResponse: time.Second, LargeDocument: 100, MaxScripts: 1, MaxStylesheets: 5})
	report := analyze(t, p, &analysis.Page{Body: []byte(sloppyPage), FetchTime: 3 * time.Second})
	require.ElementsMatch(t, []string{
		IssueSlowResponse, IssueLargeDocument, IssueRenderBlockingScripts,
		IssueManyScripts, IssueMissingCacheHeaders, IssueUnsizedImages,
	}, codes(report))
	require.Equal(t, 2, report.Facts["scripts"])
}

func TestSecurityFindsProblems(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Server", "nginx/1.18.0")
	h.Add("Set-Cookie", "session=abc; Path=/")
	report := analyze(t, Security{}, &analysis.Page{URL: "http://acme.example/", Headers: h, Body: []byte(sloppyPage)})
	require.ElementsMatch(t, []string{
		IssueNoHTTPS, IssueMissingCSP, IssueMissingFrameOptions, IssueMissingContentTypeOp,
		IssueMissingReferrer, IssueInsecureCookies, IssueInsecureForm, IssueVersionDisclosure,
	}, codes(report))
}

func TestSecurityMixedContentOnHTTPS(t *testing.T) {
	t.Parallel()

	h := goodHeaders()
	h.Set("Content-Security-Policy", "script-src 'unsafe-inline'")
	h.Set("X-Frame-Options", "DENY")
	report := analyze(t, Security{}, &analysis.Page{
		URL:      "http://acme.example/",
		FinalURL: "https://acme.example/",
		Headers:  h,
		Body:     []byte(`<html><body><script src="http://cdn.example/x.js"></script></body></html>`),
	})
	require.ElementsMatch(t, []string{IssueUnsafeCSP, IssueMixedContent}, codes(report))
}

func TestRenderStatsFeedAnalyzers(t *testing.T) {
	t.Parallel()

	page := &analysis.Page{
		URL:       "https://acme.example/",
		Headers:   goodHeaders(),
		Body:      []byte(wellFormedPage),
		FetchTime: 300 * time.Millisecond,
		Rendered:  true,
		Render:    &analysis.RenderStats{Requests: 40, Failed: 2, InsecureLoads: 3, TransferBytes: 4 << 20},
	}

	perf := analyze(t, NewPerformance(PerformanceThresholds{}), page)
	require.ElementsMatch(t, []string{IssueFailedSubresources, IssueHeavyPage}, codes(perf))
	require.Equal(t, 40, perf.Facts["requests"])
	require.Equal(t, int64(4<<20), perf.Facts["transferBytes"])

	sec := analyze(t, Security{}, page)
	require.Equal(t, []string{IssueMixedContent}, codes(sec))
	require.Equal(t, 3, sec.Issues[0].Count)
}

func TestAccessibilityFindsProblems(t *testing.T) {
	t.Parallel()

	report := analyze(t, Accessibility{}, &analysis.Page{Body: []byte(sloppyPage)})
	require.ElementsMatch(t, []string{
		IssueMissingLang, IssueMissingPageTitle, IssueImagesMissingAlt, IssueUnlabeledInputs,
		IssueEmptyLinks, IssueEmptyButtons, IssueHeadingSkips, IssuePositiveTabIndex,
		IssueZoomDisabled, IssueMissingMainRegion,
	}, codes(report))
	for _, issue := range report.Issues {
		if issue.Code == IssueImagesMissingAlt {
			require.Equal(t, 1, issue.Count)
		}
	}
	require.Equal(t, 14, report.Score)
}

func TestZoomDisabled(t *testing.T) {
	t.Parallel()

	require.True(t, zoomDisabled("width=device-width, maximum-scale=1.0"))
	require.True(t, zoomDisabled("user-scalable=0"))
	require.False(t, zoomDisabled("width=device-width, maximum-scale=5"))
	require.False(t, zoomDisabled(""))
}

func TestAnalyzeHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SEO{}.Analyze(ctx, &analysis.Page{Body: []byte(wellFormedPage)})
	require.ErrorIs(t, err, context.Canceled)
	_, err = Accessibility{}.Analyze(context.Background(), nil)
	require.ErrorIs(t, err, analysis.ErrInvalidInput)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := Default()
	all := r.All()
	require.Len(t, all, 4)
	require.Equal(t, analysis.DimensionAccessibility, all[0].Dimension())

	selected, err := r.Select([]analysis.Dimension{analysis.DimensionSEO, analysis.DimensionSEO})
	require.NoError(t, err)
	require.Len(t, selected, 1)

	_, err = r.Select([]analysis.Dimension{"ux"})
	require.ErrorIs(t, err, analysis.ErrInvalidInput)
	require.Error(t, r.Register(SEO{}))
}

func TestExtractMetadata(t *testing.T) {
	t.Parallel()

	md, err := ExtractMetadata([]byte(wellFormedPage))
	require.NoError(t, err)
	require.Equal(t, "Acme Widgets - Durable widgets", md.Title)
	require.Equal(t, "en", md.Lang)
	require.Contains(t, md.Description, "durable widgets")
	require.Len(t, md.MetaTags, 3)
	require.Len(t, md.Links, 2)
	require.Equal(t, "canonical", md.Links[0]["rel"])
	require.Equal(t, md.Title, md.Map()["title"])
}
