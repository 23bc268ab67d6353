package analyzers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Performance issue codes.
const (
	IssueSlowResponse          = "performance.slow_response"
	IssueLargeDocument         = "performance.large_document"
	IssueRenderBlockingScripts = "performance.render_blocking_scripts"
	IssueManyScripts           = "performance.many_scripts"
	IssueManyStylesheets       = "performance.many_stylesheets"
	IssueMissingCacheHeaders   = "performance.missing_cache_headers"
	IssueUnsizedImages         = "performance.unsized_images"
	IssueFailedSubresources    = "performance.failed_subresources"
	IssueHeavyPage             = "performance.heavy_page"
)

// PerformanceThresholds tune the performance analyzer.
type PerformanceThresholds struct {
	SlowResponse   time.Duration
	LargeDocument  int
	MaxScripts     int
	MaxStylesheets int
	// MaxTransferBytes applies to rendered pages, where subresources are seen.
	MaxTransferBytes int64
}

// DefaultPerformanceThresholds are used by NewPerformance when given a zero value.
var DefaultPerformanceThresholds = PerformanceThresholds{
	SlowResponse:   2 * time.Second,
	LargeDocument:  500 << 10,
	MaxScripts:     15,
	MaxStylesheets: 8,

	MaxTransferBytes: 3 << 20,
}

// Performance checks load-time signals visible in one fetch.
type Performance struct {
	thresholds PerformanceThresholds
}

// NewPerformance creates a Performance analyzer.
func NewPerformance(t PerformanceThresholds) *Performance {
	if t == (PerformanceThresholds{}) {
		t = DefaultPerformanceThresholds
	}
	return &Performance{thresholds: t}
}

// Dimension implements analysis.Analyzer.
func (*Performance) Dimension() analysis.Dimension { return analysis.DimensionPerformance }

// Analyze implements analysis.Analyzer.
func (p *Performance) Analyze(ctx context.Context, page *analysis.Page) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := parseDocument(page)
	if err != nil {
		return nil, err
	}
	r := newReport(analysis.DimensionPerformance)
	r.Facts["fetchMillis"] = page.FetchTime.Milliseconds()
	r.Facts["documentBytes"] = len(page.Body)

	if p.thresholds.SlowResponse > 0 && page.FetchTime > p.thresholds.SlowResponse {
		r.add(IssueSlowResponse, analysis.SeverityHigh,
			fmt.Sprintf("document took %s to fetch", page.FetchTime.Round(time.Millisecond)), 0)
	}
	if p.thresholds.LargeDocument > 0 && len(page.Body) > p.thresholds.LargeDocument {
		r.add(IssueLargeDocument, analysis.SeverityMedium,
			fmt.Sprintf("HTML document is %d KiB", len(page.Body)>>10), 0)
	}

	blocking := 0
	doc.Find("head script[src]").Each(func(_ int, sel *goquery.Selection) {
		_, async := sel.Attr("async")
		_, deferred := sel.Attr("defer")
		if !async && !deferred && !strings.EqualFold(attr(sel, "type"), "module") {
			blocking++
		}
	})
	if blocking > 0 {
		r.add(IssueRenderBlockingScripts, analysis.SeverityMedium,
			"scripts in <head> block rendering; add async or defer", blocking)
	}

	scripts := doc.Find("script[src]").Length()
	styles := doc.Find(`link[rel="stylesheet" i]`).Length()
	r.Facts["scripts"] = scripts
	r.Facts["stylesheets"] = styles
	if scripts > p.thresholds.MaxScripts {
		r.add(IssueManyScripts, analysis.SeverityMedium, "too many external scripts", scripts)
	}
	if styles > p.thresholds.MaxStylesheets {
		r.add(IssueManyStylesheets, analysis.SeverityLow, "too many stylesheets", styles)
	}

	if page.Headers.Get("Cache-Control") == "" && page.Headers.Get("ETag") == "" &&
		page.Headers.Get("Last-Modified") == "" {
		r.add(IssueMissingCacheHeaders, analysis.SeverityLow, "response carries no caching headers", 0)
	}

	unsized := 0
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if attr(sel, "width") == "" || attr(sel, "height") == "" {
			unsized++
		}
	})
	if unsized > 0 {
		r.add(IssueUnsizedImages, analysis.SeverityLow, "images without width/height cause layout shifts", unsized)
	}
	if page.Render != nil {
		p.rendered(r, page.Render)
	}
	return r.finish(), nil
}

func (p *Performance) rendered(r *Report, stats *analysis.RenderStats) {
	r.Facts["requests"] = stats.Requests
	r.Facts["transferBytes"] = stats.TransferBytes
	if stats.Failed > 0 {
		r.add(IssueFailedSubresources, analysis.SeverityMedium, "subresources failed to load while rendering", stats.Failed)
	}
	if p.thresholds.MaxTransferBytes > 0 && stats.TransferBytes > p.thresholds.MaxTransferBytes {
		r.add(IssueHeavyPage, analysis.SeverityMedium,
			fmt.Sprintf("page transferred %d KiB while rendering", stats.TransferBytes>>10), 0)
	}
}
