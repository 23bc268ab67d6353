package analyzers

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Security issue codes.
const (
	IssueNoHTTPS              = "security.no_https"
	IssueMissingHSTS          = "security.missing_hsts"
	IssueMissingCSP           = "security.missing_csp"
	IssueUnsafeCSP            = "security.csp_unsafe"
	IssueMissingFrameOptions  = "security.missing_frame_options"
	IssueMissingContentTypeOp = "security.missing_content_type_options"
	IssueMissingReferrer      = "security.missing_referrer_policy"
	IssueInsecureCookies      = "security.insecure_cookies"
	IssueMixedContent         = "security.mixed_content"
	IssueInsecureForm         = "security.insecure_form"
	IssueVersionDisclosure    = "security.version_disclosure"
)

var versionPattern = regexp.MustCompile(`/\d`)

// Security checks transport and response-header hardening.
type Security struct{}

// Dimension implements analysis.Analyzer.
func (Security) Dimension() analysis.Dimension { return analysis.DimensionSecurity }

// Analyze implements analysis.Analyzer.
func (Security) Analyze(ctx context.Context, page *analysis.Page) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := parseDocument(page)
	if err != nil {
		return nil, err
	}
	r := newReport(analysis.DimensionSecurity)
	h := page.Headers
	if h == nil {
		h = http.Header{}
	}

	https := false
	if u, err := url.Parse(pageURL(page)); err == nil {
		https = strings.EqualFold(u.Scheme, "https")
	}
	r.Facts["https"] = https
	if !https {
		r.add(IssueNoHTTPS, analysis.SeverityCritical, "page is served without TLS", 0)
	} else if h.Get("Strict-Transport-Security") == "" {
		r.add(IssueMissingHSTS, analysis.SeverityHigh, "Strict-Transport-Security header is missing", 0)
	}

	csp := strings.ToLower(strings.Join(h.Values("Content-Security-Policy"), ";"))
	switch {
	case csp == "":
		r.add(IssueMissingCSP, analysis.SeverityMedium, "Content-Security-Policy header is missing", 0)
	case strings.Contains(csp, "unsafe-inline") || strings.Contains(csp, "unsafe-eval"):
		r.add(IssueUnsafeCSP, analysis.SeverityMedium, "Content-Security-Policy allows unsafe-inline or unsafe-eval", 0)
	}
	if h.Get("X-Frame-Options") == "" && !strings.Contains(csp, "frame-ancestors") {
		r.add(IssueMissingFrameOptions, analysis.SeverityMedium, "page can be framed by any origin", 0)
	}
	if !strings.EqualFold(h.Get("X-Content-Type-Options"), "nosniff") {
		r.add(IssueMissingContentTypeOp, analysis.SeverityLow, "X-Content-Type-Options: nosniff is missing", 0)
	}
	if h.Get("Referrer-Policy") == "" {
		r.add(IssueMissingReferrer, analysis.SeverityLow, "Referrer-Policy header is missing", 0)
	}

	insecure := 0
	for _, raw := range h.Values("Set-Cookie") {
		lower := strings.ToLower(raw)
		if !strings.Contains(lower, "secure") || !strings.Contains(lower, "httponly") {
			insecure++
		}
	}
	if insecure > 0 {
		r.add(IssueInsecureCookies, analysis.SeverityHigh, "cookies set without Secure or HttpOnly", insecure)
	}

	if https {
		mixed := 0
		doc.Find("script[src], img[src], iframe[src], link[href], audio[src], video[src], source[src]").
			Each(func(_ int, sel *goquery.Selection) {
				ref := attr(sel, "src")
				if ref == "" {
					ref = attr(sel, "href")
				}
				if sel.Is("link") && !strings.EqualFold(attr(sel, "rel"), "stylesheet") {
					return
				}
				if strings.HasPrefix(strings.ToLower(ref), "http://") {
					mixed++
				}
			})
		if page.Render != nil && page.Render.InsecureLoads > mixed {
			mixed = page.Render.InsecureLoads
		}
		if mixed > 0 {
			r.add(IssueMixedContent, analysis.SeverityHigh, "HTTPS page loads resources over HTTP", mixed)
		}
	}

	insecureForms := 0
	doc.Find("form").Each(func(_ int, sel *goquery.Selection) {
		action := strings.ToLower(attr(sel, "action"))
		hasPassword := sel.Find(`input[type="password" i]`).Length() > 0
		if strings.HasPrefix(action, "http://") || (!https && hasPassword) {
			insecureForms++
		}
	})
	if insecureForms > 0 {
		r.add(IssueInsecureForm, analysis.SeverityHigh, "forms submit data over HTTP", insecureForms)
	}

	if versionPattern.MatchString(h.Get("Server")) || h.Get("X-Powered-By") != "" {
		r.add(IssueVersionDisclosure, analysis.SeverityLow, "response headers disclose server software versions", 0)
	}
	return r.finish(), nil
}
