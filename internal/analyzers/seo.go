package analyzers

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// SEO issue codes.
const (
	IssueMissingTitle       = "seo.missing_title"
	IssueTitleLength        = "seo.title_length"
	IssueMissingDescription = "seo.missing_meta_description"
	IssueDescriptionLength  = "seo.meta_description_length"
	IssueMissingH1          = "seo.missing_h1"
	IssueMultipleH1         = "seo.multiple_h1"
	IssueMissingCanonical   = "seo.missing_canonical"
	IssueMissingViewport    = "seo.missing_viewport"
	IssueNoIndex            = "seo.noindex"
	IssueMissingOpenGraph   = "seo.missing_open_graph"
)

// SEO checks on-page search engine signals.
type SEO struct{}

// Dimension implements analysis.Analyzer.
func (SEO) Dimension() analysis.Dimension { return analysis.DimensionSEO }

// Analyze implements analysis.Analyzer.
func (SEO) Analyze(ctx context.Context, page *analysis.Page) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := parseDocument(page)
	if err != nil {
		return nil, err
	}
	r := newReport(analysis.DimensionSEO)

	title := doc.Find("head title").First().Text()
	titleLen := utf8.RuneCountInString(title)
	r.Facts["titleLength"] = titleLen
	switch {
	case titleLen == 0:
		r.add(IssueMissingTitle, analysis.SeverityHigh, "page has no <title>", 0)
	case titleLen < 10 || titleLen > 60:
		r.add(IssueTitleLength, analysis.SeverityLow, fmt.Sprintf("title is %d characters; aim for 10-60", titleLen), 0)
	}

	desc := attr(doc.Find(`meta[name="description" i]`).First(), "content")
	descLen := utf8.RuneCountInString(desc)
	r.Facts["descriptionLength"] = descLen
	switch {
	case descLen == 0:
		r.add(IssueMissingDescription, analysis.SeverityMedium, "page has no meta description", 0)
	case descLen < 50 || descLen > 160:
		r.add(IssueDescriptionLength, analysis.SeverityLow,
			fmt.Sprintf("meta description is %d characters; aim for 50-160", descLen), 0)
	}

	h1 := doc.Find("h1").Length()
	r.Facts["h1Count"] = h1
	switch {
	case h1 == 0:
		r.add(IssueMissingH1, analysis.SeverityMedium, "page has no <h1>", 0)
	case h1 > 1:
		r.add(IssueMultipleH1, analysis.SeverityLow, "page has more than one <h1>", h1)
	}

	if attr(doc.Find(`link[rel="canonical" i]`).First(), "href") == "" {
		r.add(IssueMissingCanonical, analysis.SeverityLow, "no canonical link", 0)
	}
	if doc.Find(`meta[name="viewport" i]`).Length() == 0 {
		r.add(IssueMissingViewport, analysis.SeverityMedium, "no viewport meta tag; page is not mobile friendly", 0)
	}
	if robotsNoIndex(doc) || containsFold(page.Headers.Values("X-Robots-Tag"), "noindex") {
		r.add(IssueNoIndex, analysis.SeverityCritical, "page asks search engines not to index it", 0)
	}
	if doc.Find(`meta[property^="og:"]`).Length() == 0 {
		r.add(IssueMissingOpenGraph, analysis.SeverityLow, "no Open Graph tags for social previews", 0)
	}
	return r.finish(), nil
}

func robotsNoIndex(doc *goquery.Document) bool {
	noindex := false
	doc.Find(`meta[name="robots" i]`).Each(func(_ int, sel *goquery.Selection) {
		if containsFold([]string{attr(sel, "content")}, "noindex") {
			noindex = true
		}
	})
	return noindex
}
