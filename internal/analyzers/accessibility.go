package analyzers

import (
	"context"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Accessibility issue codes.
const (
	IssueMissingLang       = "accessibility.missing_lang"
	IssueImagesMissingAlt  = "accessibility.images_missing_alt"
	IssueUnlabeledInputs   = "accessibility.unlabeled_inputs"
	IssueEmptyLinks        = "accessibility.empty_links"
	IssueEmptyButtons      = "accessibility.empty_buttons"
	IssueHeadingSkips      = "accessibility.heading_skips"
	IssuePositiveTabIndex  = "accessibility.positive_tabindex"
	IssueZoomDisabled      = "accessibility.zoom_disabled"
	IssueMissingPageTitle  = "accessibility.missing_title"
	IssueMissingMainRegion = "accessibility.missing_main_landmark"
)

// Accessibility checks static WCAG signals in the markup.
type Accessibility struct{}

// Dimension implements analysis.Analyzer.
func (Accessibility) Dimension() analysis.Dimension { return analysis.DimensionAccessibility }

// Analyze implements analysis.Analyzer.
func (Accessibility) Analyze(ctx context.Context, page *analysis.Page) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := parseDocument(page)
	if err != nil {
		return nil, err
	}
	r := newReport(analysis.DimensionAccessibility)

	if attr(doc.Find("html").First(), "lang") == "" {
		r.add(IssueMissingLang, analysis.SeverityMedium, "<html> has no lang attribute", 0)
	}
	if strings.TrimSpace(doc.Find("head title").First().Text()) == "" {
		r.add(IssueMissingPageTitle, analysis.SeverityMedium, "page has no title for assistive technology", 0)
	}

	images := doc.Find("img")
	r.Facts["images"] = images.Length()
	if n := images.FilterFunction(func(_ int, sel *goquery.Selection) bool {
		_, ok := sel.Attr("alt")
		return !ok && !strings.EqualFold(attr(sel, "role"), "presentation")
	}).Length(); n > 0 {
		r.add(IssueImagesMissingAlt, analysis.SeverityHigh, "images lack alt text", n)
	}

	labeled := map[string]bool{}
	doc.Find("label[for]").Each(func(_ int, sel *goquery.Selection) {
		labeled[attr(sel, "for")] = true
	})
	unlabeled := 0
	doc.Find("input, select, textarea").Each(func(_ int, sel *goquery.Selection) {
		switch strings.ToLower(attr(sel, "type")) {
		case "hidden", "submit", "button", "reset", "image":
			return
		}
		if labeled[attr(sel, "id")] || attr(sel, "aria-label") != "" || attr(sel, "aria-labelledby") != "" ||
			attr(sel, "title") != "" || sel.ParentsFiltered("label").Length() > 0 {
			return
		}
		unlabeled++
	})
	if unlabeled > 0 {
		r.add(IssueUnlabeledInputs, analysis.SeverityHigh, "form controls have no accessible label", unlabeled)
	}

	if n := doc.Find("a[href]").FilterFunction(noAccessibleName).Length(); n > 0 {
		r.add(IssueEmptyLinks, analysis.SeverityMedium, "links have no discernible text", n)
	}
	if n := doc.Find("button").FilterFunction(noAccessibleName).Length(); n > 0 {
		r.add(IssueEmptyButtons, analysis.SeverityMedium, "buttons have no discernible text", n)
	}

	if skips := headingSkips(doc); skips > 0 {
		r.add(IssueHeadingSkips, analysis.SeverityLow, "heading levels are skipped", skips)
	}

	positive := 0
	doc.Find("[tabindex]").Each(func(_ int, sel *goquery.Selection) {
		if v, err := strconv.Atoi(attr(sel, "tabindex")); err == nil && v > 0 {
			positive++
		}
	})
	if positive > 0 {
		r.add(IssuePositiveTabIndex, analysis.SeverityLow, "positive tabindex values disrupt focus order", positive)
	}

	if zoomDisabled(attr(doc.Find(`meta[name="viewport" i]`).First(), "content")) {
		r.add(IssueZoomDisabled, analysis.SeverityHigh, "viewport prevents users from zooming", 0)
	}

	if doc.Find(`main, [role="main"]`).Length() == 0 {
		r.add(IssueMissingMainRegion, analysis.SeverityLow, "page has no <main> landmark", 0)
	}
	return r.finish(), nil
}

func noAccessibleName(_ int, sel *goquery.Selection) bool {
	if strings.TrimSpace(sel.Text()) != "" || attr(sel, "aria-label") != "" ||
		attr(sel, "aria-labelledby") != "" || attr(sel, "title") != "" {
		return false
	}
	return sel.Find("img[alt]").FilterFunction(func(_ int, img *goquery.Selection) bool {
		return attr(img, "alt") != ""
	}).Length() == 0
}

func headingSkips(doc *goquery.Document) int {
	skips, prev := 0, 0
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		level := int(goquery.NodeName(sel)[1] - '0')
		if prev > 0 && level > prev+1 {
			skips++
		}
		prev = level
	})
	return skips
}

func zoomDisabled(viewport string) bool {
	for _, part := range strings.Split(strings.ToLower(viewport), ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "user-scalable":
			if value == "no" || value == "0" {
				return true
			}
		case "maximum-scale":
			if v, err := strconv.ParseFloat(value, 64); err == nil && v <= 1 {
				return true
			}
		}
	}
	return false
}
