// Package detector decides when a plain fetch should be re-rendered in a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	// BodyLengthThreshold is the document size under which script-heavy
	// pages are treated as client rendered.
	BodyLengthThreshold int
	// MinMountText is the visible text a framework mount point needs to
	// count as server rendered.
	MinMountText int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, MinMountText: 64}
}

// Framework mount points that stay empty until client scripts run.
const mountSelector = "#__next, #__nuxt, #root, #app, [data-reactroot], [ng-app], [ng-version]"

var noscriptHints = []string{"enable javascript", "requires javascript", "javascript is disabled"}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp analysis.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if h.emptyMount(doc) || noscriptWarning(doc) {
		return true
	}
	return len(body) < h.BodyLengthThreshold && scriptDensityHigh(doc, len(body))
}

func (h *Heuristic) emptyMount(doc *goquery.Document) bool {
	empty := false
	doc.Find(mountSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(strings.TrimSpace(s.Text())) < h.MinMountText {
			empty = true
			return false
		}
		return true
	})
	return empty
}

func noscriptWarning(doc *goquery.Document) bool {
	found := false
	doc.Find("noscript").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(s.Text())
		for _, hint := range noscriptHints {
			if strings.Contains(text, hint) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// scriptDensityHigh reports whether inline scripts make up a quarter of the
// document while the page carries almost no visible text.
func scriptDensityHigh(doc *goquery.Document, total int) bool {
	if total == 0 {
		return false
	}
	scripts := doc.Find("script")
	if scripts.Length() == 0 {
		return false
	}
	coverage := 0
	scripts.Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err == nil {
			coverage += len(html)
		}
	})
	return coverage*100/total >= 25
}
