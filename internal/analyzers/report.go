package analyzers

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Issue is one problem found by an analyzer.
type Issue struct {
	Code     string            `json:"code"`
	Severity analysis.Severity `json:"severity"`
	Detail   string            `json:"detail"`
	Count    int               `json:"count,omitempty"`
}

// Report is the structured result every built-in analyzer produces.
type Report struct {
	Dimension analysis.Dimension `json:"dimension"`
	Score     int                `json:"score"`
	Issues    []Issue            `json:"issues"`
	Facts     map[string]any     `json:"facts,omitempty"`
}

var severityPenalty = map[analysis.Severity]int{
	analysis.SeverityCritical: 25,
	analysis.SeverityHigh:     15,
	analysis.SeverityMedium:   8,
	analysis.SeverityLow:      3,
}

func newReport(dim analysis.Dimension) *Report {
	return &Report{Dimension: dim, Issues: []Issue{}, Facts: map[string]any{}}
}

func (r *Report) add(code string, sev analysis.Severity, detail string, count int) {
	r.Issues = append(r.Issues, Issue{Code: code, Severity: sev, Detail: detail, Count: count})
}

// finish computes the score from the issues found.
func (r *Report) finish() *Report {
	score := 100
	for _, issue := range r.Issues {
		score -= severityPenalty[issue.Severity]
	}
	r.Score = max(score, 0)
	return r
}

// HasIssue reports whether the report contains an issue with code.
func (r Report) HasIssue(code string) bool {
	for _, issue := range r.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func parseDocument(page *analysis.Page) (*goquery.Document, error) {
	if page == nil {
		return nil, fmt.Errorf("%w: nil page", analysis.ErrInvalidInput)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return strings.TrimSpace(v)
}

func pageURL(page *analysis.Page) string {
	if page.FinalURL != "" {
		return page.FinalURL
	}
	return page.URL
}

func containsFold(values []string, needle string) bool {
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}
