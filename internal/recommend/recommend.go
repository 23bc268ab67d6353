// Package recommend turns analyzer reports into prioritized recommendations.
package recommend

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/analyzers"
)

// Difficulty levels reported on recommendations.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// Rule describes how to fix one issue code.
type Rule struct {
	Message     string
	ActionItems []string
	Difficulty  string
	// Impact is the relative benefit of the fix in [0,1].
	Impact float64
}

var severityWeight = map[analysis.Severity]float64{
	analysis.SeverityCritical: 1.0,
	analysis.SeverityHigh:     0.8,
	analysis.SeverityMedium:   0.5,
	analysis.SeverityLow:      0.25,
}

var severityRank = map[analysis.Severity]int{
	analysis.SeverityCritical: 0,
	analysis.SeverityHigh:     1,
	analysis.SeverityMedium:   2,
	analysis.SeverityLow:      3,
}

// Generator is the rule-based analysis.Recommender.
type Generator struct {
	rules  map[string]Rule
	logger *zap.Logger
}

var _ analysis.Recommender = (*Generator)(nil)

// NewGenerator creates a Generator with the built-in rules plus extra, which
// override built-ins with the same code.
func NewGenerator(extra map[string]Rule, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	rules := make(map[string]Rule, len(builtinRules)+len(extra))
	for code, r := range builtinRules {
		rules[code] = r
	}
	for code, r := range extra {
		rules[code] = r
	}
	return &Generator{rules: rules, logger: logger.Named("recommend")}
}

// Recommend builds one recommendation per issue across the succeeded
// results, plus one per failed dimension, ordered by priority.
func (g *Generator) Recommend(
	ctx context.Context,
	job analysis.Job,
	results []analysis.StageResult,
) ([]analysis.Recommendation, error) {
	recs := make([]analysis.Recommendation, 0)
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if res.Status != analysis.ResultSucceeded {
			recs = append(recs, g.rerun(job.ID, res))
			continue
		}
		var report analyzers.Report
		if err := json.Unmarshal(res.Data, &report); err != nil {
			// Custom analyzers may emit other shapes; they yield no recommendations.
			g.logger.Debug("skipping non-report result",
				zap.String("job_id", job.ID),
				zap.String("dimension", string(res.Dimension)),
				zap.Error(err))
			continue
		}
		for _, issue := range report.Issues {
			recs = append(recs, g.fromIssue(job.ID, res.Dimension, issue))
		}
	}
	slices.SortStableFunc(recs, func(a, b analysis.Recommendation) int {
		if c := cmp.Compare(severityRank[a.Severity], severityRank[b.Severity]); c != 0 {
			return c
		}
		return cmp.Compare(b.ImpactScore, a.ImpactScore)
	})
	for i := range recs {
		recs[i].Priority = i + 1
	}
	return recs, nil
}

func (g *Generator) fromIssue(jobID string, dim analysis.Dimension, issue analyzers.Issue) analysis.Recommendation {
	rule, ok := g.rules[issue.Code]
	if !ok {
		rule = Rule{
			Message:     issue.Detail,
			ActionItems: []string{fmt.Sprintf("Investigate %s", issue.Code)},
			Difficulty:  DifficultyMedium,
			Impact:      0.5,
		}
	}
	message := rule.Message
	if issue.Count > 1 {
		message = fmt.Sprintf("%s (%d occurrences)", message, issue.Count)
	}
	return analysis.Recommendation{
		JobID:                    jobID,
		Category:                 dim,
		Message:                  message,
		Severity:                 issue.Severity,
		ActionItems:              slices.Clone(rule.ActionItems),
		ImpactScore:              impactScore(rule.Impact, issue.Severity),
		ImplementationDifficulty: rule.Difficulty,
	}
}

func (g *Generator) rerun(jobID string, res analysis.StageResult) analysis.Recommendation {
	return analysis.Recommendation{
		JobID:    jobID,
		Category: res.Dimension,
		Message:  fmt.Sprintf("The %s check could not be completed: %s", res.Dimension, res.Error),
		Severity: analysis.SeverityLow,
		ActionItems: []string{
			"Confirm the page is reachable and returns HTML",
			"Request a new analysis",
		},
		ImpactScore:              impactScore(0.2, analysis.SeverityLow),
		ImplementationDifficulty: DifficultyEasy,
	}
}

// impactScore scales rule impact by severity to a 0-10 score with one decimal.
func impactScore(impact float64, sev analysis.Severity) float64 {
	score := 10 * impact * severityWeight[sev]
	return math.Round(score*10) / 10
}
