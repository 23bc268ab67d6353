package recommend

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/analyzers"
)

func result(t *testing.T, dim analysis.Dimension, issues ...analyzers.Issue) analysis.StageResult {
	t.Helper()
	data, err := json.Marshal(analyzers.Report{Dimension: dim, Issues: issues})
	require.NoError(t, err)
	return analysis.StageResult{JobID: "job-1", Dimension: dim, Status: analysis.ResultSucceeded, Data: data}
}

func TestRecommendOrdersBySeverityAndImpact(t *testing.T) {
	t.Parallel()

	g := NewGenerator(nil, nil)
	recs, err := g.Recommend(context.Background(), analysis.Job{ID: "job-1"}, []analysis.StageResult{
		result(t, analysis.DimensionSEO,
			analyzers.Issue{Code: analyzers.IssueMissingCanonical, Severity: analysis.SeverityLow},
			analyzers.Issue{Code: analyzers.IssueNoIndex, Severity: analysis.SeverityCritical},
		),
		result(t, analysis.DimensionAccessibility,
			analyzers.Issue{Code: analyzers.IssueImagesMissingAlt, Severity: analysis.SeverityHigh, Count: 4},
			analyzers.Issue{Code: analyzers.IssueEmptyLinks, Severity: analysis.SeverityMedium},
			analyzers.Issue{Code: analyzers.IssueUnlabeledInputs, Severity: analysis.SeverityHigh},
		),
		{JobID: "job-1", Dimension: analysis.DimensionPerformance, Status: analysis.ResultFailed, Error: "timeout"},
	})
	require.NoError(t, err)
	require.Len(t, recs, 6)

	require.Equal(t, "Allow search engines to index the page", recs[0].Message)
	require.Equal(t, 1, recs[0].Priority)
	require.Equal(t, 10.0, recs[0].ImpactScore)
	require.Equal(t, analysis.DimensionSEO, recs[0].Category)

	require.Equal(t, analysis.SeverityHigh, recs[1].Severity)
	require.Equal(t, "Provide text alternatives for images (4 occurrences)", recs[1].Message)
	require.Equal(t, analysis.SeverityHigh, recs[2].Severity)
	require.Equal(t, analysis.SeverityMedium, recs[3].Severity)

	last := recs[len(recs)-1]
	require.Equal(t, 6, last.Priority)
	require.Equal(t, analysis.SeverityLow, last.Severity)
	for _, r := range recs {
		require.Equal(t, "job-1", r.JobID)
		require.NotEmpty(t, r.ActionItems)
		require.NotEmpty(t, r.ImplementationDifficulty)
	}

	var rerun *analysis.Recommendation
	for i := range recs {
		if recs[i].Category == analysis.DimensionPerformance {
			rerun = &recs[i]
		}
	}
	require.NotNil(t, rerun)
	require.Contains(t, rerun.Message, "timeout")
}

func TestRecommendUnknownCodeAndOverrides(t *testing.T) {
	t.Parallel()

	g := NewGenerator(map[string]Rule{
		analyzers.IssueMissingH1: {Message: "Custom h1 advice", ActionItems: []string{"do it"}, Difficulty: DifficultyHard, Impact: 0.1},
	}, nil)
	recs, err := g.Recommend(context.Background(), analysis.Job{ID: "j"}, []analysis.StageResult{
		result(t, analysis.DimensionSEO,
			analyzers.Issue{Code: analyzers.IssueMissingH1, Severity: analysis.SeverityMedium},
			analyzers.Issue{Code: "custom.thing", Severity: analysis.SeverityMedium, Detail: "something odd"},
		),
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "something odd", recs[0].Message)
	require.Equal(t, "Custom h1 advice", recs[1].Message)
	require.Equal(t, DifficultyHard, recs[1].ImplementationDifficulty)
}

func TestRecommendSkipsForeignResultShapes(t *testing.T) {
	t.Parallel()

	g := NewGenerator(nil, nil)
	recs, err := g.Recommend(context.Background(), analysis.Job{ID: "j"}, []analysis.StageResult{
		{Dimension: "ux", Status: analysis.ResultSucceeded, Data: json.RawMessage(`[1,2,3]`)},
	})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestEveryIssueCodeHasRule(t *testing.T) {
	t.Parallel()

	for code, rule := range builtinRules {
		require.NotEmpty(t, rule.Message, code)
		require.NotEmpty(t, rule.ActionItems, code)
		require.Contains(t, []string{DifficultyEasy, DifficultyMedium, DifficultyHard}, rule.Difficulty, code)
		require.InDelta(t, 0.5, rule.Impact, 0.5, code)
	}
}
