package webhook

import (
	"math"
	"time"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// DefaultBackoff applies when a config leaves its policy unset.
var DefaultBackoff = analysis.BackoffPolicy{
	Base:       10 * time.Second,
	Multiplier: 2,
	Max:        time.Hour,
}

// DefaultMaxRetries is the attempt budget for configs that leave it unset.
const DefaultMaxRetries = 5

// Delay returns base*multiplier^attempts capped at the policy maximum.
func Delay(p analysis.BackoffPolicy, attempts int) time.Duration {
	p = normalizePolicy(p)
	if attempts < 0 {
		attempts = 0
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempts))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

func normalizePolicy(p analysis.BackoffPolicy) analysis.BackoffPolicy {
	if p.Base <= 0 {
		p.Base = DefaultBackoff.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultBackoff.Multiplier
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoff.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}
