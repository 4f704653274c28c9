package advisor

import (
	"context"
	"math"

	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/bottleneck"
	"github.com/nadmax/pipetune/internal/optimization"
)

// RuleAdvisor turns each bottleneck into one candidate. It is used when no
// remote advisor is configured.
type RuleAdvisor struct{}

func (RuleAdvisor) Propose(_ context.Context, pipelineID string, stats aggregate.Stats, bottlenecks []bottleneck.Bottleneck) ([]*optimization.Candidate, error) {
	current := optimization.CurrentMetrics{SuccessRatePct: stats.SuccessRate}
	if stats.AvgDurationSeconds != nil {
		current.AvgDurationSeconds = *stats.AvgDurationSeconds
	}

	out := make([]*optimization.Candidate, 0, len(bottlenecks))
	for _, b := range bottlenecks {
		c := optimization.NewCandidate(pipelineID, b.Type, b.Recommendation)
		c.Description = b.Description
		c.Confidence = confidence(b.Severity)
		c.CurrentMetrics = current
		c.ProjectedMetrics = optimization.ProjectedMetrics{
			AvgDurationSeconds: current.AvgDurationSeconds,
			SuccessRatePct:     current.SuccessRatePct,
		}
		// A failure cluster's impact is its share of failures; fixing it
		// recovers that share of the failing runs.
		if b.Type == optimization.TypeCaching || b.Type == optimization.TypeDependencyOptimization {
			recovered := (100 - current.SuccessRatePct) * b.Impact / 100
			c.ProjectedMetrics.SuccessRatePct = math.Min(100, math.Round((current.SuccessRatePct+recovered)*10)/10)
		}
		c.ImplementationSteps = []string{b.Recommendation}
		out = append(out, c)
	}
	return out, nil
}

func confidence(s bottleneck.Severity) float64 {
	switch s {
	case bottleneck.SeverityHigh:
		return 80
	case bottleneck.SeverityMedium:
		return 60
	default:
		return 40
	}
}
