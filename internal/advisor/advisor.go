// Package advisor bridges the engine to an external advisor that proposes
// optimization candidates. Advisor output is untrusted and is validated and
// normalized before it reaches the lifecycle manager.
package advisor

import (
	"context"
	"errors"

	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/bottleneck"
	"github.com/nadmax/pipetune/internal/optimization"
)

var (
	ErrAdvisorTimeout     = errors.New("advisor timed out")
	ErrAdvisorUnavailable = errors.New("advisor unavailable")
)

type Advisor interface {
	Propose(ctx context.Context, pipelineID string, stats aggregate.Stats, bottlenecks []bottleneck.Bottleneck) ([]*optimization.Candidate, error)
}

type AdvisorFunc func(ctx context.Context, pipelineID string, stats aggregate.Stats, bottlenecks []bottleneck.Bottleneck) ([]*optimization.Candidate, error)

func (f AdvisorFunc) Propose(ctx context.Context, pipelineID string, stats aggregate.Stats, bottlenecks []bottleneck.Bottleneck) ([]*optimization.Candidate, error) {
	return f(ctx, pipelineID, stats, bottlenecks)
}

// Degraded reports whether err means the advisor produced nothing this cycle
// and the caller should carry on with bottlenecks only.
func Degraded(err error) bool {
	return errors.Is(err, ErrAdvisorTimeout) || errors.Is(err, ErrAdvisorUnavailable)
}
