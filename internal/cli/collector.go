package cli

import (
	"context"
	"time"

	"github.com/nadmax/pipetune/internal/lifecycle"
	"github.com/nadmax/pipetune/internal/metrics"
	"github.com/nadmax/pipetune/internal/optimization"
	"go.uber.org/zap"
)

func startMetricsCollector(ctx context.Context, mgr *lifecycle.Manager, pipelines []string, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		updateCandidateMetrics(ctx, mgr, pipelines, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// updateCandidateMetrics counts the candidates of the watched pipelines by
// status. A pipeline whose candidates cannot be listed is skipped.
func updateCandidateMetrics(ctx context.Context, mgr *lifecycle.Manager, pipelines []string, logger *zap.Logger) {
	byStatus := map[string]int{
		string(optimization.StatusPending):  0,
		string(optimization.StatusApplied):  0,
		string(optimization.StatusRejected): 0,
	}

	for _, id := range pipelines {
		cands, err := mgr.List(ctx, id)
		if err != nil {
			logger.Warn("failed to list candidates for metrics", zap.String("pipeline", id), zap.Error(err))
			continue
		}
		for _, c := range cands {
			byStatus[string(c.Status)]++
		}
	}

	metrics.UpdateCandidateGauges(byStatus)
}
