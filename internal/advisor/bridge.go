package advisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/bottleneck"
	"github.com/nadmax/pipetune/internal/metrics"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

type Config struct {
	Timeout time.Duration
	// MaxFailures consecutive failures open the breaker for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:     DefaultTimeout,
		MaxFailures: 3,
		OpenTimeout: 30 * time.Second,
	}
}

// Bridge wraps an Advisor with a timeout, a circuit breaker and candidate
// validation.
type Bridge struct {
	advisor Advisor
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time
}

func NewBridge(a Advisor, cfg Config, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}

	maxFailures := cfg.MaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "advisor",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Bridge{
		advisor: a,
		timeout: cfg.Timeout,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// Propose asks the advisor for candidates and returns the valid ones in
// pending status. Invalid candidates are logged and dropped.
func (b *Bridge) Propose(ctx context.Context, pipelineID string, stats aggregate.Stats, bottlenecks []bottleneck.Bottleneck) ([]*optimization.Candidate, error) {
	start := b.now()
	raw, err := b.call(ctx, pipelineID, stats, bottlenecks)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.RecordAdvisorCall("ok", elapsed)
	case errors.Is(err, ErrAdvisorTimeout):
		metrics.RecordAdvisorCall("timeout", elapsed)
		b.logger.Warn("advisor timed out", zap.String("pipeline", pipelineID), zap.Duration("timeout", b.timeout))
		return nil, err
	case errors.Is(err, ErrAdvisorUnavailable):
		metrics.RecordAdvisorCall("open", elapsed)
		return nil, err
	default:
		metrics.RecordAdvisorCall("error", elapsed)
		b.logger.Error("advisor call failed", zap.String("pipeline", pipelineID), zap.Error(err))
		return nil, err
	}

	out := make([]*optimization.Candidate, 0, len(raw))
	for i, c := range raw {
		if c == nil {
			continue
		}
		if err := c.Validate(); err != nil {
			metrics.RecordProposalDropped("invalid")
			b.logger.Warn("dropping advisor candidate",
				zap.String("pipeline", pipelineID),
				zap.Int("index", i),
				zap.String("title", c.Title),
				zap.Float64("confidence", c.Confidence),
				zap.Error(err))
			continue
		}
		out = append(out, b.normalize(c, pipelineID, stats))
	}
	return out, nil
}

func (b *Bridge) call(ctx context.Context, pipelineID string, stats aggregate.Stats, bottlenecks []bottleneck.Bottleneck) ([]*optimization.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		candidates []*optimization.Candidate
		err        error
	}

	res, err := b.breaker.Execute(func() (interface{}, error) {
		done := make(chan result, 1)
		go func() {
			c, err := b.advisor.Propose(ctx, pipelineID, stats, bottlenecks)
			done <- result{candidates: c, err: err}
		}()

		select {
		case r := <-done:
			if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("propose for %s: %w", pipelineID, ErrAdvisorTimeout)
			}
			return r.candidates, r.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("propose for %s: %w", pipelineID, ErrAdvisorTimeout)
			}
			return nil, fmt.Errorf("propose for %s: %w", pipelineID, ctx.Err())
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("propose for %s: %w: %w", pipelineID, ErrAdvisorUnavailable, err)
	}
	if err != nil {
		return nil, err
	}

	candidates, _ := res.([]*optimization.Candidate)
	return candidates, nil
}

func (b *Bridge) normalize(c *optimization.Candidate, pipelineID string, stats aggregate.Stats) *optimization.Candidate {
	n := c.Clone()
	n.PipelineConfigID = pipelineID
	n.Status = optimization.StatusPending
	n.AppliedAt = nil
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = b.now().UTC()
	}
	if n.CurrentMetrics == (optimization.CurrentMetrics{}) {
		n.CurrentMetrics.SuccessRatePct = stats.SuccessRate
		if stats.AvgDurationSeconds != nil {
			n.CurrentMetrics.AvgDurationSeconds = *stats.AvgDurationSeconds
		}
	}
	return n
}
