// Package dashboard assembles the per-pipeline views served to the
// presentation layer: stats, bottlenecks and candidates, impact reports, and
// the lifecycle transitions exposed outward.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/pipetune/internal/advisor"
	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/bottleneck"
	"github.com/nadmax/pipetune/internal/cache"
	"github.com/nadmax/pipetune/internal/impact"
	"github.com/nadmax/pipetune/internal/lifecycle"
	"github.com/nadmax/pipetune/internal/metrics"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/reconciler"
	"github.com/nadmax/pipetune/internal/repository"
	"github.com/nadmax/pipetune/internal/run"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQualityRuns       = 20
	DefaultQualityFetchLimit = 8
)

// SnapshotStore persists the last good views across restarts.
type SnapshotStore interface {
	Put(ctx context.Context, kind, pipelineID string, v any) error
	Get(ctx context.Context, kind, pipelineID string, dst any) (time.Time, bool, error)
}

type View struct {
	PipelineConfigID string                    `json:"pipeline_config_id"`
	Stats            aggregate.Stats           `json:"stats"`
	Bottlenecks      []bottleneck.Bottleneck   `json:"bottlenecks"`
	Candidates       []*optimization.Candidate `json:"candidates"`
	GeneratedAt      time.Time                 `json:"generated_at"`
	Stale            bool                      `json:"stale"`
	StaleReason      string                    `json:"stale_reason,omitempty"`
}

type ImpactView struct {
	impact.Report
	Stale   bool       `json:"stale"`
	SavedAt *time.Time `json:"saved_at,omitempty"`
}

// Analysis is the outcome of one aggregation pass plus an advisor round.
type Analysis struct {
	View
	Proposed        []*optimization.Candidate `json:"proposed"`
	Duplicates      int                       `json:"duplicates"`
	Dropped         int                       `json:"dropped"`
	AdvisorDegraded bool                      `json:"advisor_degraded"`
	AdvisorError    string                    `json:"advisor_error,omitempty"`
}

type Options struct {
	Aggregate aggregate.Options
	Impact    impact.Config
	// QualityRuns is how many of the newest runs have their quality checks
	// fetched for gate analysis.
	QualityRuns       int
	QualityFetchLimit int
	// Interval drives the pollers of watched pipelines. Zero refreshes them
	// only on demand.
	Interval time.Duration
	Cache    SnapshotStore
	Logger   *zap.Logger
}

type Service struct {
	runs      repository.RunStore
	lifecycle *lifecycle.Manager
	advisor   advisor.Advisor
	opts      Options
	logger    *zap.Logger
	registry  *reconciler.Registry[View]

	mu       sync.Mutex
	lastGood map[string]View
}

// NewService wires the service. A nil advisor makes every analysis run
// degraded, with bottlenecks only.
func NewService(runs repository.RunStore, mgr *lifecycle.Manager, adv advisor.Advisor, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Aggregate.Days <= 0 && opts.Aggregate.Limit == 0 && opts.Aggregate.Now == nil {
		opts.Aggregate = aggregate.DefaultOptions()
	}
	if opts.QualityRuns <= 0 {
		opts.QualityRuns = DefaultQualityRuns
	}
	if opts.QualityFetchLimit <= 0 {
		opts.QualityFetchLimit = DefaultQualityFetchLimit
	}

	s := &Service{
		runs:      runs,
		lifecycle: mgr,
		advisor:   adv,
		opts:      opts,
		logger:    opts.Logger,
		lastGood:  make(map[string]View),
	}
	s.registry = reconciler.NewRegistry(func(pipelineID string) reconciler.FetchFunc[View] {
		return func(ctx context.Context) (View, error) {
			return s.build(ctx, pipelineID)
		}
	}, opts.Interval, opts.Logger)
	return s
}

// Watch keeps a polled snapshot of each pipeline's dashboard.
func (s *Service) Watch(pipelineIDs ...string) {
	for _, id := range pipelineIDs {
		s.registry.Watch(id)
	}
}

func (s *Service) Watched() []string {
	return s.registry.Pipelines()
}

// RefreshAll polls every watched pipeline and returns how many snapshots
// were replaced.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	return s.registry.RefreshAll(ctx)
}

func (s *Service) Stop() {
	s.registry.Stop()
}

// GetDashboard returns the pipeline's view. Watched pipelines are served from
// their polled snapshot. When the store is unavailable the last good view is
// returned marked stale; the error is returned only when none exists.
func (s *Service) GetDashboard(ctx context.Context, pipelineID string) (View, error) {
	if p, ok := s.registry.Get(pipelineID); ok {
		if snap := p.Snapshot(); snap.Valid {
			return fromSnapshot(snap), nil
		}
	}
	return s.fresh(ctx, pipelineID)
}

// Refresh rebuilds the view now instead of waiting for the next poll.
func (s *Service) Refresh(ctx context.Context, pipelineID string) (View, error) {
	p, ok := s.registry.Get(pipelineID)
	if !ok {
		return s.fresh(ctx, pipelineID)
	}

	snap := p.Refresh(ctx)
	if !snap.Valid {
		return s.fallback(ctx, pipelineID, snap.Err)
	}
	return fromSnapshot(snap), nil
}

// Analyze runs one aggregation pass, asks the advisor for candidates and
// proposes them to the lifecycle manager. Duplicates and candidates reusing a
// stored id are counted and skipped.
// An advisor failure degrades the pass to bottlenecks only.
func (s *Service) Analyze(ctx context.Context, pipelineID string) (Analysis, error) {
	v, err := s.build(ctx, pipelineID)
	if err != nil {
		return Analysis{}, err
	}
	a := Analysis{View: v, Proposed: []*optimization.Candidate{}}

	if s.advisor == nil {
		a.AdvisorDegraded = true
		a.AdvisorError = advisor.ErrAdvisorUnavailable.Error()
		return a, nil
	}

	cands, err := s.advisor.Propose(ctx, pipelineID, v.Stats, v.Bottlenecks)
	if err != nil {
		if !advisor.Degraded(err) {
			s.logger.Warn("advisor failed, continuing with bottlenecks only",
				zap.String("pipeline", pipelineID), zap.Error(err))
		}
		a.AdvisorDegraded = true
		a.AdvisorError = err.Error()
		return a, nil
	}

	for _, c := range cands {
		created, err := s.lifecycle.Propose(ctx, c)
		if errors.Is(err, optimization.ErrDuplicateProposal) {
			a.Duplicates++
			continue
		}
		if errors.Is(err, optimization.ErrIDConflict) {
			s.logger.Warn("dropping advisor candidate with a known id",
				zap.String("pipeline", pipelineID),
				zap.String("id", c.ID),
				zap.String("type", string(c.Type)))
			a.Dropped++
			continue
		}
		if err != nil {
			return Analysis{}, fmt.Errorf("analyze %s: %w", pipelineID, err)
		}
		a.Proposed = append(a.Proposed, created)
	}

	if len(a.Proposed) > 0 {
		all, err := s.lifecycle.List(ctx, pipelineID)
		if err != nil {
			return Analysis{}, fmt.Errorf("analyze %s: %w", pipelineID, err)
		}
		a.Candidates = nonNil(all)
		s.remember(ctx, a.View)
		s.reconcile(ctx, pipelineID)
	}

	s.logger.Info("analysis complete",
		zap.String("pipeline", pipelineID),
		zap.Int("bottlenecks", len(a.Bottlenecks)),
		zap.Int("proposed", len(a.Proposed)),
		zap.Int("duplicates", a.Duplicates),
		zap.Int("dropped", a.Dropped))
	return a, nil
}

// GetImpactReport compares the runs before and after the first applied
// optimization, over the pipeline's whole history.
func (s *Service) GetImpactReport(ctx context.Context, pipelineID string) (ImpactView, error) {
	var (
		runs    []run.PipelineRun
		applied []*optimization.Candidate
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		runs, err = s.runs.ListRuns(gctx, pipelineID, 0)
		return err
	})
	g.Go(func() error {
		var err error
		applied, err = s.lifecycle.Applied(gctx, pipelineID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, repository.ErrStoreUnavailable) && s.opts.Cache != nil {
			var r impact.Report
			savedAt, ok, cerr := s.opts.Cache.Get(ctx, cache.KindImpact, pipelineID, &r)
			if cerr != nil {
				s.logger.Warn("failed to read cached impact report", zap.String("pipeline", pipelineID), zap.Error(cerr))
			}
			if ok {
				return ImpactView{Report: r, Stale: true, SavedAt: &savedAt}, nil
			}
		}
		return ImpactView{}, fmt.Errorf("impact report %s: %w", pipelineID, err)
	}

	r := impact.Analyze(pipelineID, runs, applied, s.opts.Impact)
	if err := (impact.MetricsSink{}).PublishImpact(ctx, r); err != nil {
		s.logger.Warn("failed to publish impact metrics", zap.Error(err))
	}
	if s.opts.Cache != nil {
		if err := s.opts.Cache.Put(ctx, cache.KindImpact, pipelineID, r); err != nil {
			s.logger.Warn("failed to cache impact report", zap.String("pipeline", pipelineID), zap.Error(err))
		}
	}
	return ImpactView{Report: r}, nil
}

func (s *Service) Apply(ctx context.Context, id string) (*optimization.Candidate, error) {
	c, err := s.lifecycle.Apply(ctx, id)
	if err != nil {
		return nil, err
	}
	s.reconcile(ctx, c.PipelineConfigID)
	return c, nil
}

func (s *Service) Reject(ctx context.Context, id string) (*optimization.Candidate, error) {
	c, err := s.lifecycle.Reject(ctx, id)
	if err != nil {
		return nil, err
	}
	s.reconcile(ctx, c.PipelineConfigID)
	return c, nil
}

func (s *Service) fresh(ctx context.Context, pipelineID string) (View, error) {
	v, err := s.build(ctx, pipelineID)
	if err != nil {
		return s.fallback(ctx, pipelineID, err)
	}
	return v, nil
}

// fallback serves the last good view for store failures, from memory first
// and then from the snapshot cache.
func (s *Service) fallback(ctx context.Context, pipelineID string, cause error) (View, error) {
	if !errors.Is(cause, repository.ErrStoreUnavailable) {
		return View{}, cause
	}

	s.mu.Lock()
	v, ok := s.lastGood[pipelineID]
	s.mu.Unlock()

	if !ok && s.opts.Cache != nil {
		var err error
		_, ok, err = s.opts.Cache.Get(ctx, cache.KindDashboard, pipelineID, &v)
		if err != nil {
			s.logger.Warn("failed to read cached dashboard", zap.String("pipeline", pipelineID), zap.Error(err))
		}
	}
	if !ok {
		return View{}, fmt.Errorf("no snapshot available: %w", cause)
	}

	s.logger.Warn("serving stale dashboard", zap.String("pipeline", pipelineID), zap.Error(cause))
	v.Stale = true
	v.StaleReason = cause.Error()
	return v, nil
}

// build fetches runs and candidates concurrently, then the quality checks of
// the newest runs with bounded fan-out, and derives stats and bottlenecks.
func (s *Service) build(ctx context.Context, pipelineID string) (View, error) {
	var (
		runs  []run.PipelineRun
		cands []*optimization.Candidate
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		runs, err = s.runs.ListRuns(gctx, pipelineID, s.opts.Aggregate.Limit)
		return err
	})
	g.Go(func() error {
		var err error
		cands, err = s.lifecycle.List(gctx, pipelineID)
		return err
	})
	if err := g.Wait(); err != nil {
		return View{}, fmt.Errorf("dashboard %s: %w", pipelineID, err)
	}

	checks, err := s.qualityChecks(ctx, runs)
	if err != nil {
		return View{}, fmt.Errorf("dashboard %s: %w", pipelineID, err)
	}

	stats := aggregate.Compute(runs, s.opts.Aggregate)
	found := bottleneck.Detect(stats, runs, checks)

	bySeverity := map[string]int{
		string(bottleneck.SeverityLow):    0,
		string(bottleneck.SeverityMedium): 0,
		string(bottleneck.SeverityHigh):   0,
	}
	for _, b := range found {
		bySeverity[string(b.Severity)]++
	}
	metrics.UpdateBottlenecks(pipelineID, bySeverity)

	v := View{
		PipelineConfigID: pipelineID,
		Stats:            stats,
		Bottlenecks:      found,
		Candidates:       nonNil(cands),
		GeneratedAt:      time.Now().UTC(),
	}
	s.remember(ctx, v)
	return v, nil
}

func (s *Service) qualityChecks(ctx context.Context, runs []run.PipelineRun) ([]run.QualityCheck, error) {
	recent := runs
	if len(recent) > s.opts.QualityRuns {
		recent = recent[len(recent)-s.opts.QualityRuns:]
	}

	results := make([][]run.QualityCheck, len(recent))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.QualityFetchLimit)
	for i, r := range recent {
		g.Go(func() error {
			checks, err := s.runs.ListQualityChecks(gctx, r.ID)
			if err != nil {
				return err
			}
			results[i] = checks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []run.QualityCheck
	for _, checks := range results {
		out = append(out, checks...)
	}
	return out, nil
}

func (s *Service) remember(ctx context.Context, v View) {
	s.mu.Lock()
	if prev, ok := s.lastGood[v.PipelineConfigID]; ok && prev.GeneratedAt.After(v.GeneratedAt) {
		s.mu.Unlock()
		return
	}
	s.lastGood[v.PipelineConfigID] = v
	s.mu.Unlock()

	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.Put(ctx, cache.KindDashboard, v.PipelineConfigID, v); err != nil {
		s.logger.Warn("failed to cache dashboard", zap.String("pipeline", v.PipelineConfigID), zap.Error(err))
	}
}

// reconcile re-polls a watched pipeline after a mutation so its snapshot
// reflects the transition.
func (s *Service) reconcile(ctx context.Context, pipelineID string) {
	if p, ok := s.registry.Get(pipelineID); ok {
		p.Poll(ctx)
	}
}

func fromSnapshot(snap reconciler.Snapshot[View]) View {
	v := snap.Value
	if snap.Stale {
		v.Stale = true
		if snap.Err != nil {
			v.StaleReason = snap.Err.Error()
		}
	}
	return v
}

func nonNil(cands []*optimization.Candidate) []*optimization.Candidate {
	if cands == nil {
		return []*optimization.Candidate{}
	}
	return cands
}
