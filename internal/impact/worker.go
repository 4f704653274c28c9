package impact

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nadmax/pipetune/internal/lifecycle"
	"github.com/nadmax/pipetune/internal/metrics"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/repository"
	"go.uber.org/zap"
)

// Sink receives freshly computed reports.
type Sink interface {
	PublishImpact(ctx context.Context, r Report) error
}

// MetricsSink publishes the report headline figures as Prometheus gauges.
type MetricsSink struct{}

func (MetricsSink) PublishImpact(_ context.Context, r Report) error {
	metrics.UpdateImpact(r.PipelineConfigID, r.TimeSavedMinutes, r.SuccessRateDelta, r.EstimatedCostReduction)
	return nil
}

type MultiSink []Sink

func (m MultiSink) PublishImpact(ctx context.Context, r Report) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishImpact(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// signal asks for a recomputation. When CandidateID is set the computation
// only proceeds while that candidate is still applied at AppliedAt.
type signal struct {
	PipelineID  string
	CandidateID string
	AppliedAt   time.Time
}

type inflight struct {
	seq    uint64
	cancel context.CancelFunc
}

// Worker recomputes impact reports in the background after an optimization
// is applied. A newer signal for a pipeline cancels the computation in flight.
type Worker struct {
	runs    repository.RunStore
	opts    repository.OptimizationStore
	cfg     Config
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	seq      uint64
	inflight map[string]inflight
	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

func NewWorker(runs repository.RunStore, opts repository.OptimizationStore, cfg Config, sink Sink, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = MetricsSink{}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Worker{
		runs:     runs,
		opts:     opts,
		cfg:      cfg,
		sink:     sink,
		timeout:  30 * time.Second,
		logger:   logger,
		inflight: make(map[string]inflight),
		ctx:      ctx,
		stop:     stop,
	}
}

var _ lifecycle.Listener = (*Worker)(nil)

// Notify implements lifecycle.Listener. Only apply events change the applied
// set, so other events are ignored.
func (w *Worker) Notify(e lifecycle.Event) {
	if e.Status != optimization.StatusApplied || e.Candidate == nil {
		return
	}
	w.dispatch(signal{PipelineID: e.PipelineID, CandidateID: e.Candidate.ID, AppliedAt: e.At})
}

// Trigger schedules an unconditional recomputation for the pipeline.
func (w *Worker) Trigger(pipelineID string) {
	w.dispatch(signal{PipelineID: pipelineID})
}

func (w *Worker) dispatch(sig signal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	if prev, ok := w.inflight[sig.PipelineID]; ok {
		prev.cancel()
	}

	w.seq++
	seq := w.seq
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	w.inflight[sig.PipelineID] = inflight{seq: seq, cancel: cancel}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.finish(sig.PipelineID, seq, cancel)

		if err := w.compute(ctx, sig); err != nil {
			if ctx.Err() != nil {
				w.logger.Debug("impact computation superseded", zap.String("pipeline", sig.PipelineID))
				return
			}
			w.logger.Error("impact computation failed", zap.String("pipeline", sig.PipelineID), zap.Error(err))
		}
	}()
}

func (w *Worker) finish(pipelineID string, seq uint64, cancel context.CancelFunc) {
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.inflight[pipelineID]; ok && cur.seq == seq {
		delete(w.inflight, pipelineID)
	}
}

func (w *Worker) compute(ctx context.Context, sig signal) error {
	applied, err := w.opts.ListByStatus(ctx, sig.PipelineID, optimization.StatusApplied)
	if err != nil {
		return err
	}
	if sig.CandidateID != "" && !premiseHolds(applied, sig) {
		w.logger.Info("discarding impact computation, cutover changed",
			zap.String("pipeline", sig.PipelineID),
			zap.String("candidate", sig.CandidateID))
		return nil
	}

	runs, err := w.runs.ListRuns(ctx, sig.PipelineID, 0)
	if err != nil {
		return err
	}
	report := Analyze(sig.PipelineID, runs, applied, w.cfg)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.sink.PublishImpact(ctx, report); err != nil {
		return err
	}

	w.logger.Debug("impact report published",
		zap.String("pipeline", sig.PipelineID),
		zap.Int("before", report.Before.Runs),
		zap.Int("after", report.After.Runs))
	return nil
}

func premiseHolds(applied []*optimization.Candidate, sig signal) bool {
	for _, c := range applied {
		if c.ID == sig.CandidateID {
			return c.AppliedAt != nil && c.AppliedAt.Equal(sig.AppliedAt)
		}
	}
	return false
}

// Stop cancels every computation in flight and waits for them to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stop()
	w.mu.Unlock()

	w.wg.Wait()
}
