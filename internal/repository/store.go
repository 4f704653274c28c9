// Package repository provides the run and optimization stores the engine
// reads from and writes lifecycle transitions to.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/run"
)

// ErrStoreUnavailable marks I/O failures talking to the backing store.
var ErrStoreUnavailable = errors.New("store unavailable")

// RunStore is read-only: runs are owned by the external executor.
type RunStore interface {
	// ListRuns returns at most limit of the newest runs in chronological
	// order. A limit of zero returns every run.
	ListRuns(ctx context.Context, pipelineID string, limit int) ([]run.PipelineRun, error)
	ListQualityChecks(ctx context.Context, runID string) ([]run.QualityCheck, error)
}

type OptimizationStore interface {
	SaveCandidate(ctx context.Context, c *optimization.Candidate) error
	GetCandidate(ctx context.Context, id string) (*optimization.Candidate, error)
	// UpdateStatus moves a pending candidate to a terminal status. It fails
	// with optimization.ErrInvalidTransition when the candidate is no longer
	// pending.
	UpdateStatus(ctx context.Context, id string, status optimization.Status, appliedAt *time.Time) error
	ListByStatus(ctx context.Context, pipelineID string, status optimization.Status) ([]*optimization.Candidate, error)
	ListCandidates(ctx context.Context, pipelineID string) ([]*optimization.Candidate, error)
}
