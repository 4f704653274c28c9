package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/run"
)

// MemoryStore is an in-process RunStore and OptimizationStore. It backs the
// CLI's --memory mode and the tests of every package above the store. The
// *Error fields inject failures into the matching calls.
type MemoryStore struct {
	mu            sync.Mutex
	runs          map[string][]run.PipelineRun
	checks        map[string][]run.QualityCheck
	candidates    map[string]*optimization.Candidate
	ListRunsCalls int
	UpdateCalls   []UpdateStatusCall

	ListRunsError      error
	ListChecksError    error
	SaveCandidateError error
	UpdateStatusError  error
	ListCandidateError error
}

type UpdateStatusCall struct {
	ID        string
	Status    optimization.Status
	AppliedAt *time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string][]run.PipelineRun),
		checks:     make(map[string][]run.QualityCheck),
		candidates: make(map[string]*optimization.Candidate),
	}
}

func (m *MemoryStore) AddRuns(runs ...run.PipelineRun) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range runs {
		m.runs[r.PipelineConfigID] = append(m.runs[r.PipelineConfigID], r)
	}
}

func (m *MemoryStore) AddQualityChecks(checks ...run.QualityCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range checks {
		m.checks[c.RunID] = append(m.checks[c.RunID], c)
	}
}

func (m *MemoryStore) SetErrors(listRuns, listCandidates error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListRunsError = listRuns
	m.ListCandidateError = listCandidates
}

func (m *MemoryStore) ListRuns(ctx context.Context, pipelineID string, limit int) ([]run.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListRunsCalls++
	if m.ListRunsError != nil {
		return nil, m.ListRunsError
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list runs", pipelineID, err)
	}

	runs := append([]run.PipelineRun(nil), m.runs[pipelineID]...)
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	return runs, nil
}

func (m *MemoryStore) ListQualityChecks(ctx context.Context, runID string) ([]run.QualityCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListChecksError != nil {
		return nil, m.ListChecksError
	}
	return append([]run.QualityCheck(nil), m.checks[runID]...), nil
}

func (m *MemoryStore) SaveCandidate(ctx context.Context, c *optimization.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveCandidateError != nil {
		return m.SaveCandidateError
	}
	if _, exists := m.candidates[c.ID]; exists {
		return fmt.Errorf("save candidate %s: %w", c.ID, optimization.ErrIDConflict)
	}

	m.candidates[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) GetCandidate(ctx context.Context, id string) (*optimization.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.candidates[id]
	if !exists {
		return nil, fmt.Errorf("get candidate %s: %w", id, optimization.ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status optimization.Status, appliedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateCalls = append(m.UpdateCalls, UpdateStatusCall{ID: id, Status: status, AppliedAt: appliedAt})

	if m.UpdateStatusError != nil {
		return m.UpdateStatusError
	}

	c, exists := m.candidates[id]
	if !exists {
		return fmt.Errorf("update status of %s: %w", id, optimization.ErrNotFound)
	}
	if err := c.CheckTransition(status); err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}

	c.Status = status
	if appliedAt != nil {
		at := *appliedAt
		c.AppliedAt = &at
	}
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, pipelineID string, status optimization.Status) ([]*optimization.Candidate, error) {
	all, err := m.ListCandidates(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	var out []*optimization.Candidate
	for _, c := range all {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListCandidates(ctx context.Context, pipelineID string) ([]*optimization.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListCandidateError != nil {
		return nil, m.ListCandidateError
	}

	var out []*optimization.Candidate
	for _, c := range m.candidates {
		if c.PipelineConfigID == pipelineID {
			out = append(out, c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
