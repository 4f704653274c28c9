// Package optimization defines the optimization candidate domain model and
// the lifecycle rules every store and manager must respect.
package optimization

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("optimization not found")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrDuplicateProposal = errors.New("duplicate optimization proposal")
	ErrIDConflict        = errors.New("optimization id already exists")
)

type (
	Type             string
	Status           string
	CurrentMetrics   struct {
		AvgDurationSeconds float64 `json:"avg_duration_seconds"`
		SuccessRatePct     float64 `json:"success_rate_pct"`
	}
	ProjectedMetrics struct {
		AvgDurationSeconds float64 `json:"avg_duration_seconds"`
		SuccessRatePct     float64 `json:"success_rate_pct"`
		TimeSavedMinutes   float64 `json:"time_saved_minutes"`
	}
	Candidate struct {
		ID                  string           `json:"id"`
		PipelineConfigID    string           `json:"pipeline_config_id"`
		Type                Type             `json:"type"`
		Title               string           `json:"title"`
		Description         string           `json:"description"`
		Confidence          float64          `json:"confidence"`
		CurrentMetrics      CurrentMetrics   `json:"current_metrics"`
		ProjectedMetrics    ProjectedMetrics `json:"projected_metrics"`
		ImplementationSteps []string         `json:"implementation_steps"`
		Status              Status           `json:"status"`
		AppliedAt           *time.Time       `json:"applied_at,omitempty"`
		CreatedAt           time.Time        `json:"created_at"`
	}
)

const (
	TypeParallelization        Type = "parallelization"
	TypeResourceAllocation     Type = "resource_allocation"
	TypeBuildOptimization      Type = "build_optimization"
	TypeCaching                Type = "caching"
	TypeDependencyOptimization Type = "dependency_optimization"
)

const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
)

func (t Type) Valid() bool {
	switch t {
	case TypeParallelization, TypeResourceAllocation, TypeBuildOptimization,
		TypeCaching, TypeDependencyOptimization:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRejected
}

func NewCandidate(pipelineID string, typ Type, title string) *Candidate {
	return &Candidate{
		ID:               uuid.New().String(),
		PipelineConfigID: pipelineID,
		Type:             typ,
		Title:            title,
		Status:           StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
}

// Validate enforces the advisor trust boundary. Projected duration is allowed
// to exceed the current one.
func (c *Candidate) Validate() error {
	if c.Title == "" {
		return errors.New("missing title")
	}
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 100 {
		return fmt.Errorf("confidence %v outside [0,100]", c.Confidence)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("unknown optimization type %q", c.Type)
	}
	return nil
}

// CheckTransition reports whether moving from the current status to next is
// allowed. Only pending candidates may move, and only to a terminal status.
func (c *Candidate) CheckTransition(next Status) error {
	if c.Status != StatusPending || !next.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
	}
	return nil
}

func (c *Candidate) Clone() *Candidate {
	cp := *c
	if c.AppliedAt != nil {
		at := *c.AppliedAt
		cp.AppliedAt = &at
	}
	if c.ImplementationSteps != nil {
		cp.ImplementationSteps = append([]string(nil), c.ImplementationSteps...)
	}
	return &cp
}
