package optimization

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCandidate(t *testing.T) {
	c := NewCandidate("pipe-1", TypeCaching, "Cache node_modules")

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "pipe-1", c.PipelineConfigID)
	assert.Equal(t, StatusPending, c.Status)
	assert.Nil(t, c.AppliedAt)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Candidate)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Candidate) {}},
		{name: "zero confidence", mutate: func(c *Candidate) { c.Confidence = 0 }},
		{name: "full confidence", mutate: func(c *Candidate) { c.Confidence = 100 }},
		{name: "negative confidence", mutate: func(c *Candidate) { c.Confidence = -1 }, wantErr: true},
		{name: "confidence over 100", mutate: func(c *Candidate) { c.Confidence = 100.5 }, wantErr: true},
		{name: "NaN confidence", mutate: func(c *Candidate) { c.Confidence = math.NaN() }, wantErr: true},
		{name: "missing title", mutate: func(c *Candidate) { c.Title = "" }, wantErr: true},
		{name: "unknown type", mutate: func(c *Candidate) { c.Type = "magic" }, wantErr: true},
		{
			name: "projected duration above current is allowed",
			mutate: func(c *Candidate) {
				c.CurrentMetrics.AvgDurationSeconds = 600
				c.ProjectedMetrics.AvgDurationSeconds = 700
				c.ProjectedMetrics.SuccessRatePct = 99
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCandidate("pipe-1", TypeParallelization, "Split test shards")
			c.Confidence = 80
			tt.mutate(c)

			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusApplied, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusPending, false},
		{StatusApplied, StatusRejected, false},
		{StatusApplied, StatusPending, false},
		{StatusRejected, StatusApplied, false},
		{StatusRejected, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			c := &Candidate{Status: tt.from}
			err := c.CheckTransition(tt.to)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			}
		})
	}
}

func TestClone(t *testing.T) {
	at := time.Now()
	c := NewCandidate("pipe-1", TypeCaching, "Cache")
	c.AppliedAt = &at
	c.ImplementationSteps = []string{"a", "b"}

	cp := c.Clone()
	cp.ImplementationSteps[0] = "changed"
	*cp.AppliedAt = at.Add(time.Hour)

	assert.Equal(t, "a", c.ImplementationSteps[0])
	assert.True(t, c.AppliedAt.Equal(at))
}

func TestCandidateJSON_PendingOmitsAppliedAt(t *testing.T) {
	c := NewCandidate("pipe-1", TypeDependencyOptimization, "Pin lockfile")

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "applied_at")
	assert.Contains(t, string(data), `"status":"pending"`)
}

func TestToleranceDuplicates(t *testing.T) {
	tol := DefaultTolerance()
	base := func() *Candidate {
		c := NewCandidate("pipe-1", TypeCaching, "Cache deps")
		c.ProjectedMetrics = ProjectedMetrics{AvgDurationSeconds: 600, SuccessRatePct: 90, TimeSavedMinutes: 5}
		return c
	}

	a := base()

	same := base()
	assert.True(t, tol.Duplicates(a, same))

	near := base()
	near.ProjectedMetrics.AvgDurationSeconds = 610
	near.ProjectedMetrics.SuccessRatePct = 90.5
	assert.True(t, tol.Duplicates(a, near))

	far := base()
	far.ProjectedMetrics.AvgDurationSeconds = 400
	assert.False(t, tol.Duplicates(a, far))

	otherType := base()
	otherType.Type = TypeParallelization
	assert.False(t, tol.Duplicates(a, otherType))

	otherPipeline := base()
	otherPipeline.PipelineConfigID = "pipe-2"
	assert.False(t, tol.Duplicates(a, otherPipeline))

	zero := base()
	zero.ProjectedMetrics.TimeSavedMinutes = 0
	assert.False(t, tol.Duplicates(a, zero))
}
