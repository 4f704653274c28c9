package impact

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cutoverAt = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return cutoverAt.Add(24 * time.Hour) }

func makeRuns(start time.Time, n int, status run.Status, duration float64) []run.PipelineRun {
	runs := make([]run.PipelineRun, n)
	for i := range runs {
		runs[i] = run.PipelineRun{
			ID:               start.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
			PipelineConfigID: "pipe-1",
			Status:           status,
			StartedAt:        start.Add(time.Duration(i) * time.Hour),
			DurationSeconds:  run.Seconds(duration),
		}
	}
	return runs
}

func appliedAt(at time.Time) *optimization.Candidate {
	c := optimization.NewCandidate("pipe-1", optimization.TypeCaching, "Cache deps")
	c.Status = optimization.StatusApplied
	c.AppliedAt = &at
	return c
}

func TestAnalyze_FiveBeforeFiveAfter(t *testing.T) {
	before := makeRuns(cutoverAt.Add(-10*time.Hour), 5, run.StatusSuccess, 900)
	before[0].Status = run.StatusFailed
	before[1].Status = run.StatusFailed
	after := makeRuns(cutoverAt, 5, run.StatusSuccess, 600)
	after[4].Status = run.StatusFailed

	runs := append(append([]run.PipelineRun(nil), before...), after...)
	report := Analyze("pipe-1", runs, []*optimization.Candidate{appliedAt(cutoverAt)}, Config{CostPerMinute: 0.5, Now: fixedNow})

	require.NotNil(t, report.Cutover)
	assert.True(t, report.Cutover.Equal(cutoverAt))
	assert.Equal(t, 5, report.Before.Runs)
	assert.Equal(t, 5, report.After.Runs)

	require.NotNil(t, report.TimeSavedMinutes)
	assert.Equal(t, 5.0, *report.TimeSavedMinutes)
	require.NotNil(t, report.AvgDurationDeltaSeconds)
	assert.Equal(t, -300.0, *report.AvgDurationDeltaSeconds)

	require.NotNil(t, report.SuccessRateDelta)
	assert.InDelta(t, 80.0-60.0, *report.SuccessRateDelta, 1e-9)

	require.NotNil(t, report.EstimatedCostReduction)
	assert.InDelta(t, 5.0*5*0.5, *report.EstimatedCostReduction, 1e-9)

	assert.Equal(t, fixedNow(), report.ComputedAt)
	require.Len(t, report.Series, 10)
	assert.Equal(t, PhaseBefore, report.Series[4].Phase)
	assert.Equal(t, PhaseAfter, report.Series[5].Phase)
}

func TestAnalyze_EmptyBefore(t *testing.T) {
	runs := makeRuns(cutoverAt, 4, run.StatusSuccess, 600)
	report := Analyze("pipe-1", runs, []*optimization.Candidate{appliedAt(cutoverAt.Add(-time.Hour))}, Config{CostPerMinute: 1})

	assert.Equal(t, 0, report.Before.Runs)
	assert.Nil(t, report.Before.AvgDurationSeconds)
	assert.Nil(t, report.Before.SuccessRate)
	assert.Nil(t, report.TimeSavedMinutes)
	assert.Nil(t, report.SuccessRateDelta)
	assert.Nil(t, report.EstimatedCostReduction)
	require.NotNil(t, report.After.AvgDurationSeconds)
	assert.Equal(t, 600.0, *report.After.AvgDurationSeconds)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"time_saved_minutes":null`)
}

func TestAnalyze_EmptyAfter(t *testing.T) {
	runs := makeRuns(cutoverAt.Add(-5*time.Hour), 4, run.StatusSuccess, 600)
	report := Analyze("pipe-1", runs, []*optimization.Candidate{appliedAt(cutoverAt)}, Config{CostPerMinute: 1})

	assert.Equal(t, 4, report.Before.Runs)
	assert.Nil(t, report.After.SuccessRate)
	assert.Nil(t, report.TimeSavedMinutes)
	assert.Nil(t, report.SuccessRateDelta)
}

func TestAnalyze_AfterWithoutDurations(t *testing.T) {
	before := makeRuns(cutoverAt.Add(-5*time.Hour), 3, run.StatusSuccess, 600)
	after := makeRuns(cutoverAt, 2, run.StatusRunning, 0)
	for i := range after {
		after[i].DurationSeconds = nil
	}

	report := Analyze("pipe-1", append(before, after...), []*optimization.Candidate{appliedAt(cutoverAt)}, Config{})

	assert.Nil(t, report.TimeSavedMinutes, "no durations after cutover")
	require.NotNil(t, report.SuccessRateDelta)
	assert.Equal(t, -100.0, *report.SuccessRateDelta)
}

func TestAnalyze_NoAppliedCandidates(t *testing.T) {
	runs := makeRuns(cutoverAt, 6, run.StatusSuccess, 600)
	pending := optimization.NewCandidate("pipe-1", optimization.TypeCaching, "Cache")

	report := Analyze("pipe-1", runs, []*optimization.Candidate{pending}, Config{CostPerMinute: 1})

	assert.Nil(t, report.Cutover)
	assert.Equal(t, 0, report.AppliedCount)
	assert.Equal(t, 6, report.Before.Runs)
	assert.Equal(t, 0, report.After.Runs)
	assert.Nil(t, report.TimeSavedMinutes)
	assert.Nil(t, report.SuccessRateDelta)
	for _, p := range report.Series {
		assert.Equal(t, PhaseBefore, p.Phase)
	}
}

func TestAnalyze_TimeAddedIsNegative(t *testing.T) {
	before := makeRuns(cutoverAt.Add(-5*time.Hour), 3, run.StatusSuccess, 600)
	after := makeRuns(cutoverAt, 3, run.StatusSuccess, 720)

	report := Analyze("pipe-1", append(before, after...), []*optimization.Candidate{appliedAt(cutoverAt)}, Config{CostPerMinute: 2})

	require.NotNil(t, report.TimeSavedMinutes)
	assert.Equal(t, -2.0, *report.TimeSavedMinutes)
	assert.Equal(t, -12.0, *report.EstimatedCostReduction)
}

func TestCutover_EarliestApplied(t *testing.T) {
	later := appliedAt(cutoverAt.Add(48 * time.Hour))
	earlier := appliedAt(cutoverAt)
	rejected := optimization.NewCandidate("pipe-1", optimization.TypeCaching, "x")
	rejected.Status = optimization.StatusRejected

	got := Cutover([]*optimization.Candidate{later, rejected, earlier, nil})
	require.NotNil(t, got)
	assert.True(t, got.Equal(cutoverAt))

	assert.Nil(t, Cutover(nil))
}

func TestPartition_RunAtCutoverIsAfter(t *testing.T) {
	runs := []run.PipelineRun{
		{ID: "a", StartedAt: cutoverAt.Add(-time.Nanosecond)},
		{ID: "b", StartedAt: cutoverAt},
	}

	before, after := Partition(runs, &cutoverAt)
	require.Len(t, before, 1)
	require.Len(t, after, 1)
	assert.Equal(t, "a", before[0].ID)
	assert.Equal(t, "b", after[0].ID)
}

func TestPartition_IsExactSplit(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		var runs []run.PipelineRun
		n := rng.Intn(40)
		for i := 0; i < n; i++ {
			runs = append(runs, run.PipelineRun{
				ID:        fmt.Sprintf("run-%d-%d", trial, i),
				StartedAt: cutoverAt.Add(time.Duration(rng.Intn(200)-100) * time.Hour),
			})
		}
		var applied []*optimization.Candidate
		k := rng.Intn(4)
		for i := 0; i < k; i++ {
			applied = append(applied, appliedAt(cutoverAt.Add(time.Duration(rng.Intn(100)-50)*time.Hour)))
		}

		cut := Cutover(applied)
		before, after := Partition(runs, cut)

		assert.Equal(t, len(runs), len(before)+len(after))
		seen := make(map[string]int)
		for _, r := range before {
			seen[r.ID]++
			if cut != nil {
				assert.True(t, r.StartedAt.Before(*cut))
			}
		}
		for _, r := range after {
			seen[r.ID]++
			require.NotNil(t, cut)
			assert.False(t, r.StartedAt.Before(*cut))
		}
		for _, r := range runs {
			assert.Equal(t, 1, seen[r.ID])
		}
	}
}
