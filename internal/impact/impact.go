// Package impact measures the before/after effect of applied optimizations.
//
// The cutover is the earliest AppliedAt among a pipeline's applied
// candidates. Runs that started strictly before it form the "before"
// population and every other run forms the "after" population. Values that
// cannot be computed from an empty population are nil, never zero.
package impact

import (
	"sort"
	"time"

	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/run"
)

type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

type Config struct {
	// CostPerMinute prices one minute of pipeline time.
	CostPerMinute float64
	Now           func() time.Time
}

type Population struct {
	Runs               int      `json:"runs"`
	Successes          int      `json:"successes"`
	SuccessRate        *float64 `json:"success_rate"`
	AvgDurationSeconds *float64 `json:"avg_duration_seconds"`
}

type Point struct {
	RunID           string     `json:"run_id"`
	StartedAt       time.Time  `json:"started_at"`
	Status          run.Status `json:"status"`
	DurationSeconds *float64   `json:"duration_seconds"`
	Phase           Phase      `json:"phase"`
}

type Report struct {
	PipelineConfigID        string     `json:"pipeline_config_id"`
	Cutover                 *time.Time `json:"cutover"`
	AppliedCount            int        `json:"applied_count"`
	Before                  Population `json:"before"`
	After                   Population `json:"after"`
	AvgDurationDeltaSeconds *float64   `json:"avg_duration_delta_seconds"`
	TimeSavedMinutes        *float64   `json:"time_saved_minutes"`
	SuccessRateDelta        *float64   `json:"success_rate_delta"`
	EstimatedCostReduction  *float64   `json:"estimated_cost_reduction"`
	Series                  []Point    `json:"series"`
	ComputedAt              time.Time  `json:"computed_at"`
}

// Cutover returns the earliest AppliedAt among applied candidates, or nil
// when none has been applied.
func Cutover(candidates []*optimization.Candidate) *time.Time {
	var cutover *time.Time
	for _, c := range candidates {
		if c == nil || c.Status != optimization.StatusApplied || c.AppliedAt == nil {
			continue
		}
		if cutover == nil || c.AppliedAt.Before(*cutover) {
			at := *c.AppliedAt
			cutover = &at
		}
	}
	return cutover
}

// Partition splits runs at cutover. A nil cutover puts every run before.
func Partition(runs []run.PipelineRun, cutover *time.Time) (before, after []run.PipelineRun) {
	for _, r := range runs {
		if cutover == nil || r.StartedAt.Before(*cutover) {
			before = append(before, r)
		} else {
			after = append(after, r)
		}
	}
	return before, after
}

// Analyze computes the impact report for one pipeline. It is pure apart from
// reading cfg.Now for ComputedAt.
func Analyze(pipelineID string, runs []run.PipelineRun, applied []*optimization.Candidate, cfg Config) Report {
	cutover := Cutover(applied)
	before, after := Partition(runs, cutover)

	report := Report{
		PipelineConfigID: pipelineID,
		Cutover:          cutover,
		Before:           population(before),
		After:            population(after),
		Series:           series(runs, cutover),
	}
	for _, c := range applied {
		if c != nil && c.Status == optimization.StatusApplied {
			report.AppliedCount++
		}
	}
	if cfg.Now != nil {
		report.ComputedAt = cfg.Now().UTC()
	} else {
		report.ComputedAt = time.Now().UTC()
	}

	if cutover == nil {
		return report
	}

	b, a := report.Before, report.After
	if b.AvgDurationSeconds != nil && a.AvgDurationSeconds != nil {
		delta := *a.AvgDurationSeconds - *b.AvgDurationSeconds
		saved := (*b.AvgDurationSeconds - *a.AvgDurationSeconds) / 60
		cost := saved * float64(a.Runs) * cfg.CostPerMinute
		report.AvgDurationDeltaSeconds = &delta
		report.TimeSavedMinutes = &saved
		report.EstimatedCostReduction = &cost
	}
	if b.SuccessRate != nil && a.SuccessRate != nil {
		delta := *a.SuccessRate - *b.SuccessRate
		report.SuccessRateDelta = &delta
	}
	return report
}

func population(runs []run.PipelineRun) Population {
	stats := aggregate.Compute(runs, aggregate.Options{Days: 1})
	p := Population{
		Runs:               stats.Total,
		Successes:          stats.Successes,
		AvgDurationSeconds: stats.AvgDurationSeconds,
	}
	if stats.Total > 0 {
		rate := stats.SuccessRate
		p.SuccessRate = &rate
	}
	return p
}

func series(runs []run.PipelineRun, cutover *time.Time) []Point {
	ordered := append([]run.PipelineRun(nil), runs...)
	sortByStart(ordered)

	points := make([]Point, 0, len(ordered))
	for _, r := range ordered {
		phase := PhaseBefore
		if cutover != nil && !r.StartedAt.Before(*cutover) {
			phase = PhaseAfter
		}
		points = append(points, Point{
			RunID:           r.ID,
			StartedAt:       r.StartedAt,
			Status:          r.Status,
			DurationSeconds: r.DurationSeconds,
			Phase:           phase,
		})
	}
	return points
}

func sortByStart(runs []run.PipelineRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
}
