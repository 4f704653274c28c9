package optimization

import "math"

// Tolerance decides when two proposals are close enough to count as the same
// suggestion. Duration and time saved are compared relatively, success rate in
// absolute percentage points.
type Tolerance struct {
	DurationPct    float64 `yaml:"duration_pct"`
	SuccessRatePts float64 `yaml:"success_rate_pts"`
	TimeSavedPct   float64 `yaml:"time_saved_pct"`
}

func DefaultTolerance() Tolerance {
	return Tolerance{
		DurationPct:    5,
		SuccessRatePts: 1,
		TimeSavedPct:   5,
	}
}

// Duplicates reports whether b repeats a for the same pipeline.
func (t Tolerance) Duplicates(a, b *Candidate) bool {
	if a.PipelineConfigID != b.PipelineConfigID || a.Type != b.Type {
		return false
	}
	pa, pb := a.ProjectedMetrics, b.ProjectedMetrics
	return withinPct(pa.AvgDurationSeconds, pb.AvgDurationSeconds, t.DurationPct) &&
		math.Abs(pa.SuccessRatePct-pb.SuccessRatePct) <= t.SuccessRatePts &&
		withinPct(pa.TimeSavedMinutes, pb.TimeSavedMinutes, t.TimeSavedPct)
}

func withinPct(a, b, pct float64) bool {
	if a == b {
		return true
	}
	base := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= base*pct/100
}
