// Package bottleneck classifies aggregate statistics and raw run data into
// severity-ranked performance findings.
package bottleneck

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/run"
)

// MinRuns is the smallest history the detector will reason about.
const MinRuns = 5

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

func (s Severity) raise() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

type Bottleneck struct {
	Type           optimization.Type `json:"type"`
	Severity       Severity          `json:"severity"`
	Description    string            `json:"description"`
	Consequence    string            `json:"consequence"`
	Recommendation string            `json:"recommendation"`
	Impact         float64           `json:"impact"`
}

const (
	weekdayLoadFactor   = 2.0
	weekdayRateGapPts   = 10.0
	trendPoints         = 3
	failureShareMin     = 0.20
	failureShareHigh    = 0.50
	failureShareMedium  = 0.35
	qualityMinChecks    = 3
	qualityFailRateMin  = 0.50
	qualityFailRateHigh = 0.75
)

var cacheVocabulary = []string{"cache", "timeout", "download", "fetch", "network", "artifact", "registry"}

// Detect returns findings ordered by severity, then impact, both descending.
// Histories shorter than MinRuns yield an empty result.
func Detect(stats aggregate.Stats, runs []run.PipelineRun, checks []run.QualityCheck) []Bottleneck {
	if len(runs) < MinRuns || stats.Total < MinRuns {
		return []Bottleneck{}
	}

	var found []Bottleneck
	found = append(found, weekdayHotspots(stats)...)
	found = append(found, durationTrend(stats)...)
	found = append(found, failureClusters(stats)...)
	found = append(found, qualityGates(checks)...)

	sort.SliceStable(found, func(i, j int) bool {
		ri, rj := found[i].Severity.rank(), found[j].Severity.rank()
		if ri != rj {
			return ri > rj
		}
		return found[i].Impact > found[j].Impact
	})
	if found == nil {
		return []Bottleneck{}
	}
	return found
}

func weekdayHotspots(stats aggregate.Stats) []Bottleneck {
	meanRuns := float64(stats.Total) / float64(len(stats.Weekdays))

	var out []Bottleneck
	for _, b := range stats.Weekdays {
		if float64(b.Runs) <= weekdayLoadFactor*meanRuns {
			continue
		}
		gap := stats.SuccessRate - b.SuccessRate
		if gap <= weekdayRateGapPts {
			continue
		}
		out = append(out, Bottleneck{
			Type:     optimization.TypeResourceAllocation,
			Severity: SeverityHigh,
			Description: fmt.Sprintf("%s carries %d runs (%.1fx the weekday mean) with a %.1f%% success rate, %.1f points below average",
				b.Day, b.Runs, float64(b.Runs)/meanRuns, b.SuccessRate, gap),
			Consequence:    "runner contention on peak days turns into queueing and flaky failures",
			Recommendation: fmt.Sprintf("add runner capacity or stagger scheduled pipelines on %s", b.Day),
			Impact:         gap * float64(b.Runs) / 100,
		})
	}
	return out
}

func durationTrend(stats aggregate.Stats) []Bottleneck {
	if len(stats.Daily) == 0 {
		return nil
	}
	tail := stats.Daily[len(stats.Daily)-len(stats.Daily)/3:]

	var ys []float64
	for _, p := range tail {
		if p.AvgDurationSeconds != nil {
			ys = append(ys, *p.AvgDurationSeconds)
		}
	}
	if len(ys) < trendPoints {
		return nil
	}
	slope := aggregate.Slope(ys)
	if slope <= 0 {
		return nil
	}
	return []Bottleneck{{
		Type:           optimization.TypeBuildOptimization,
		Severity:       SeverityMedium,
		Description:    fmt.Sprintf("average build duration is rising by %.1fs per active day over the last %d days", slope, len(tail)),
		Consequence:    "feedback loops keep getting slower and runner cost grows with them",
		Recommendation: "profile the slowest stages and enable incremental builds",
		Impact:         slope * float64(len(ys)),
	}}
}

func failureClusters(stats aggregate.Stats) []Bottleneck {
	if stats.Failures == 0 {
		return nil
	}

	keys := make([]string, 0, len(stats.FailureReasons))
	for k := range stats.FailureReasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Bottleneck
	for _, key := range keys {
		share := float64(stats.FailureReasons[key]) / float64(stats.Failures)
		if share <= failureShareMin {
			continue
		}

		typ := optimization.TypeDependencyOptimization
		rec := "pin dependency versions and commit the lockfile"
		if matchesAny(key, cacheVocabulary) {
			typ = optimization.TypeCaching
			rec = "cache downloaded artifacts and dependencies between runs"
		}

		out = append(out, Bottleneck{
			Type:           typ,
			Severity:       shareSeverity(share),
			Description:    fmt.Sprintf("%.0f%% of failures share the error %q", share*100, key),
			Consequence:    "the same failure keeps costing reruns until its root cause is fixed",
			Recommendation: rec,
			Impact:         share * 100,
		})
	}
	return out
}

func qualityGates(checks []run.QualityCheck) []Bottleneck {
	type tally struct{ total, failed, blocking int }
	byTool := make(map[string]*tally)
	var tools []string
	for _, c := range checks {
		t, ok := byTool[c.ToolName]
		if !ok {
			t = &tally{}
			byTool[c.ToolName] = t
			tools = append(tools, c.ToolName)
		}
		t.total++
		if !c.GatePassed {
			t.failed++
			counts := c.CountBySeverity()
			t.blocking += counts["error"] + counts["critical"]
		}
	}
	sort.Strings(tools)

	var out []Bottleneck
	for _, tool := range tools {
		t := byTool[tool]
		if t.total < qualityMinChecks {
			continue
		}
		rate := float64(t.failed) / float64(t.total)
		if rate <= qualityFailRateMin {
			continue
		}
		sev := SeverityLow
		if rate > qualityFailRateHigh {
			sev = SeverityMedium
		}
		desc := fmt.Sprintf("%s gate failed in %d of %d checks", tool, t.failed, t.total)
		// error-level issues in failing checks raise the finding one level
		if t.blocking > 0 {
			sev = sev.raise()
			desc += fmt.Sprintf(" with %d blocking issues", t.blocking)
		}
		out = append(out, Bottleneck{
			Type:           optimization.TypeBuildOptimization,
			Severity:       sev,
			Description:    desc,
			Consequence:    "failing quality gates block merges and trigger repeated runs",
			Recommendation: fmt.Sprintf("run %s earlier (pre-commit) or fix the recurring rules", tool),
			Impact:         rate * 100,
		})
	}
	return out
}

func shareSeverity(share float64) Severity {
	switch {
	case share > failureShareHigh:
		return SeverityHigh
	case share > failureShareMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func matchesAny(s string, words []string) bool {
	s = strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
