// Package aggregate turns pipeline run history into windowed statistics:
// success rate, average duration, a daily series, a weekday histogram and a
// failure-reason histogram. Compute is a pure function of its input.
package aggregate

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nadmax/pipetune/internal/run"
)

const (
	DefaultRunLimit = 100
	DefaultDays     = 30

	// FailureKeyLength is the prefix length used to bucket error messages.
	// Messages that differ only after this prefix share a bucket.
	FailureKeyLength = 50
	UnknownFailure   = "unknown"
)

type Options struct {
	// Limit keeps only the most recent Limit runs. Zero means no limit.
	Limit int
	// Days is the length of the daily series.
	Days int
	// Now anchors the daily series. When nil the latest run start is used.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Limit: DefaultRunLimit,
		Days:  DefaultDays,
		Now:   time.Now,
	}
}

type DailyPoint struct {
	Date               string   `json:"date"`
	Runs               int      `json:"runs"`
	Successes          int      `json:"successes"`
	SuccessRate        float64  `json:"success_rate"`
	AvgDurationSeconds *float64 `json:"avg_duration_seconds"`
}

type WeekdayBucket struct {
	Day         string  `json:"day"`
	Runs        int     `json:"runs"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

type Stats struct {
	Total              int              `json:"total"`
	Successes          int              `json:"successes"`
	Failures           int              `json:"failures"`
	Cancelled          int              `json:"cancelled"`
	SuccessRate        float64          `json:"success_rate"`
	AvgDurationSeconds *float64         `json:"avg_duration_seconds"`
	P50DurationSeconds *float64         `json:"p50_duration_seconds"`
	P95DurationSeconds *float64         `json:"p95_duration_seconds"`
	Daily              []DailyPoint     `json:"daily"`
	Weekdays           [7]WeekdayBucket `json:"weekdays"`
	FailureReasons     map[string]int   `json:"failure_reasons"`
}

// Compute aggregates runs. The input is not modified.
func Compute(runs []run.PipelineRun, opts Options) Stats {
	window := recent(runs, opts.Limit)

	stats := Stats{
		Total:          len(window),
		FailureReasons: make(map[string]int),
	}

	var durations []float64
	for i := range window {
		r := &window[i]
		switch r.Status {
		case run.StatusSuccess:
			stats.Successes++
		case run.StatusFailed:
			stats.Failures++
			stats.FailureReasons[FailureKey(r.ErrorMessage)]++
		case run.StatusCancelled:
			stats.Cancelled++
		}
		if r.DurationSeconds != nil {
			durations = append(durations, *r.DurationSeconds)
		}
	}

	stats.SuccessRate = pct(stats.Successes, stats.Total)
	stats.AvgDurationSeconds = mean(durations)
	if len(durations) > 0 {
		sorted := append([]float64(nil), durations...)
		sort.Float64s(sorted)
		p50, p95 := percentile(sorted, 50), percentile(sorted, 95)
		stats.P50DurationSeconds = &p50
		stats.P95DurationSeconds = &p95
	}

	stats.Weekdays = weekdays(window)
	stats.Daily = daily(window, anchor(window, opts.Now), days(opts.Days))

	return stats
}

// FailureKey normalises an error message into its histogram bucket.
func FailureKey(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return UnknownFailure
	}
	if utf8.RuneCountInString(msg) <= FailureKeyLength {
		return msg
	}
	return string([]rune(msg)[:FailureKeyLength])
}

// recent returns a chronological copy holding at most limit of the newest runs.
func recent(runs []run.PipelineRun, limit int) []run.PipelineRun {
	cp := append([]run.PipelineRun(nil), runs...)
	sort.SliceStable(cp, func(i, j int) bool {
		return cp[i].StartedAt.Before(cp[j].StartedAt)
	})
	if limit > 0 && len(cp) > limit {
		cp = cp[len(cp)-limit:]
	}
	return cp
}

func weekdays(runs []run.PipelineRun) [7]WeekdayBucket {
	var buckets [7]WeekdayBucket
	for d := range buckets {
		buckets[d].Day = time.Weekday(d).String()
	}
	for i := range runs {
		d := runs[i].StartedAt.UTC().Weekday()
		buckets[d].Runs++
		if runs[i].Status == run.StatusSuccess {
			buckets[d].Successes++
		}
	}
	for d := range buckets {
		buckets[d].SuccessRate = pct(buckets[d].Successes, buckets[d].Runs)
	}
	return buckets
}

func daily(runs []run.PipelineRun, end time.Time, n int) []DailyPoint {
	end = truncateDay(end)
	start := end.AddDate(0, 0, -(n - 1))

	points := make([]DailyPoint, n)
	durations := make([][]float64, n)
	for i := range points {
		points[i].Date = start.AddDate(0, 0, i).Format(time.DateOnly)
	}

	for i := range runs {
		day := truncateDay(runs[i].StartedAt)
		if day.Before(start) || day.After(end) {
			continue
		}
		idx := int(day.Sub(start).Hours() / 24)
		points[idx].Runs++
		if runs[i].Status == run.StatusSuccess {
			points[idx].Successes++
		}
		if runs[i].DurationSeconds != nil {
			durations[idx] = append(durations[idx], *runs[i].DurationSeconds)
		}
	}

	for i := range points {
		points[i].SuccessRate = pct(points[i].Successes, points[i].Runs)
		points[i].AvgDurationSeconds = mean(durations[i])
	}
	return points
}

func anchor(runs []run.PipelineRun, now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	if len(runs) > 0 {
		return runs[len(runs)-1].StartedAt
	}
	return time.Unix(0, 0)
}

func days(n int) int {
	if n <= 0 {
		return DefaultDays
	}
	return n
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
