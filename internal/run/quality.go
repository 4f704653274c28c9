package run

type Issue struct {
	Severity string `json:"severity"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// QualityCheck is the result of one tool run (linter, test suite, audit)
// attached to a pipeline run.
type QualityCheck struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	ToolName   string  `json:"tool_name"`
	GatePassed bool    `json:"gate_passed"`
	Score      float64 `json:"score"`
	Issues     []Issue `json:"issues"`
}

func (q *QualityCheck) CountBySeverity() map[string]int {
	counts := make(map[string]int)
	for _, i := range q.Issues {
		counts[i.Severity]++
	}
	return counts
}
