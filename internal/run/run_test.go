package run

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusSuccess, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.True(t, tt.status.Valid())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}

	assert.False(t, Status("queued").Valid())
}

func TestRunJSON_NullDuration(t *testing.T) {
	data, err := json.Marshal(PipelineRun{ID: "run-1", Status: StatusFailed, DurationSeconds: Seconds(42)})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"duration_seconds":42`)

	data, err = json.Marshal(PipelineRun{ID: "run-2", Status: StatusRunning})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "duration_seconds")
}

func TestCountBySeverity(t *testing.T) {
	q := QualityCheck{
		ToolName: "eslint",
		Issues: []Issue{
			{Severity: "error", Rule: "no-unused-vars"},
			{Severity: "error", Rule: "eqeqeq"},
			{Severity: "warning", Rule: "no-console"},
		},
	}

	counts := q.CountBySeverity()
	assert.Equal(t, 2, counts["error"])
	assert.Equal(t, 1, counts["warning"])
}
