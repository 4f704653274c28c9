package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTransition(t *testing.T) {
	LifecycleTransitions.Reset()

	tests := []struct {
		name   string
		status string
		result string
	}{
		{name: "applied ok", status: "applied", result: "ok"},
		{name: "rejected ok", status: "rejected", result: "ok"},
		{name: "applied invalid", status: "applied", result: "invalid_transition"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordTransition(tt.status, tt.result)

			metric := getCounterValue(t, LifecycleTransitions, tt.status, tt.result)
			assert.Equal(t, 1.0, metric)
		})
	}
}

func TestRecordProposals(t *testing.T) {
	ProposalsAccepted.Reset()
	ProposalsDropped.Reset()

	RecordProposalAccepted("caching")
	RecordProposalDropped("duplicate")
	RecordProposalDropped("duplicate")
	RecordProposalDropped("invalid")

	assert.Equal(t, 1.0, getCounterValue(t, ProposalsAccepted, "caching"))
	assert.Equal(t, 2.0, getCounterValue(t, ProposalsDropped, "duplicate"))
	assert.Equal(t, 1.0, getCounterValue(t, ProposalsDropped, "invalid"))
}

func TestRecordAdvisorCall(t *testing.T) {
	AdvisorCalls.Reset()

	RecordAdvisorCall("ok", 250*time.Millisecond)
	RecordAdvisorCall("timeout", time.Second)

	assert.Equal(t, 1.0, getCounterValue(t, AdvisorCalls, "ok"))
	assert.Equal(t, 1.0, getCounterValue(t, AdvisorCalls, "timeout"))
}

func TestRecordPoll(t *testing.T) {
	ReconcilerPolls.Reset()

	RecordPoll("pipe-1", "applied")
	RecordPoll("pipe-1", "stale")

	assert.Equal(t, 1.0, getCounterValue(t, ReconcilerPolls, "pipe-1", "applied"))
	assert.Equal(t, 1.0, getCounterValue(t, ReconcilerPolls, "pipe-1", "stale"))
}

func TestUpdateBottlenecks(t *testing.T) {
	BottlenecksDetected.Reset()

	UpdateBottlenecks("pipe-1", map[string]int{"high": 2, "low": 1})

	assert.Equal(t, 2.0, getGaugeValue(t, BottlenecksDetected, "pipe-1", "high"))
	assert.Equal(t, 0.0, getGaugeValue(t, BottlenecksDetected, "pipe-1", "medium"))
	assert.Equal(t, 1.0, getGaugeValue(t, BottlenecksDetected, "pipe-1", "low"))
}

func TestUpdateImpact_UndefinedRemovesSeries(t *testing.T) {
	ImpactTimeSaved.Reset()
	ImpactSuccessRateDelta.Reset()
	ImpactCostReduction.Reset()

	saved, delta, cost := 5.0, -20.0, 12.5
	UpdateImpact("pipe-1", &saved, &delta, &cost)

	assert.Equal(t, 5.0, getGaugeValue(t, ImpactTimeSaved, "pipe-1"))
	assert.Equal(t, -20.0, getGaugeValue(t, ImpactSuccessRateDelta, "pipe-1"))
	assert.Equal(t, 1, collectCount(ImpactCostReduction))

	UpdateImpact("pipe-1", nil, &delta, nil)

	assert.Equal(t, 0, collectCount(ImpactTimeSaved))
	assert.Equal(t, 1, collectCount(ImpactSuccessRateDelta))
	assert.Equal(t, 0, collectCount(ImpactCostReduction))
}

func TestUpdateCandidateGauges_Reset(t *testing.T) {
	UpdateCandidateGauges(map[string]int{"pending": 3, "applied": 1})
	assert.Equal(t, 3.0, getGaugeValue(t, CandidatesByStatus, "pending"))

	UpdateCandidateGauges(map[string]int{"rejected": 2})
	assert.Equal(t, 1, collectCount(CandidatesByStatus))
	assert.Equal(t, 2.0, getGaugeValue(t, CandidatesByStatus, "rejected"))
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("GET", "/api/pipelines/:id/dashboard", "200", 100*time.Millisecond)

	assert.Equal(t, 1.0, getCounterValue(t, HTTPRequestsTotal, "GET", "/api/pipelines/:id/dashboard", "200"))
	assert.InDelta(t, 0.1, getHistogramSum(t, HTTPRequestDuration, "GET", "/api/pipelines/:id/dashboard"), 1e-9)
}

func collectCount(c prometheus.Collector) int {
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	return len(ch)
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, c.Write(metric))
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	g, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, g.Write(metric))
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	require.NoError(t, h.Write(metric))
	return metric.Histogram.GetSampleSum()
}
