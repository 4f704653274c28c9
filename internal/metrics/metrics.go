// Package metrics provides Prometheus metrics for the analytics engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipetune_lifecycle_transitions_total",
			Help: "Optimization lifecycle transitions by target status and result",
		},
		[]string{"status", "result"},
	)
	ProposalsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipetune_proposals_accepted_total",
			Help: "Optimization candidates accepted as pending",
		},
		[]string{"type"},
	)
	ProposalsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipetune_proposals_dropped_total",
			Help: "Optimization candidates dropped before reaching the store",
		},
		[]string{"reason"},
	)
	AdvisorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipetune_advisor_calls_total",
			Help: "Advisor calls by outcome",
		},
		[]string{"outcome"},
	)
	AdvisorLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipetune_advisor_latency_seconds",
			Help:    "Advisor call latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	ReconcilerPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipetune_reconciler_polls_total",
			Help: "Reconciler polls by pipeline and result",
		},
		[]string{"pipeline", "result"},
	)
	BottlenecksDetected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipetune_bottlenecks",
			Help: "Bottlenecks found in the latest aggregation pass",
		},
		[]string{"pipeline", "severity"},
	)
	ImpactTimeSaved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipetune_impact_time_saved_minutes",
			Help: "Average minutes saved per run since the first applied optimization",
		},
		[]string{"pipeline"},
	)
	ImpactSuccessRateDelta = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipetune_impact_success_rate_delta",
			Help: "Success rate change in percentage points since the first applied optimization",
		},
		[]string{"pipeline"},
	)
	ImpactCostReduction = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipetune_impact_cost_reduction",
			Help: "Estimated cost reduction since the first applied optimization",
		},
		[]string{"pipeline"},
	)
	CandidatesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipetune_candidates",
			Help: "Optimization candidates by status",
		},
		[]string{"status"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipetune_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipetune_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTransition(status, result string) {
	LifecycleTransitions.WithLabelValues(status, result).Inc()
}

func RecordProposalAccepted(typ string) {
	ProposalsAccepted.WithLabelValues(typ).Inc()
}

func RecordProposalDropped(reason string) {
	ProposalsDropped.WithLabelValues(reason).Inc()
}

func RecordAdvisorCall(outcome string, duration time.Duration) {
	AdvisorCalls.WithLabelValues(outcome).Inc()
	AdvisorLatency.Observe(duration.Seconds())
}

func RecordPoll(pipeline, result string) {
	ReconcilerPolls.WithLabelValues(pipeline, result).Inc()
}

// UpdateBottlenecks replaces the pipeline's bottleneck counts.
func UpdateBottlenecks(pipeline string, bySeverity map[string]int) {
	for _, sev := range []string{"low", "medium", "high"} {
		BottlenecksDetected.WithLabelValues(pipeline, sev).Set(float64(bySeverity[sev]))
	}
}

// UpdateImpact publishes the defined impact figures. Undefined values remove
// the series rather than reporting zero.
func UpdateImpact(pipeline string, timeSaved, successDelta, costReduction *float64) {
	setOrDelete(ImpactTimeSaved, pipeline, timeSaved)
	setOrDelete(ImpactSuccessRateDelta, pipeline, successDelta)
	setOrDelete(ImpactCostReduction, pipeline, costReduction)
}

func setOrDelete(g *prometheus.GaugeVec, pipeline string, v *float64) {
	if v == nil {
		g.DeleteLabelValues(pipeline)
		return
	}
	g.WithLabelValues(pipeline).Set(*v)
}

func UpdateCandidateGauges(byStatus map[string]int) {
	CandidatesByStatus.Reset()
	for status, count := range byStatus {
		CandidatesByStatus.WithLabelValues(status).Set(float64(count))
	}
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
