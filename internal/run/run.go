// Package run defines the read-only pipeline run and quality check records
// produced by the external run executor.
package run

import (
	"time"
)

type (
	Status      string
	PipelineRun struct {
		ID               string    `json:"id"`
		PipelineConfigID string    `json:"pipeline_config_id"`
		Status           Status    `json:"status"`
		StartedAt        time.Time `json:"started_at"`
		DurationSeconds  *float64  `json:"duration_seconds,omitempty"`
		Branch           string    `json:"branch"`
		CommitHash       string    `json:"commit_hash"`
		TriggeredBy      string    `json:"triggered_by"`
		ErrorMessage     string    `json:"error_message,omitempty"`
	}
)

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether a run in this status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

func (r *PipelineRun) HasDuration() bool {
	return r.DurationSeconds != nil
}

// Seconds is a convenience for building a non-nil duration.
func Seconds(v float64) *float64 {
	return &v
}
