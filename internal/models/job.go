package models

import "time"

// JobState is the lifecycle state of a solver job as observed through polling.
type JobState string

const (
	JobStateSubmitted JobState = "submitted"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateNotFound  JobState = "not_found"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateNotFound:
		return true
	default:
		return false
	}
}

// SolverJobRecord tracks a submitted job on behalf of the school that submitted it.
type SolverJobRecord struct {
	JobID       string    `json:"job_id"`
	SchoolID    string    `json:"school_id"`
	VersionName string    `json:"version_name"`
	State       JobState  `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	ObservedAt  time.Time `json:"observed_at"`
}
