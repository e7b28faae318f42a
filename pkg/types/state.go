package types

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of an extraction job.
type JobStatus string

// Job status constants
const (
	JobPending   JobStatus = "pending"   // Submitted, waiting for a worker
	JobRunning   JobStatus = "running"   // Claimed by exactly one worker
	JobCompleted JobStatus = "completed" // Finished, result set
	JobFailed    JobStatus = "failed"    // Terminal, must be resubmitted by the caller
)

// JobTypeExtract is the only job type the engine currently schedules.
const JobTypeExtract = "extract"

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// IsValidJobTransition validates job status transitions.
//
// Valid transitions:
//
//	pending -> running
//	running -> completed | failed
//	completed, failed -> (terminal)
func IsValidJobTransition(current, next JobStatus) bool {
	switch current {
	case JobPending:
		return next == JobRunning
	case JobRunning:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// ExtractionJob is a persisted unit of asynchronous extraction work. It lives
// in the pack it writes to so it survives restarts and copies of the file.
type ExtractionJob struct {
	ID      string    `json:"id"`
	AgentID string    `json:"agent_id"`
	Type    string    `json:"type"`
	Status  JobStatus `json:"status"`

	// Payload is the serialized extraction request; Result the serialized summary.
	Payload json.RawMessage `json:"payload"`
	Result  json.RawMessage `json:"result,omitempty"`

	Progress   int    `json:"progress"`
	TotalSteps int    `json:"total_steps"`
	Error      string `json:"error,omitempty"`

	// Source identity, denormalized from the payload for duplicate checks.
	SourceType SourceType `json:"source_type,omitempty"`
	SourceRef  string     `json:"source_ref,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LogEntry is an append-only audit record in the consolidation log.
type LogEntry struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Action      LogAction `json:"action"`
	AffectedIDs []string  `json:"affected_ids"` // Ordered node ids
	Details     string    `json:"details,omitempty"`

	// Set on EXTRACT entries; used for duplicate prevention.
	SourceType SourceType `json:"source_type,omitempty"`
	SourceRef  string     `json:"source_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
