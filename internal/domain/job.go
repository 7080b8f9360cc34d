package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a training job as reported by the remote service
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus maps a backend status string onto the closed set.
// Unknown values (e.g. "queued") are treated as pending.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusRunning, StatusCompleted, StatusFailed:
		return Status(s)
	default:
		return StatusPending
	}
}

// Terminal reports whether the job has finished, successfully or not
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage orders statuses along pending -> running -> terminal
func (s Status) Stage() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

// Job is the last known state of a training job
type Job struct {
	ID          string          `json:"id"`
	ModelName   string          `json:"model_name"`
	DatasetURL  string          `json:"dataset_url"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	RetryFrom   string          `json:"retry_from,omitempty"`
	RetryCount  int             `json:"retry_count"`
}

// Clone returns a deep copy so callers can never mutate shared snapshot state
func (j Job) Clone() Job {
	out := j
	if j.Parameters != nil {
		out.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		out.FailedAt = &t
	}
	return out
}

// Retryable reports whether a retry may be issued for the job
func (j Job) Retryable() bool {
	return j.Status.Terminal()
}

// Validate checks the per-job timestamp invariants
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: job without id", ErrMalformedPayload)
	}
	if j.CompletedAt != nil && j.FailedAt != nil {
		return fmt.Errorf("%w: job %s has both completed_at and failed_at", ErrMalformedPayload, j.ID)
	}
	if !j.Status.Terminal() && (j.CompletedAt != nil || j.FailedAt != nil) {
		return fmt.Errorf("%w: job %s is %s but has a terminal timestamp", ErrMalformedPayload, j.ID, j.Status)
	}
	if j.RetryCount < 0 {
		return fmt.Errorf("%w: job %s has negative retry_count", ErrMalformedPayload, j.ID)
	}
	return nil
}

// ValidateSnapshot checks every job and rejects duplicate ids
func ValidateSnapshot(jobs []Job) error {
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("%w: duplicate job id %s", ErrMalformedPayload, job.ID)
		}
		seen[job.ID] = struct{}{}
	}
	return nil
}

// CreateJobRequest carries the user-supplied fields of a new training job
type CreateJobRequest struct {
	ModelName  string          `json:"model_name"`
	DatasetURL string          `json:"dataset_url"`
	Parameters json.RawMessage `json:"parameters"`
}

// ErrorLog is fetched on demand for failed jobs and never cached
type ErrorLog struct {
	JobID    string    `json:"job_id"`
	ErrorLog string    `json:"error_log"`
	FailedAt time.Time `json:"failed_at"`
}
