package dto

import "encoding/json"

type CreateJobRequest struct {
	ModelName  string `json:"model_name" binding:"required"`
	DatasetURL string `json:"dataset_url" binding:"required"`
	// Parameters is either a JSON object or a string holding one
	Parameters json.RawMessage `json:"parameters" binding:"required"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	Total      int      `json:"total"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID          string          `json:"id"`
	ModelName   string          `json:"model_name"`
	DatasetURL  string          `json:"dataset_url"`
	Parameters  json.RawMessage `json:"parameters"`
	Status      string          `json:"status"`
	CreatedAt   string          `json:"created_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
	FailedAt    string          `json:"failed_at,omitempty"`
	RetryFrom   string          `json:"retry_from,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Lineage     string          `json:"lineage"`
}

type ActionResponse struct {
	JobID     string `json:"job_id"`
	RetryFrom string `json:"retry_from,omitempty"`
}

type LineageEdgeDTO struct {
	ParentID   string `json:"parent_id"`
	ChildID    string `json:"child_id"`
	RecordedAt string `json:"recorded_at"`
}

type LineageResponse struct {
	JobID    string           `json:"job_id"`
	Class    string           `json:"class"`
	Parent   string           `json:"parent,omitempty"`
	Ancestry []string         `json:"ancestry"`
	Children []string         `json:"children"`
	Archived []LineageEdgeDTO `json:"archived,omitempty"`
}

type ErrorLogResponse struct {
	JobID    string `json:"job_id"`
	ErrorLog string `json:"error_log"`
	FailedAt string `json:"failed_at,omitempty"`
}

type SyncStatusResponse struct {
	Running             bool   `json:"running"`
	LastAttempt         string `json:"last_attempt,omitempty"`
	LastSuccess         string `json:"last_success,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	DroppedTicks        uint64 `json:"dropped_ticks"`
}
