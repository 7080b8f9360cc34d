package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
)

// timestampLayouts covers RFC3339 and the zone-less ISO-8601 form the backend writes
// with datetime.utcnow().isoformat(). Zone-less values are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", domain.ErrMalformedPayload, raw)
}

func parseOptionalTimestamp(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := parseTimestamp(*raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// jobPayload is the job record as the remote service serializes it
type jobPayload struct {
	ID          string          `json:"id"`
	ModelName   string          `json:"model_name"`
	DatasetURL  string          `json:"dataset_url"`
	Parameters  json.RawMessage `json:"parameters"`
	Status      string          `json:"status"`
	CreatedAt   string          `json:"created_at"`
	CompletedAt *string         `json:"completed_at"`
	FailedAt    *string         `json:"failed_at"`
	RetryFrom   *string         `json:"retry_from"`
	RetryCount  *int            `json:"retry_count"`
}

func (p jobPayload) toJob() (domain.Job, error) {
	job := domain.Job{
		ID:         p.ID,
		ModelName:  p.ModelName,
		DatasetURL: p.DatasetURL,
		Status:     domain.ParseStatus(p.Status),
	}

	if len(p.Parameters) > 0 && !bytes.Equal(p.Parameters, []byte("null")) {
		job.Parameters = p.Parameters
	}

	if p.CreatedAt != "" {
		createdAt, err := parseTimestamp(p.CreatedAt)
		if err != nil {
			return domain.Job{}, err
		}
		job.CreatedAt = createdAt
	}

	var err error
	if job.CompletedAt, err = parseOptionalTimestamp(p.CompletedAt); err != nil {
		return domain.Job{}, err
	}
	if job.FailedAt, err = parseOptionalTimestamp(p.FailedAt); err != nil {
		return domain.Job{}, err
	}

	if p.RetryFrom != nil {
		job.RetryFrom = *p.RetryFrom
	}
	if p.RetryCount != nil {
		job.RetryCount = *p.RetryCount
	}

	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// decodeJobList accepts either {"jobs": [...]} or a bare array
func decodeJobList(body []byte) ([]domain.Job, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty list response", domain.ErrMalformedPayload)
	}

	var payloads []jobPayload
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
	case '{':
		var envelope struct {
			Jobs *[]jobPayload `json:"jobs"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		if envelope.Jobs == nil {
			return nil, fmt.Errorf("%w: list response has no jobs field", domain.ErrMalformedPayload)
		}
		payloads = *envelope.Jobs
	default:
		return nil, fmt.Errorf("%w: unexpected list response", domain.ErrMalformedPayload)
	}

	jobs := make([]domain.Job, 0, len(payloads))
	for _, p := range payloads {
		job, err := p.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := domain.ValidateSnapshot(jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ActionResult is the outcome of a create or retry call. Job is nil when the
// service only answered with the new id.
type ActionResult struct {
	JobID string
	Job   *domain.Job
}

// decodeActionResult accepts a job record, {"job": {...}}, or an id-only answer
// such as {"message_id": "..."} or {"new_job_id": "..."}
func decodeActionResult(body []byte, idFields ...string) (ActionResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ActionResult{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	if raw, ok := fields["job"]; ok {
		return decodeEmbeddedJob(raw)
	}
	if _, ok := fields["id"]; ok {
		return decodeEmbeddedJob(body)
	}

	for _, field := range idFields {
		raw, ok := fields[field]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			return ActionResult{}, fmt.Errorf("%w: invalid %s", domain.ErrMalformedPayload, field)
		}
		return ActionResult{JobID: id}, nil
	}

	return ActionResult{}, fmt.Errorf("%w: response carries no job id", domain.ErrMalformedPayload)
}

func decodeEmbeddedJob(raw []byte) (ActionResult, error) {
	var p jobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ActionResult{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	job, err := p.toJob()
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{JobID: job.ID, Job: &job}, nil
}

type errorLogPayload struct {
	JobID    string  `json:"job_id"`
	ErrorLog string  `json:"error_log"`
	FailedAt *string `json:"failed_at"`
}

func decodeErrorLog(body []byte) (domain.ErrorLog, error) {
	var p errorLogPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.ErrorLog{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	log := domain.ErrorLog{JobID: p.JobID, ErrorLog: p.ErrorLog}
	failedAt, err := parseOptionalTimestamp(p.FailedAt)
	if err != nil {
		return domain.ErrorLog{}, err
	}
	if failedAt != nil {
		log.FailedAt = *failedAt
	}
	return log, nil
}

// errorDetail extracts {"detail": ...}; FastAPI validation errors carry a list there
func errorDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}

	if len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			return s
		}
		return string(payload.Detail)
	}
	return payload.Error
}
