package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/api/dto"
	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/lineage"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toJobDTO(job domain.Job) dto.JobDTO {
	params := job.Parameters
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return dto.JobDTO{
		ID:          job.ID,
		ModelName:   job.ModelName,
		DatasetURL:  job.DatasetURL,
		Parameters:  params,
		Status:      string(job.Status),
		CreatedAt:   formatTime(&job.CreatedAt),
		CompletedAt: formatTime(job.CompletedAt),
		FailedAt:    formatTime(job.FailedAt),
		RetryFrom:   job.RetryFrom,
		RetryCount:  job.RetryCount,
		Lineage:     string(lineage.Classify(job)),
	}
}

// parametersText accepts a JSON object or a JSON string holding one
func parametersText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	var text string
	if len(raw) > 0 && raw[0] == '"' && json.Unmarshal(raw, &text) == nil {
		return text
	}
	return string(raw)
}

// CreateJob handles POST /api/v1/jobs
// Submits a new training job to the remote service
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobID, err := h.dashboard.Submit(c.Request.Context(), token(c), req.ModelName, req.DatasetURL, parametersText(req.Parameters))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.ActionResponse{JobID: jobID})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Spawns a new job from a completed or failed one
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")

	newJobID, err := h.dashboard.Retry(c.Request.Context(), token(c), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.ActionResponse{
		JobID:     newJobID,
		RetryFrom: jobID,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.dashboard.Job(c.Param("job_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Pages through the current snapshot in backend order
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Debug("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs := h.dashboard.Snapshot()
	if req.Status != "" {
		status := domain.ParseStatus(req.Status)
		filtered := jobs[:0]
		for _, job := range jobs {
			if job.Status == status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}

	start := pageStart(jobs, cursor)
	end := min(start+req.PageSize, len(jobs))
	page := jobs[start:end]

	jobResponse := make([]dto.JobDTO, len(page))
	for i, job := range page {
		jobResponse[i] = toJobDTO(job)
	}

	var nextCursor string
	if end < len(jobs) {
		nextCursor = EncodeJobCursor(&JobCursor{
			Position: end - 1,
			JobID:    jobs[end-1].ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		Total:      len(jobs),
		NextCursor: nextCursor,
	})
}

// GetLineage handles GET /api/v1/jobs/:job_id/lineage
func (h *JobHandler) GetLineage(c *gin.Context) {
	report, err := h.dashboard.Lineage(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := dto.LineageResponse{
		JobID:    report.JobID,
		Class:    string(report.Class),
		Parent:   report.Parent,
		Ancestry: append([]string{}, report.Ancestry...),
		Children: append([]string{}, report.Children...),
	}
	for _, edge := range report.Archived {
		resp.Archived = append(resp.Archived, dto.LineageEdgeDTO{
			ParentID:   edge.ParentID,
			ChildID:    edge.ChildID,
			RecordedAt: formatTime(&edge.RecordedAt),
		})
	}

	c.JSON(http.StatusOK, resp)
}

// ListRoots handles GET /api/v1/lineage/roots
func (h *JobHandler) ListRoots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"roots": append([]string{}, h.dashboard.Roots()...),
	})
}

// GetErrorLog handles GET /api/v1/jobs/:job_id/error-log
// The log is fetched on every call and never cached
func (h *JobHandler) GetErrorLog(c *gin.Context) {
	log, err := h.dashboard.ErrorLog(c.Request.Context(), token(c), c.Param("job_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	failedAt := log.FailedAt
	c.JSON(http.StatusOK, dto.ErrorLogResponse{
		JobID:    log.JobID,
		ErrorLog: log.ErrorLog,
		FailedAt: formatTime(&failedAt),
	})
}
