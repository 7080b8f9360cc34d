package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/training-dashboard/internal/dashboard"
	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/gin-gonic/gin"
)

// TokenKey is the gin context key holding the caller's bearer credential
const TokenKey = "token"

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Dashboard *dashboard.Dashboard
	// SyncContext bounds the poll loop started over HTTP
	SyncContext context.Context
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	dashboard   *dashboard.Dashboard
	syncContext context.Context
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	syncCtx := deps.SyncContext
	if syncCtx == nil {
		syncCtx = context.Background()
	}
	return &JobHandler{
		logger:      deps.Logger,
		dashboard:   deps.Dashboard,
		syncContext: syncCtx,
	}
}

func token(c *gin.Context) string {
	return c.GetString(TokenKey)
}

// writeError maps the domain error taxonomy onto HTTP status codes
func (h *JobHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	var actionErr *domain.ActionError
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotRetryable), errors.Is(err, domain.ErrNoErrorLog):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyInProgress):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.As(err, &actionErr):
		// the server detail is shown verbatim
		status = actionErr.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		message = actionErr.Detail
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrMalformedPayload):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, gin.H{
		"error": message,
	})
}
