package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/api/dto"
	"github.com/cuongbtq/training-dashboard/internal/syncer"
	"github.com/gin-gonic/gin"
)

func (h *JobHandler) syncStatus() dto.SyncStatusResponse {
	status := h.dashboard.SyncStatus()
	resp := dto.SyncStatusResponse{
		Running:             status.Running,
		LastAttempt:         formatTime(&status.LastAttempt),
		LastSuccess:         formatTime(&status.LastSuccess),
		ConsecutiveFailures: status.ConsecutiveFailures,
		DroppedTicks:        status.DroppedTicks,
	}
	if status.LastError != nil {
		resp.LastError = status.LastError.Error()
	}
	return resp
}

// GetSyncStatus handles GET /api/v1/sync
func (h *JobHandler) GetSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.syncStatus())
}

// StartSync handles POST /api/v1/sync/start
func (h *JobHandler) StartSync(c *gin.Context) {
	h.dashboard.StartSync(h.syncContext)
	c.JSON(http.StatusOK, h.syncStatus())
}

// StopSync handles POST /api/v1/sync/stop
func (h *JobHandler) StopSync(c *gin.Context) {
	h.dashboard.StopSync()
	c.JSON(http.StatusOK, h.syncStatus())
}

// RefreshSync handles POST /api/v1/sync/refresh
// A refresh while another list request is in flight is reported as 409
func (h *JobHandler) RefreshSync(c *gin.Context) {
	err := h.dashboard.Refresh(c.Request.Context())
	if errors.Is(err, syncer.ErrTickDropped) {
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
		return
	}
	if err != nil {
		// the last good snapshot stays in place
		c.JSON(http.StatusOK, gin.H{
			"refreshed":  false,
			"last_error": err.Error(),
			"checked_at": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refreshed":  true,
		"jobs":       len(h.dashboard.Snapshot()),
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	})
}
