package router

import (
	"context"
	"net/http"

	"github.com/cuongbtq/training-dashboard/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options tunes the router
type Options struct {
	ServiceName    string
	AllowedOrigins []string
	// ReadinessChecks back /ready; each failing check is reported by name
	ReadinessChecks map[string]func(ctx context.Context) error
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": opts.ServiceName,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		failures := gin.H{}
		for name, check := range opts.ReadinessChecks {
			if err := check(c.Request.Context()); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"checks": failures,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(deps.Dashboard.Credentials()))
	{
		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
			jobs.GET("/:job_id/lineage", jobHandler.GetLineage)
			jobs.GET("/:job_id/error-log", jobHandler.GetErrorLog)
		}

		v1.GET("/lineage/roots", jobHandler.ListRoots)

		sync := v1.Group("/sync")
		{
			sync.GET("", jobHandler.GetSyncStatus)
			sync.POST("/start", jobHandler.StartSync)
			sync.POST("/stop", jobHandler.StopSync)
			sync.POST("/refresh", jobHandler.RefreshSync)
		}
	}

	return r
}
