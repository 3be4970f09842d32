package router

import (
	"github.com/gin-gonic/gin"

	"github.com/fieldvault/compactor/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)
	schedHandler := handler.NewSchedulerHandler(deps)

	// Health check endpoint
	r.GET("/health", schedHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a compression job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// POST /api/v1/jobs/priority - Bulk priority change
			jobs.POST("/priority", jobHandler.BulkUpdatePriority)

			// POST /api/v1/jobs/retry-all - Retry every failed job
			jobs.POST("/retry-all", jobHandler.RetryAllFailed)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// PATCH /api/v1/jobs/:job_id/priority - Change a job's priority
			jobs.PATCH("/:job_id/priority", jobHandler.UpdatePriority)

			// POST /api/v1/jobs/:job_id/retry - Retry a failed job
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		}

		queue := v1.Group("/queue")
		{
			queue.GET("/status", schedHandler.QueueStatus)
			queue.GET("/stats", schedHandler.QueueStats)
			queue.GET("/debug", schedHandler.QueueDebug)
			queue.POST("/process-now", schedHandler.ProcessQueueNow)
			queue.POST("/purge", schedHandler.PurgeQueue)
			queue.POST("/reset", schedHandler.ResetQueue)
		}

		documents := v1.Group("/documents")
		{
			documents.GET("/:document_id/job", jobHandler.GetDocumentJob)
			documents.GET("/:document_id/in-use", jobHandler.DocumentInUse)
			documents.POST("/:document_id/in-use", jobHandler.AcquireDocument)
			documents.DELETE("/:document_id/in-use", jobHandler.ReleaseDocument)
		}

		signals := v1.Group("/signals")
		{
			signals.POST("/lifecycle", schedHandler.LifecycleSignal)
			signals.POST("/memory-pressure", schedHandler.PressureSignal)
		}

		v1.GET("/config", schedHandler.GetConfig)
		v1.PUT("/config", schedHandler.UpdateConfig)
	}

	return r
}
