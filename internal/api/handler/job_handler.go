package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldvault/compactor/internal/api/dto"
	"github.com/fieldvault/compactor/internal/job"
	"github.com/fieldvault/compactor/internal/store"
)

func toJobDTO(j *job.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:           j.ID,
		DocumentID:      j.DocumentID,
		Method:          j.Method,
		Priority:        j.Priority.String(),
		Status:          string(j.Status),
		Attempts:        j.Attempts,
		LastError:       j.LastError,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       j.UpdatedAt.Format(time.RFC3339),
	}
	if j.NextEligibleAt != nil {
		d.NextEligibleAt = j.NextEligibleAt.Format(time.RFC3339)
	}
	return d
}

// CreateJob handles POST /api/v1/jobs
// Enqueues a compression job for a document. At most one non-terminal job
// may exist per document; a duplicate is rejected with 409.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	cfg := h.scheduler.CurrentConfig()
	if !cfg.MethodSupported(req.Method) {
		respondError(c, h.logger, job.ErrUnsupportedMethod)
		return
	}

	priority := job.PriorityNormal
	if req.Priority != "" {
		p, err := job.ParsePriority(req.Priority)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		priority = p
	}

	j, err := h.store.Enqueue(c.Request.Context(), store.EnqueueParams{
		DocumentID: req.DocumentID,
		Method:     req.Method,
		Priority:   priority,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.scheduler.Wake()
	c.JSON(http.StatusCreated, toJobDTO(j))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	j, err := h.store.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toJobDTO(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination, newest first.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), store.Filter{
		Status:     job.Status(req.Status),
		DocumentID: req.DocumentID,
		Method:     req.Method,
		PageSize:   req.PageSize,
		Cursor:     cursor,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Queued and stuck jobs cancel immediately; a processing job is marked and
// cancels at the worker's next cooperative check.
func (h *JobHandler) CancelJob(c *gin.Context) {
	j, err := h.store.Cancel(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toJobDTO(j))
}

// UpdatePriority handles PATCH /api/v1/jobs/:job_id/priority
func (h *JobHandler) UpdatePriority(c *gin.Context) {
	var req dto.UpdatePriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	p, err := job.ParsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID := c.Param("job_id")
	if err := h.store.UpdatePriority(c.Request.Context(), jobID, p); err != nil {
		respondError(c, h.logger, err)
		return
	}

	j, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.scheduler.Wake()
	c.JSON(http.StatusOK, toJobDTO(j))
}

// BulkUpdatePriority handles POST /api/v1/jobs/priority
// Applies a priority change per job; one failure does not affect the rest.
func (h *JobHandler) BulkUpdatePriority(c *gin.Context) {
	var req dto.BulkPriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	p, err := job.ParsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := h.store.BulkUpdatePriority(c.Request.Context(), req.JobIDs, p)
	h.scheduler.Wake()
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Requeues a terminally failed job. Attempt-counter reset follows the
// configuration unless the request overrides it.
func (h *JobHandler) RetryJob(c *gin.Context) {
	var req dto.RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	reset := h.scheduler.CurrentConfig().RetryResetsAttempts
	if req.ResetAttempts != nil {
		reset = *req.ResetAttempts
	}

	j, err := h.store.RetryFailed(c.Request.Context(), c.Param("job_id"), reset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.scheduler.Wake()
	c.JSON(http.StatusOK, toJobDTO(j))
}

// RetryAllFailed handles POST /api/v1/jobs/retry-all
func (h *JobHandler) RetryAllFailed(c *gin.Context) {
	var req dto.RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	reset := h.scheduler.CurrentConfig().RetryResetsAttempts
	if req.ResetAttempts != nil {
		reset = *req.ResetAttempts
	}

	results, err := h.store.RetryAllFailed(c.Request.Context(), reset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.scheduler.Wake()
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// GetDocumentJob handles GET /api/v1/documents/:document_id/job
// Returns the most recent job for a document.
func (h *JobHandler) GetDocumentJob(c *gin.Context) {
	j, err := h.store.GetByDocument(c.Request.Context(), c.Param("document_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toJobDTO(j))
}

// DocumentInUse handles GET /api/v1/documents/:document_id/in-use
func (h *JobHandler) DocumentInUse(c *gin.Context) {
	documentID := c.Param("document_id")
	inUse, err := h.store.DocumentInUse(c.Request.Context(), documentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "in_use": inUse})
}

// AcquireDocument handles POST /api/v1/documents/:document_id/in-use
// Marks the document as open; its queued jobs are skipped by selection
// until the count returns to zero.
func (h *JobHandler) AcquireDocument(c *gin.Context) {
	documentID := c.Param("document_id")
	if err := h.store.AcquireDocument(c.Request.Context(), documentID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "in_use": true})
}

// ReleaseDocument handles DELETE /api/v1/documents/:document_id/in-use
func (h *JobHandler) ReleaseDocument(c *gin.Context) {
	documentID := c.Param("document_id")
	if err := h.store.ReleaseDocument(c.Request.Context(), documentID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	inUse, err := h.store.DocumentInUse(c.Request.Context(), documentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !inUse {
		h.scheduler.Wake()
	}
	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "in_use": inUse})
}
