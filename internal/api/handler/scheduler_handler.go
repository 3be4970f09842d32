package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldvault/compactor/internal/api/dto"
	"github.com/fieldvault/compactor/internal/config"
	"github.com/fieldvault/compactor/internal/scheduler"
)

// QueueStatus handles GET /api/v1/queue/status
func (h *SchedulerHandler) QueueStatus(c *gin.Context) {
	status, err := h.reporter.QueueStatus(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// QueueStats handles GET /api/v1/queue/stats
func (h *SchedulerHandler) QueueStats(c *gin.Context) {
	stats, err := h.reporter.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// QueueDebug handles GET /api/v1/queue/debug
// Dumps the waiting queue in effective selection order plus the scheduler's
// runtime state.
func (h *SchedulerHandler) QueueDebug(c *gin.Context) {
	snap, err := h.reporter.Debug(c.Request.Context(), h.scheduler.CurrentConfig().AgingThreshold)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scheduler":  h.scheduler.CurrentState(),
		"queue":      snap.Queue,
		"processing": snap.Processing,
		"stuck":      snap.Stuck,
	})
}

// ProcessQueueNow handles POST /api/v1/queue/process-now
func (h *SchedulerHandler) ProcessQueueNow(c *gin.Context) {
	h.scheduler.ProcessQueueNow()
	c.JSON(http.StatusAccepted, gin.H{"message": "queue processing triggered"})
}

// PurgeQueue handles POST /api/v1/queue/purge
// Deletes terminal job records, optionally only those older than a cutoff.
func (h *SchedulerHandler) PurgeQueue(c *gin.Context) {
	var req dto.PurgeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	cutoff := time.Now().UTC()
	if req.OlderThanSeconds > 0 {
		cutoff = cutoff.Add(-time.Duration(req.OlderThanSeconds) * time.Second)
	}

	purged, err := h.store.PurgeTerminal(c.Request.Context(), cutoff)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

// ResetQueue handles POST /api/v1/queue/reset
// Comprehensive recovery: resumes checkpoints, requeues stuck jobs, and
// clears leaked in-use flags after verification.
func (h *SchedulerHandler) ResetQueue(c *gin.Context) {
	summary, err := h.scheduler.ComprehensiveReset(c.Request.Context(), h.verifier)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// LifecycleSignal handles POST /api/v1/signals/lifecycle
func (h *SchedulerHandler) LifecycleSignal(c *gin.Context) {
	var req dto.LifecycleSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	event, err := scheduler.ParseLifecycleEvent(req.Event)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.scheduler.HandleLifecycle(c.Request.Context(), event); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.scheduler.CurrentState())
}

// PressureSignal handles POST /api/v1/signals/memory-pressure
func (h *SchedulerHandler) PressureSignal(c *gin.Context) {
	var req dto.PressureSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	level, err := scheduler.ParsePressureLevel(req.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.scheduler.HandlePressure(level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.scheduler.CurrentState())
}

// GetConfig handles GET /api/v1/config
func (h *SchedulerHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.CurrentConfig())
}

// UpdateConfig handles PUT /api/v1/config
// Replaces the scheduler configuration atomically; workers pick it up at
// their next suspension point.
func (h *SchedulerHandler) UpdateConfig(c *gin.Context) {
	var cfg config.SchedulerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.scheduler.ReplaceConfig(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.scheduler.CurrentConfig())
}

// Health handles GET /health
func (h *SchedulerHandler) Health(c *gin.Context) {
	if err := h.dbClient.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "compression-scheduler-service",
	})
}
