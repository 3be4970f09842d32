package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fieldvault/compactor/internal/job"
)

// respondError maps domain errors onto HTTP status codes. Conflict-shaped
// errors (duplicate job, document in use, bad transition) are 409 so callers
// can distinguish them from validation failures.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrAlreadyQueued),
		errors.Is(err, job.ErrInUse),
		errors.Is(err, job.ErrInvalidTransition),
		errors.Is(err, job.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrUnsupportedMethod):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error("Request failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
