package handler

import (
	"log/slog"

	"github.com/fieldvault/compactor/internal/scheduler"
	"github.com/fieldvault/compactor/internal/stats"
	"github.com/fieldvault/compactor/internal/store"
	"github.com/fieldvault/compactor/shared/sqlite"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	DBClient  *sqlite.Client
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Reporter  *stats.Reporter
	// Verifier confirms live document access during a comprehensive reset.
	// Optional; when nil, every in-use flag is treated as leaked.
	Verifier store.UsageVerifier
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     *store.Store
	scheduler *scheduler.Scheduler
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		scheduler: deps.Scheduler,
	}
}

// SchedulerHandler handles queue-level and signal HTTP requests
type SchedulerHandler struct {
	logger    *slog.Logger
	dbClient  *sqlite.Client
	store     *store.Store
	scheduler *scheduler.Scheduler
	reporter  *stats.Reporter
	verifier  store.UsageVerifier
}

// NewSchedulerHandler creates a new SchedulerHandler instance
func NewSchedulerHandler(deps *Dependencies) *SchedulerHandler {
	return &SchedulerHandler{
		logger:    deps.Logger,
		dbClient:  deps.DBClient,
		store:     deps.Store,
		scheduler: deps.Scheduler,
		reporter:  deps.Reporter,
		verifier:  deps.Verifier,
	}
}
