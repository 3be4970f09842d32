package dto

type CreateJobRequest struct {
	DocumentID string `json:"document_id" binding:"required"`
	Method     string `json:"method" binding:"required"`
	Priority   string `json:"priority"`
}

type ListJobsRequest struct {
	Status     string `form:"status"`
	DocumentID string `form:"document_id"`
	Method     string `form:"method"`
	PageSize   int    `form:"page_size"`
	Cursor     string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string  `json:"job_id"`
	DocumentID      string  `json:"document_id"`
	Method          string  `json:"method"`
	Priority        string  `json:"priority"`
	Status          string  `json:"status"`
	Attempts        int     `json:"attempts"`
	LastError       *string `json:"last_error,omitempty"`
	CancelRequested bool    `json:"cancel_requested"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	NextEligibleAt  string  `json:"next_eligible_at,omitempty"`
}

type UpdatePriorityRequest struct {
	Priority string `json:"priority" binding:"required"`
}

type BulkPriorityRequest struct {
	JobIDs   []string `json:"job_ids" binding:"required"`
	Priority string   `json:"priority" binding:"required"`
}

type RetryRequest struct {
	// ResetAttempts overrides the configured retry_resets_attempts when set.
	ResetAttempts *bool `json:"reset_attempts"`
}

type PurgeRequest struct {
	// OlderThanSeconds restricts the purge to terminal jobs whose last
	// update is at least this old. Zero purges all terminal jobs.
	OlderThanSeconds int64 `json:"older_than_seconds"`
}

type LifecycleSignalRequest struct {
	Event string `json:"event" binding:"required"`
}

type PressureSignalRequest struct {
	Level string `json:"level" binding:"required"`
}
