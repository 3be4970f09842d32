package job

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a compression job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusStuck      Status = "stuck"
)

// Terminal reports whether the status is final. Terminal jobs are retained
// for history and statistics until explicitly purged; a new job for the same
// document may be enqueued once the previous one is terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the full state machine. Any pair not listed here is
// rejected with ErrInvalidTransition.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusQueued, StatusCancelled, StatusStuck},
	StatusStuck:      {StatusQueued, StatusCancelled},
	StatusFailed:     {StatusQueued}, // manual retry only
}

// ValidateTransition checks a status change against the state machine.
func ValidateTransition(from, to Status) error {
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Priority is an ordered tier. Higher ranks are selected first; the aging
// boost in EffectivePriority promotes a waiting job by one rank, capped at
// PriorityCritical.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts the wire form of a priority tier.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("invalid priority %q", s)
}

// DefaultMethods are the compression method identifiers accepted when the
// configuration does not narrow the set. The scheduler treats methods as
// opaque; the codec collaborator decides what each one means.
var DefaultMethods = []string{
	"lossless",
	"lossy",
	"pdf_optimize",
	"office_optimize",
	"video_optimize",
	"none",
}

// Job is one scheduled compression task tied to exactly one document.
// At most one non-terminal job exists per document at any time; the store
// enforces this with a partial unique index.
type Job struct {
	ID                  string     `db:"id" json:"job_id"`
	DocumentID          string     `db:"document_id" json:"document_id"`
	Method              string     `db:"method" json:"method"`
	Priority            Priority   `db:"priority" json:"priority"`
	Status              Status     `db:"status" json:"status"`
	Attempts            int        `db:"attempts" json:"attempts"`
	LastError           *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
	ProcessingStartedAt *time.Time `db:"processing_started_at" json:"processing_started_at,omitempty"`
	HeartbeatAt         *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	NextEligibleAt      *time.Time `db:"next_eligible_at" json:"next_eligible_at,omitempty"`
	CancelRequested     bool       `db:"cancel_requested" json:"cancel_requested"`
	Checkpointed        bool       `db:"checkpointed" json:"checkpointed"`
}
