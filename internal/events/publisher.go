// Package events publishes terminal job outcomes to an external broker.
// Publication is strictly best-effort: the scheduler is offline-first and
// never blocks or fails a job because the broker is unreachable.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fieldvault/compactor/internal/job"
	"github.com/fieldvault/compactor/shared/rabbitmq"
)

// JobOutcome is the wire form of a terminal job event.
type JobOutcome struct {
	JobID      string  `json:"job_id"`
	DocumentID string  `json:"document_id"`
	Method     string  `json:"method"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	LastError  *string `json:"last_error,omitempty"`
	At         string  `json:"at"`
}

// Publisher emits job outcome events over RabbitMQ.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher creates an outcome publisher on an established client.
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// JobFinished publishes the terminal state of a job. Errors are logged and
// swallowed; the job record store is the source of truth regardless.
func (p *Publisher) JobFinished(ctx context.Context, j *job.Job) {
	outcome := JobOutcome{
		JobID:      j.ID,
		DocumentID: j.DocumentID,
		Method:     j.Method,
		Status:     string(j.Status),
		Attempts:   j.Attempts,
		LastError:  j.LastError,
		At:         time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(outcome)
	if err != nil {
		p.logger.Error("Failed to encode job outcome",
			slog.String("job_id", j.ID),
			slog.Any("error", err),
		)
		return
	}

	if err := p.client.Publish(ctx, body, "application/json"); err != nil {
		p.logger.Warn("Job outcome not published",
			slog.String("job_id", j.ID),
			slog.Any("error", err),
		)
	}
}
