package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/fieldvault/compactor/internal/job"
)

// Store is the Job Record Store: the sole source of truth for queue
// membership and job status. All mutations go through transactions so a
// reader never observes a partially applied transition.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Store on an open SQLite handle.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const schema = `
CREATE TABLE IF NOT EXISTS compression_jobs (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	method TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	processing_started_at DATETIME,
	heartbeat_at DATETIME,
	next_eligible_at DATETIME,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	checkpointed INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_document
	ON compression_jobs(document_id)
	WHERE status IN ('queued', 'processing', 'stuck');

CREATE INDEX IF NOT EXISTS idx_jobs_status ON compression_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_selection ON compression_jobs(status, priority, created_at);

CREATE TABLE IF NOT EXISTS document_usage (
	document_id TEXT PRIMARY KEY,
	ref_count INTEGER NOT NULL DEFAULT 0
);
`

// Migrate creates the job and document-usage tables. The partial unique
// index enforces at most one non-terminal job per document.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate job store: %w", err)
	}
	return nil
}

const jobColumns = `id, document_id, method, priority, status, attempts, last_error,
	created_at, updated_at, processing_started_at, heartbeat_at, next_eligible_at,
	cancel_requested, checkpointed`

// EnqueueParams describe a new compression job.
type EnqueueParams struct {
	DocumentID string
	Method     string
	Priority   job.Priority
}

// Enqueue creates a queued job for a document. It fails with
// job.ErrAlreadyQueued while a non-terminal job exists for the same document.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*job.Job, error) {
	now := time.Now().UTC()
	j := &job.Job{
		ID:         uuid.New().String(),
		DocumentID: p.DocumentID,
		Method:     p.Method,
		Priority:   p.Priority,
		Status:     job.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compression_jobs (id, document_id, method, priority, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.DocumentID, j.Method, j.Priority, j.Status, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, job.ErrAlreadyQueued
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", j.ID),
		slog.String("document_id", j.DocumentID),
		slog.String("method", j.Method),
		slog.String("priority", j.Priority.String()),
	)

	return j, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	err := s.db.GetContext(ctx, &j,
		`SELECT `+jobColumns+` FROM compression_jobs WHERE id = ?`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &j, nil
}

// GetByDocument returns the most recent job for a document.
func (s *Store) GetByDocument(ctx context.Context, documentID string) (*job.Job, error) {
	var j job.Job
	err := s.db.GetContext(ctx, &j,
		`SELECT `+jobColumns+` FROM compression_jobs
		 WHERE document_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job by document: %w", err)
	}
	return &j, nil
}

// Filter narrows a job listing.
type Filter struct {
	Status     job.Status
	DocumentID string
	Method     string
	PageSize   int
	Cursor     *Cursor
}

// Cursor is a keyset pagination position over (created_at DESC, id DESC).
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns jobs matching the filter, newest first. It fetches one row
// beyond PageSize so the caller can detect whether more results exist.
func (s *Store) List(ctx context.Context, f Filter) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM compression_jobs WHERE 1=1`
	args := []interface{}{}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, f.DocumentID)
	}
	if f.Method != "" {
		query += ` AND method = ?`
		args = append(args, f.Method)
	}
	if f.Cursor != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, f.Cursor.CreatedAt, f.Cursor.CreatedAt, f.Cursor.JobID)
	}

	query += ` ORDER BY created_at DESC, id DESC`
	if f.PageSize > 0 {
		query += ` LIMIT ?`
		args = append(args, f.PageSize+1)
	}

	var jobs []job.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNext atomically selects the eligible queued job with the highest
// effective priority and marks it processing. Eligible means: not backed off,
// and the document is not in use. Aging promotes a job one tier (capped at
// critical) once it has waited at least agingThreshold. Returns nil, nil when
// no job is eligible.
func (s *Store) ClaimNext(ctx context.Context, agingThreshold time.Duration) (*job.Job, error) {
	now := time.Now().UTC()
	agedBefore := now.Add(-agingThreshold)
	if agingThreshold <= 0 {
		// Aging disabled: no row can qualify for the boost.
		agedBefore = now.Add(-time.Hour * 24 * 365 * 100)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id string
	err = tx.GetContext(ctx, &id, `
		SELECT j.id FROM compression_jobs j
		WHERE j.status = 'queued'
		  AND (j.next_eligible_at IS NULL OR j.next_eligible_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM document_usage u
			WHERE u.document_id = j.document_id AND u.ref_count > 0
		  )
		ORDER BY
			MIN(j.priority + (CASE WHEN j.created_at <= ? THEN 1 ELSE 0 END), ?) DESC,
			j.created_at ASC,
			j.id ASC
		LIMIT 1`,
		now, agedBefore, int(job.PriorityCritical),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE compression_jobs
		SET status = 'processing',
		    processing_started_at = ?,
		    heartbeat_at = ?,
		    checkpointed = 0,
		    updated_at = ?
		WHERE id = ? AND status = 'queued'`,
		now, now, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent transition; treat as no job.
		return nil, nil
	}

	var j job.Job
	if err := tx.GetContext(ctx, &j,
		`SELECT `+jobColumns+` FROM compression_jobs WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to read claimed job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", j.ID),
		slog.String("document_id", j.DocumentID),
		slog.Int("attempts", j.Attempts),
	)

	return &j, nil
}

// Heartbeat refreshes the processing heartbeat timestamp.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE compression_jobs
		SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		now, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Warn("Heartbeat skipped - job not processing",
			slog.String("job_id", jobID),
		)
	}
	return nil
}

// transition applies a validated status change inside tx. The WHERE clause
// re-checks the source status so concurrent mutations cannot interleave.
func (s *Store) transition(ctx context.Context, tx *sqlx.Tx, jobID string, to job.Status, set string, args ...interface{}) error {
	var from job.Status
	err := tx.GetContext(ctx, &from,
		`SELECT status FROM compression_jobs WHERE id = ?`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.ErrNotFound
		}
		return fmt.Errorf("failed to read job status: %w", err)
	}

	if err := job.ValidateTransition(from, to); err != nil {
		return err
	}

	query := `UPDATE compression_jobs SET status = ?, updated_at = ?`
	if set != "" {
		query += `, ` + set
	}
	query += ` WHERE id = ? AND status = ?`

	full := append([]interface{}{to, time.Now().UTC()}, args...)
	full = append(full, jobID, from)

	res, err := tx.ExecContext(ctx, query, full...)
	if err != nil {
		return fmt.Errorf("failed to transition job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: concurrent transition from %s", job.ErrInvalidTransition, from)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}

// Complete marks a processing job completed and clears its last error.
func (s *Store) Complete(ctx context.Context, jobID string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.transition(ctx, tx, jobID, job.StatusCompleted,
			`last_error = NULL, next_eligible_at = NULL, cancel_requested = 0, checkpointed = 0`)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Job completed", slog.String("job_id", jobID))
	return nil
}

// FailForRetry records a failed attempt and requeues the job with a backoff
// delay before it becomes eligible again.
func (s *Store) FailForRetry(ctx context.Context, jobID, errMsg string, delay time.Duration) error {
	eligible := time.Now().UTC().Add(delay)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.transition(ctx, tx, jobID, job.StatusQueued,
			`attempts = attempts + 1, last_error = ?, next_eligible_at = ?,
			 processing_started_at = NULL, heartbeat_at = NULL, checkpointed = 0`,
			errMsg, eligible)
	})
	if err != nil {
		return err
	}
	s.logger.Warn("Job requeued after failure",
		slog.String("job_id", jobID),
		slog.Duration("backoff", delay),
		slog.String("error", errMsg),
	)
	return nil
}

// FailTerminal records a final failed attempt; no automatic retry follows.
func (s *Store) FailTerminal(ctx context.Context, jobID, errMsg string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.transition(ctx, tx, jobID, job.StatusFailed,
			`attempts = attempts + 1, last_error = ?, next_eligible_at = NULL,
			 processing_started_at = NULL, heartbeat_at = NULL, checkpointed = 0`,
			errMsg)
	})
	if err != nil {
		return err
	}
	s.logger.Error("Job failed terminally",
		slog.String("job_id", jobID),
		slog.String("error", errMsg),
	)
	return nil
}

// Requeue returns a processing job to the queue without charging an attempt.
// Used for cooperative yields (memory pressure) and checkpoint resumption.
func (s *Store) Requeue(ctx context.Context, jobID string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.transition(ctx, tx, jobID, job.StatusQueued,
			`next_eligible_at = NULL, processing_started_at = NULL,
			 heartbeat_at = NULL, checkpointed = 0`)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Job requeued", slog.String("job_id", jobID))
	return nil
}

// Cancel cancels a job. Queued and stuck jobs are cancelled immediately; a
// processing job is marked for cooperative cancellation, which the worker
// honors at its next check. Terminal jobs cannot be cancelled.
func (s *Store) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var from job.Status
		err := tx.GetContext(ctx, &from,
			`SELECT status FROM compression_jobs WHERE id = ?`, jobID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return job.ErrNotFound
			}
			return fmt.Errorf("failed to read job status: %w", err)
		}

		switch from {
		case job.StatusQueued, job.StatusStuck:
			return s.transition(ctx, tx, jobID, job.StatusCancelled,
				`next_eligible_at = NULL, checkpointed = 0`)
		case job.StatusProcessing:
			_, err := tx.ExecContext(ctx, `
				UPDATE compression_jobs
				SET cancel_requested = 1, updated_at = ?
				WHERE id = ? AND status = 'processing'`,
				time.Now().UTC(), jobID)
			if err != nil {
				return fmt.Errorf("failed to request cancellation: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("%w: cancel from %s", job.ErrInvalidTransition, from)
		}
	})
	if err != nil {
		return nil, err
	}

	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Job cancellation",
		slog.String("job_id", jobID),
		slog.String("status", string(j.Status)),
		slog.Bool("cooperative", j.CancelRequested),
	)
	return j, nil
}

// CancelRequested reports whether cooperative cancellation has been requested.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.db.GetContext(ctx, &requested,
		`SELECT cancel_requested FROM compression_jobs WHERE id = ?`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, job.ErrNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// MarkCancelled finalizes a cooperative cancellation from the worker side.
func (s *Store) MarkCancelled(ctx context.Context, jobID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.transition(ctx, tx, jobID, job.StatusCancelled,
			`next_eligible_at = NULL, cancel_requested = 0, checkpointed = 0,
			 processing_started_at = NULL, heartbeat_at = NULL`)
	})
}

// Checkpoint preserves a processing job across a forced suspension: the
// status stays processing, the heartbeat is refreshed, and the checkpoint
// flag exempts the job from stuck-detection attempt charging.
func (s *Store) Checkpoint(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE compression_jobs
		SET checkpointed = 1, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		now, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to checkpoint job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.ErrNotFound
	}
	return nil
}

// CheckpointAll checkpoints every processing job. Used on background-window
// expiry and terminate-imminent signals.
func (s *Store) CheckpointAll(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE compression_jobs
		SET checkpointed = 1, heartbeat_at = ?, updated_at = ?
		WHERE status = 'processing'`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to checkpoint jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Checkpointed in-flight jobs", slog.Int64("count", n))
	}
	return n, nil
}

// ResumeCheckpointed requeues checkpointed processing jobs without charging
// an attempt. A zero heartbeatBefore resumes all of them (startup and
// foreground); the periodic detector passes a cutoff so it only reclaims
// checkpoints nobody came back for.
func (s *Store) ResumeCheckpointed(ctx context.Context, heartbeatBefore time.Time) (int64, error) {
	query := `
		UPDATE compression_jobs
		SET status = 'queued', checkpointed = 0, next_eligible_at = NULL,
		    processing_started_at = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE status = 'processing' AND checkpointed = 1`
	args := []interface{}{time.Now().UTC()}
	if !heartbeatBefore.IsZero() {
		query += ` AND heartbeat_at < ?`
		args = append(args, heartbeatBefore)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to resume checkpointed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Resumed checkpointed jobs", slog.Int64("count", n))
	}
	return n, nil
}

// MarkStuck marks processing jobs whose heartbeat is older than the cutoff
// as stuck. Checkpointed jobs are exempt; they are resumed directly.
func (s *Store) MarkStuck(ctx context.Context, heartbeatBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE compression_jobs
		SET status = 'stuck', last_error = 'processing deadline exceeded', updated_at = ?
		WHERE status = 'processing'
		  AND checkpointed = 0
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < ?`,
		time.Now().UTC(), heartbeatBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("Marked stuck jobs", slog.Int64("count", n))
	}
	return n, nil
}

// RecoverStuck requeues stuck jobs. Attempts are left unchanged: the stuck
// attempt counts as one of the allowed tries.
func (s *Store) RecoverStuck(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE compression_jobs
		SET status = 'queued', next_eligible_at = NULL,
		    processing_started_at = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE status = 'stuck'`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Recovered stuck jobs", slog.Int64("count", n))
	}
	return n, nil
}

// AcquireDocument increments the in-use reference count for a document.
// While the count is positive, queued jobs for the document are skipped by
// selection but remain in the queue.
func (s *Store) AcquireDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_usage (document_id, ref_count) VALUES (?, 1)
		ON CONFLICT(document_id) DO UPDATE SET ref_count = ref_count + 1`,
		documentID,
	)
	if err != nil {
		return fmt.Errorf("failed to acquire document: %w", err)
	}
	return nil
}

// ReleaseDocument decrements the in-use reference count, deleting the row at
// zero so the document becomes immediately eligible for selection.
func (s *Store) ReleaseDocument(ctx context.Context, documentID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE document_usage SET ref_count = ref_count - 1
			WHERE document_id = ? AND ref_count > 0`,
			documentID,
		)
		if err != nil {
			return fmt.Errorf("failed to release document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return job.ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM document_usage WHERE document_id = ? AND ref_count <= 0`,
			documentID,
		)
		if err != nil {
			return fmt.Errorf("failed to clear document usage: %w", err)
		}
		return nil
	})
}

// DocumentInUse reports whether the document has a positive reference count.
func (s *Store) DocumentInUse(ctx context.Context, documentID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COALESCE(ref_count, 0) FROM document_usage WHERE document_id = ?`,
		documentID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read document usage: %w", err)
	}
	return count > 0, nil
}

// UsageVerifier is the live document-access collaborator consulted by
// ResetInUse before clearing a leaked flag.
type UsageVerifier interface {
	DocumentOpen(ctx context.Context, documentID string) (bool, error)
}

// ResetInUse clears in-use flags left behind by crashed consumers. Each flag
// is verified against the live collaborator; documents it still reports open
// keep their count. Part of the comprehensive reset operation.
func (s *Store) ResetInUse(ctx context.Context, verify UsageVerifier) (int64, error) {
	var documentIDs []string
	if err := s.db.SelectContext(ctx, &documentIDs,
		`SELECT document_id FROM document_usage WHERE ref_count > 0`); err != nil {
		return 0, fmt.Errorf("failed to list document usage: %w", err)
	}

	var cleared int64
	for _, id := range documentIDs {
		if verify != nil {
			open, err := verify.DocumentOpen(ctx, id)
			if err != nil {
				s.logger.Warn("Usage verification failed, keeping flag",
					slog.String("document_id", id),
					slog.Any("error", err),
				)
				continue
			}
			if open {
				continue
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM document_usage WHERE document_id = ?`, id); err != nil {
			return cleared, fmt.Errorf("failed to clear usage flag: %w", err)
		}
		cleared++
	}

	if cleared > 0 {
		s.logger.Info("Cleared leaked in-use flags", slog.Int64("count", cleared))
	}
	return cleared, nil
}

// UpdatePriority changes the stored priority tier of a queued or stuck job.
func (s *Store) UpdatePriority(ctx context.Context, jobID string, p job.Priority) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE compression_jobs
		SET priority = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'stuck')`,
		p, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		j, err := s.Get(ctx, jobID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: priority update from %s", job.ErrInvalidTransition, j.Status)
	}
	return nil
}

// BulkResult is the per-item outcome of a bulk operation.
type BulkResult struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// BulkUpdatePriority applies a priority change to each job independently.
// Atomic per job, not across the batch: one failure does not roll back the
// others.
func (s *Store) BulkUpdatePriority(ctx context.Context, jobIDs []string, p job.Priority) []BulkResult {
	results := make([]BulkResult, 0, len(jobIDs))
	for _, id := range jobIDs {
		r := BulkResult{JobID: id}
		if err := s.UpdatePriority(ctx, id, p); err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// RetryFailed transitions a terminally failed job back to queued. When
// resetAttempts is true the attempt counter restarts from zero; otherwise it
// is preserved and counts against max_attempts.
func (s *Store) RetryFailed(ctx context.Context, jobID string, resetAttempts bool) (*job.Job, error) {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var status job.Status
		err := tx.GetContext(ctx, &status,
			`SELECT status FROM compression_jobs WHERE id = ?`, jobID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return job.ErrNotFound
			}
			return fmt.Errorf("failed to read job status: %w", err)
		}
		if status != job.StatusFailed {
			return fmt.Errorf("%w: status is %s", job.ErrNotRetryable, status)
		}

		set := `last_error = NULL, next_eligible_at = NULL`
		if resetAttempts {
			set += `, attempts = 0`
		}
		return s.transition(ctx, tx, jobID, job.StatusQueued, set)
	})
	if err != nil {
		return nil, err
	}

	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Failed job requeued for retry",
		slog.String("job_id", jobID),
		slog.Int("attempts", j.Attempts),
	)
	return j, nil
}

// RetryAllFailed retries every terminally failed job, returning per-job
// outcomes.
func (s *Store) RetryAllFailed(ctx context.Context, resetAttempts bool) ([]BulkResult, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM compression_jobs WHERE status = 'failed' ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		r := BulkResult{JobID: id}
		if _, err := s.RetryFailed(ctx, id, resetAttempts); err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

// PurgeTerminal deletes completed, failed, and cancelled jobs older than
// the cutoff. History and statistics are retained until this is called.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM compression_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Purged terminal jobs", slog.Int64("count", n))
	}
	return n, nil
}

// CountByStatus returns queue depth per status from a single read.
func (s *Store) CountByStatus(ctx context.Context) (map[job.Status]int64, error) {
	rows := []struct {
		Status job.Status `db:"status"`
		Count  int64      `db:"count"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM compression_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[job.Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// SnapshotJobs returns every job in one consistent read, oldest first. The
// statistics reporter derives all aggregates from this without mutating
// anything.
func (s *Store) SnapshotJobs(ctx context.Context) ([]job.Job, error) {
	var jobs []job.Job
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM compression_jobs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot jobs: %w", err)
	}
	return jobs, nil
}
