package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fieldvault/compactor/internal/job"
)

// execute runs one compression attempt. Cooperative cancellation and yield
// requests are honored at checkpoints: before starting, after the codec
// returns, and before the replace write. The job state in the store is
// authoritative throughout; the in-memory copy is never trusted across a
// suspension point.
func (s *Scheduler) execute(ctx context.Context, j *job.Job) {
	log := s.logger.With(
		slog.String("job_id", j.ID),
		slog.String("document_id", j.DocumentID),
		slog.String("method", j.Method),
	)

	aj := s.active.register(j.ID, j.Priority)
	defer s.active.unregister(j.ID)

	if requested, err := s.store.CancelRequested(ctx, j.ID); err == nil && requested {
		s.finishCancelled(ctx, j.ID, log)
		return
	}

	cfg := s.cfg.Load()
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.StuckJobTimeout)
	defer cancel()

	hbDone := make(chan struct{})
	go s.heartbeatLoop(attemptCtx, j.ID, cfg.HeartbeatInterval, hbDone)
	defer close(hbDone)

	log.Info("Compression attempt started", slog.Int("attempts", j.Attempts))
	start := time.Now()

	data, err := s.documents.Load(attemptCtx, j.DocumentID)
	if err != nil {
		s.handleFailure(ctx, j, job.NewStorageIO(err), log)
		return
	}

	compressed, err := s.compressor.Compress(attemptCtx, data, j.Method)
	if err != nil {
		s.handleFailure(ctx, j, job.NewCompressionFailed(err), log)
		return
	}

	// Checkpoint between compress and replace: the expensive work is done,
	// so honor any cancellation or yield before committing the result.
	if requested, cerr := s.store.CancelRequested(ctx, j.ID); cerr == nil && requested {
		s.finishCancelled(ctx, j.ID, log)
		return
	}
	if aj.yield.Load() {
		log.Info("Yielding job at checkpoint")
		if rerr := s.store.Requeue(ctx, j.ID); rerr != nil {
			// A lifecycle resume may have requeued it first; the state
			// machine keeps the outcome consistent either way.
			log.Warn("Yield requeue skipped", slog.Any("error", rerr))
		}
		return
	}

	if err := s.documents.Replace(attemptCtx, j.DocumentID, compressed); err != nil {
		s.handleFailure(ctx, j, job.NewStorageIO(err), log)
		return
	}

	if err := s.store.Complete(ctx, j.ID); err != nil {
		log.Error("Failed to record completion", slog.Any("error", err))
		return
	}

	log.Info("Compression attempt succeeded",
		slog.Duration("duration", time.Since(start)),
		slog.Int("original_bytes", len(data)),
		slog.Int("compressed_bytes", len(compressed)),
	)
	s.publishOutcome(ctx, j.ID)
}

// handleFailure applies retry policy: retryable errors within the attempt
// budget requeue with exponential backoff, everything else fails terminally.
// A cancel requested during the attempt wins over the failure outcome.
func (s *Scheduler) handleFailure(ctx context.Context, j *job.Job, err error, log *slog.Logger) {
	if requested, cerr := s.store.CancelRequested(ctx, j.ID); cerr == nil && requested {
		s.finishCancelled(ctx, j.ID, log)
		return
	}

	cfg := s.cfg.Load()
	charged := j.Attempts + 1

	var retryable *job.RetryableError
	canRetry := errors.As(err, &retryable) && charged < cfg.MaxAttempts

	if canRetry {
		delay := job.Backoff(cfg.BackoffBase, cfg.BackoffCap, charged)
		log.Warn("Compression attempt failed, will retry",
			slog.Int("attempts", charged),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if ferr := s.store.FailForRetry(ctx, j.ID, err.Error(), delay); ferr != nil {
			log.Error("Failed to record retryable failure", slog.Any("error", ferr))
		}
		return
	}

	log.Error("Job failed terminally",
		slog.Int("attempts", charged),
		slog.Any("error", err),
	)
	if ferr := s.store.FailTerminal(ctx, j.ID, err.Error()); ferr != nil {
		log.Error("Failed to record terminal failure", slog.Any("error", ferr))
		return
	}
	s.publishOutcome(ctx, j.ID)
}

func (s *Scheduler) finishCancelled(ctx context.Context, jobID string, log *slog.Logger) {
	if err := s.store.MarkCancelled(ctx, jobID); err != nil {
		log.Error("Failed to finalize cancellation", slog.Any("error", err))
		return
	}
	log.Info("Job cancelled cooperatively")
	s.publishOutcome(ctx, jobID)
}

// heartbeatLoop refreshes the processing heartbeat so the stuck-job detector
// can tell a live worker from an orphaned record.
func (s *Scheduler) heartbeatLoop(ctx context.Context, jobID string, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Heartbeat(ctx, jobID); err != nil {
				s.logger.Warn("Heartbeat update failed",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// publishOutcome sends the terminal job state to the outcome publisher, if
// one is configured. Failures are logged and never affect the job.
func (s *Scheduler) publishOutcome(ctx context.Context, jobID string) {
	if s.events == nil {
		return
	}
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.logger.Warn("Skipping outcome publication",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}
	s.events.JobFinished(ctx, j)
}
