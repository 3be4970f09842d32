package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldvault/compactor/internal/store"
)

// runDetector is the stuck-job recovery loop. It runs one pass immediately at
// startup (reclaiming jobs orphaned by a crash) and then on the configured
// interval.
func (s *Scheduler) runDetector(ctx context.Context) {
	defer s.wg.Done()

	s.logger.Info("Stuck-job detector started",
		slog.Duration("interval", s.cfg.Load().DetectorInterval),
	)

	// Startup pass: a previous process may have died mid-attempt. Resume
	// every checkpoint regardless of heartbeat age.
	if _, err := s.store.ResumeCheckpointed(ctx, time.Time{}); err != nil {
		s.logger.Error("Startup checkpoint resume failed", slog.Any("error", err))
	}
	s.detectOnce(ctx)

	ticker := time.NewTicker(s.cfg.Load().DetectorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.logger.Info("Stuck-job detector stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.detectOnce(ctx)
		}
	}
}

// detectOnce runs one recovery pass in two phases. First it requeues jobs
// that were checkpointed but never resumed (stale heartbeat, no attempt
// charged) and jobs already marked stuck. Then it marks still-processing
// jobs with a stale heartbeat as stuck; those wait one more pass before
// requeueing, giving a slow but live worker time to heartbeat again.
func (s *Scheduler) detectOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.Load().StuckJobTimeout)

	resumed, err := s.store.ResumeCheckpointed(ctx, cutoff)
	if err != nil {
		s.logger.Error("Checkpoint resume failed", slog.Any("error", err))
	}

	recovered, err := s.store.RecoverStuck(ctx)
	if err != nil {
		s.logger.Error("Stuck recovery failed", slog.Any("error", err))
	}

	marked, err := s.store.MarkStuck(ctx, cutoff)
	if err != nil {
		s.logger.Error("Stuck detection failed", slog.Any("error", err))
	}

	if resumed > 0 || recovered > 0 || marked > 0 {
		s.logger.Info("Recovery pass",
			slog.Int64("resumed", resumed),
			slog.Int64("recovered", recovered),
			slog.Int64("marked_stuck", marked),
		)
	}
	if resumed > 0 || recovered > 0 {
		s.Wake()
	}
}

// ResetSummary reports what a comprehensive reset changed.
type ResetSummary struct {
	ResumedCheckpoints int64 `json:"resumed_checkpoints"`
	RecoveredStuck     int64 `json:"recovered_stuck"`
	ClearedInUse       int64 `json:"cleared_in_use"`
}

// ComprehensiveReset is the manual recovery operation: it resumes every
// checkpointed job, requeues stuck jobs, and clears leaked in-use flags
// after verifying each against the live document collaborator.
func (s *Scheduler) ComprehensiveReset(ctx context.Context, verify store.UsageVerifier) (*ResetSummary, error) {
	resumed, err := s.store.ResumeCheckpointed(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	recovered, err := s.store.RecoverStuck(ctx)
	if err != nil {
		return nil, err
	}
	cleared, err := s.store.ResetInUse(ctx, verify)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Comprehensive reset completed",
		slog.Int64("resumed_checkpoints", resumed),
		slog.Int64("recovered_stuck", recovered),
		slog.Int64("cleared_in_use", cleared),
	)
	s.Wake()

	return &ResetSummary{
		ResumedCheckpoints: resumed,
		RecoveredStuck:     recovered,
		ClearedInUse:       cleared,
	}, nil
}
