package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvault/compactor/internal/job"
	"github.com/fieldvault/compactor/shared/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := sqlite.NewClient(&sqlite.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	s := New(client.GetDB(), logger)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func enqueue(t *testing.T, s *Store, documentID string, p job.Priority) *job.Job {
	t.Helper()
	j, err := s.Enqueue(context.Background(), EnqueueParams{
		DocumentID: documentID,
		Method:     "lossless",
		Priority:   p,
	})
	require.NoError(t, err)
	return j
}

func claim(t *testing.T, s *Store) *job.Job {
	t.Helper()
	j, err := s.ClaimNext(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestEnqueue_OneActiveJobPerDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueue(t, s, "doc-1", job.PriorityNormal)
	assert.Equal(t, job.StatusQueued, first.Status)

	// A second job for the same document is rejected while the first is
	// non-terminal.
	_, err := s.Enqueue(ctx, EnqueueParams{DocumentID: "doc-1", Method: "lossy", Priority: job.PriorityHigh})
	assert.ErrorIs(t, err, job.ErrAlreadyQueued)

	// Still rejected while processing.
	claimed := claim(t, s)
	assert.Equal(t, first.ID, claimed.ID)
	_, err = s.Enqueue(ctx, EnqueueParams{DocumentID: "doc-1", Method: "lossy", Priority: job.PriorityHigh})
	assert.ErrorIs(t, err, job.ErrAlreadyQueued)

	// After the job reaches a terminal status a new one is accepted.
	require.NoError(t, s.Complete(ctx, first.ID))
	second, err := s.Enqueue(ctx, EnqueueParams{DocumentID: "doc-1", Method: "lossy", Priority: job.PriorityHigh})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Other documents are unaffected throughout.
	enqueue(t, s, "doc-2", job.PriorityLow)
}

func TestGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityHigh)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "doc-1", got.DocumentID)
	assert.Equal(t, job.PriorityHigh, got.Priority)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestGetByDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueue(t, s, "doc-1", job.PriorityNormal)
	require.NoError(t, s.transitionForTest(ctx, first.ID, job.StatusCompleted))

	second := enqueue(t, s, "doc-1", job.PriorityNormal)

	got, err := s.GetByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.GetByDocument(ctx, "doc-404")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

// transitionForTest drives a job to a terminal status through valid steps.
func (s *Store) transitionForTest(ctx context.Context, jobID string, to job.Status) error {
	if _, err := s.ClaimNext(ctx, 0); err != nil {
		return err
	}
	switch to {
	case job.StatusCompleted:
		return s.Complete(ctx, jobID)
	case job.StatusFailed:
		return s.FailTerminal(ctx, jobID, "boom")
	}
	return nil
}

func TestList_FilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		j := enqueue(t, s, "doc-"+string(rune('a'+i)), job.PriorityNormal)
		ids = append(ids, j.ID)
		time.Sleep(2 * time.Millisecond) // distinct created_at for stable ordering
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	// Newest first.
	assert.Equal(t, ids[4], all[0].ID)

	byDoc, err := s.List(ctx, Filter{DocumentID: "doc-a"})
	require.NoError(t, err)
	require.Len(t, byDoc, 1)
	assert.Equal(t, ids[0], byDoc[0].ID)

	// PageSize+1 fetch lets the caller detect more pages.
	page, err := s.List(ctx, Filter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)

	cursor := &Cursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID}
	rest, err := s.List(ctx, Filter{PageSize: 10, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, ids[2], rest[0].ID)
}

func TestClaimNext_PriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)

	low := enqueue(t, s, "doc-1", job.PriorityLow)
	time.Sleep(2 * time.Millisecond)
	highOld := enqueue(t, s, "doc-2", job.PriorityHigh)
	time.Sleep(2 * time.Millisecond)
	highNew := enqueue(t, s, "doc-3", job.PriorityHigh)
	time.Sleep(2 * time.Millisecond)
	critical := enqueue(t, s, "doc-4", job.PriorityCritical)

	// Highest tier first, then FIFO within a tier.
	assert.Equal(t, critical.ID, claim(t, s).ID)
	assert.Equal(t, highOld.ID, claim(t, s).ID)
	assert.Equal(t, highNew.ID, claim(t, s).ID)
	assert.Equal(t, low.ID, claim(t, s).ID)

	none, err := s.ClaimNext(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimNext_MarksProcessing(t *testing.T) {
	s := newTestStore(t)

	enqueue(t, s, "doc-1", job.PriorityNormal)
	claimed := claim(t, s)

	assert.Equal(t, job.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.ProcessingStartedAt)
	require.NotNil(t, claimed.HeartbeatAt)
	assert.Equal(t, 0, claimed.Attempts)
}

func TestClaimNext_SkipsBackedOffJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityHigh)
	other := enqueue(t, s, "doc-2", job.PriorityLow)

	claimed := claim(t, s)
	require.Equal(t, j.ID, claimed.ID)
	require.NoError(t, s.FailForRetry(ctx, j.ID, "transient", time.Hour))

	// The backed-off job waits even though its tier is higher.
	claimed = claim(t, s)
	assert.Equal(t, other.ID, claimed.ID)

	none, err := s.ClaimNext(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimNext_SkipsDocumentsInUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	high := enqueue(t, s, "doc-1", job.PriorityHigh)
	low := enqueue(t, s, "doc-2", job.PriorityLow)

	require.NoError(t, s.AcquireDocument(ctx, "doc-1"))

	// In-use documents are skipped, not dequeued.
	assert.Equal(t, low.ID, claim(t, s).ID)
	none, err := s.ClaimNext(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.ReleaseDocument(ctx, "doc-1"))
	assert.Equal(t, high.ID, claim(t, s).ID)
}

func TestClaimNext_AgingPromotesWaitingJobs(t *testing.T) {
	s := newTestStore(t)

	aged := enqueue(t, s, "doc-1", job.PriorityNormal)
	time.Sleep(20 * time.Millisecond)
	fresh := enqueue(t, s, "doc-2", job.PriorityHigh)

	// With a threshold shorter than the first job's wait, its effective
	// priority matches high and FIFO breaks the tie in its favor.
	j, err := s.ClaimNext(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, aged.ID, j.ID)

	// The stored tier is untouched.
	assert.Equal(t, job.PriorityNormal, j.Priority)

	j, err = s.ClaimNext(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, fresh.ID, j.ID)
}

func TestFailForRetry_ChargesAttemptAndBacksOff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityNormal)
	claim(t, s)

	require.NoError(t, s.FailForRetry(ctx, j.ID, "codec error", time.Minute))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "codec error", *got.LastError)
	require.NotNil(t, got.NextEligibleAt)
	assert.True(t, got.NextEligibleAt.After(time.Now().UTC().Add(30*time.Second)))
	assert.Nil(t, got.ProcessingStartedAt)
}

func TestFailTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityNormal)
	claim(t, s)

	require.NoError(t, s.FailTerminal(ctx, j.ID, "gave up"))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Terminal jobs reject further worker transitions.
	assert.ErrorIs(t, s.Complete(ctx, j.ID), job.ErrInvalidTransition)
}

func TestComplete_ClearsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityNormal)
	claim(t, s)
	require.NoError(t, s.FailForRetry(ctx, j.ID, "first try", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	claim(t, s)

	require.NoError(t, s.Complete(ctx, j.ID))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Nil(t, got.LastError)
	assert.Equal(t, 1, got.Attempts)
}

func TestRequeue_NoAttemptCharge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityNormal)
	claim(t, s)

	require.NoError(t, s.Requeue(ctx, j.ID))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.NextEligibleAt)
}

func TestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("queued cancels immediately", func(t *testing.T) {
		j := enqueue(t, s, "doc-q", job.PriorityNormal)
		got, err := s.Cancel(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, got.Status)
	})

	t.Run("processing is marked for cooperative cancel", func(t *testing.T) {
		j := enqueue(t, s, "doc-p", job.PriorityNormal)
		claim(t, s)

		got, err := s.Cancel(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusProcessing, got.Status)
		assert.True(t, got.CancelRequested)

		requested, err := s.CancelRequested(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, requested)

		require.NoError(t, s.MarkCancelled(ctx, j.ID))
		got, err = s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, got.Status)
		assert.False(t, got.CancelRequested)
	})

	t.Run("terminal job rejects cancel", func(t *testing.T) {
		j := enqueue(t, s, "doc-t", job.PriorityNormal)
		claim(t, s)
		require.NoError(t, s.Complete(ctx, j.ID))

		_, err := s.Cancel(ctx, j.ID)
		assert.ErrorIs(t, err, job.ErrInvalidTransition)
	})

	t.Run("missing job", func(t *testing.T) {
		_, err := s.Cancel(ctx, "missing")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

func TestCheckpointAndResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityNormal)
	claim(t, s)

	require.NoError(t, s.Checkpoint(ctx, j.ID))
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)
	assert.True(t, got.Checkpointed)

	// Zero cutoff resumes every checkpoint, no attempt charged.
	n, err := s.ResumeCheckpointed(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.False(t, got.Checkpointed)
	assert.Equal(t, 0, got.Attempts)
}

func TestResumeCheckpointed_CutoffSparesFreshHeartbeats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "doc-1", job.PriorityNormal)
	claim(t, s)
	n, err := s.CheckpointAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The heartbeat was just refreshed by the checkpoint, so a cutoff in
	// the past leaves the job alone.
	n, err = s.ResumeCheckpointed(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// A future cutoff treats the heartbeat as stale.
	n, err = s.ResumeCheckpointed(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStuckDetection_TwoPhase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityNormal)
	claim(t, s)

	// Fresh heartbeat: not stuck.
	n, err := s.MarkStuck(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Stale heartbeat: marked stuck, attempts unchanged.
	n, err = s.MarkStuck(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusStuck, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, 0, got.Attempts)

	// Second phase requeues it.
	n, err = s.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestMarkStuck_CheckpointedExempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityNormal)
	claim(t, s)
	require.NoError(t, s.Checkpoint(ctx, j.ID))

	// Checkpointed jobs never become stuck; they resume instead.
	n, err := s.MarkStuck(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDocumentUsage_RefCounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inUse, err := s.DocumentInUse(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, inUse)

	require.NoError(t, s.AcquireDocument(ctx, "doc-1"))
	require.NoError(t, s.AcquireDocument(ctx, "doc-1"))

	inUse, err = s.DocumentInUse(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, inUse)

	// Still in use after one release of two.
	require.NoError(t, s.ReleaseDocument(ctx, "doc-1"))
	inUse, err = s.DocumentInUse(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, inUse)

	require.NoError(t, s.ReleaseDocument(ctx, "doc-1"))
	inUse, err = s.DocumentInUse(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, inUse)

	// Releasing below zero is an error.
	assert.ErrorIs(t, s.ReleaseDocument(ctx, "doc-1"), job.ErrNotFound)
}

type verifierFunc func(ctx context.Context, documentID string) (bool, error)

func (f verifierFunc) DocumentOpen(ctx context.Context, documentID string) (bool, error) {
	return f(ctx, documentID)
}

func TestResetInUse_VerifiesBeforeClearing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireDocument(ctx, "doc-open"))
	require.NoError(t, s.AcquireDocument(ctx, "doc-leaked"))

	cleared, err := s.ResetInUse(ctx, verifierFunc(func(_ context.Context, id string) (bool, error) {
		return id == "doc-open", nil
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	open, err := s.DocumentInUse(ctx, "doc-open")
	require.NoError(t, err)
	assert.True(t, open)

	leaked, err := s.DocumentInUse(ctx, "doc-leaked")
	require.NoError(t, err)
	assert.False(t, leaked)
}

func TestResetInUse_NilVerifierClearsAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireDocument(ctx, "doc-1"))
	require.NoError(t, s.AcquireDocument(ctx, "doc-2"))

	cleared, err := s.ResetInUse(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleared)
}

func TestUpdatePriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityLow)
	require.NoError(t, s.UpdatePriority(ctx, j.ID, job.PriorityCritical))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.PriorityCritical, got.Priority)

	// Processing jobs keep their claimed priority.
	claim(t, s)
	err = s.UpdatePriority(ctx, j.ID, job.PriorityLow)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)

	assert.ErrorIs(t, s.UpdatePriority(ctx, "missing", job.PriorityLow), job.ErrNotFound)
}

func TestBulkUpdatePriority_PerItemOutcomes(t *testing.T) {
	s := newTestStore(t)

	a := enqueue(t, s, "doc-a", job.PriorityLow)
	b := enqueue(t, s, "doc-b", job.PriorityLow)

	results := s.BulkUpdatePriority(context.Background(),
		[]string{a.ID, "missing", b.ID}, job.PriorityHigh)

	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.NotEmpty(t, results[1].Error)
	assert.Empty(t, results[2].Error)
}

func TestRetryFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueue(t, s, "doc-1", job.PriorityNormal)
	claim(t, s)
	require.NoError(t, s.FailTerminal(ctx, j.ID, "boom"))

	t.Run("preserving attempts", func(t *testing.T) {
		got, err := s.RetryFailed(ctx, j.ID, false)
		require.NoError(t, err)
		assert.Equal(t, job.StatusQueued, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Nil(t, got.LastError)
	})

	t.Run("only failed jobs retry", func(t *testing.T) {
		_, err := s.RetryFailed(ctx, j.ID, false)
		assert.ErrorIs(t, err, job.ErrNotRetryable)
	})

	t.Run("resetting attempts", func(t *testing.T) {
		claim(t, s)
		require.NoError(t, s.FailTerminal(ctx, j.ID, "boom again"))

		got, err := s.RetryFailed(ctx, j.ID, true)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Attempts)
	})
}

func TestRetryAllFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := enqueue(t, s, "doc-a", job.PriorityNormal)
	claim(t, s)
	require.NoError(t, s.FailTerminal(ctx, a.ID, "boom"))

	b := enqueue(t, s, "doc-b", job.PriorityNormal)
	claim(t, s)
	require.NoError(t, s.FailTerminal(ctx, b.ID, "boom"))

	enqueue(t, s, "doc-c", job.PriorityNormal) // queued, untouched

	results, err := s.RetryAllFailed(ctx, true)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Empty(t, r.Error)
	}

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[job.StatusQueued])
	assert.Equal(t, int64(0), counts[job.StatusFailed])
}

func TestPurgeTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := enqueue(t, s, "doc-a", job.PriorityNormal)
	claim(t, s)
	require.NoError(t, s.Complete(ctx, done.ID))

	queued := enqueue(t, s, "doc-b", job.PriorityNormal)

	purged, err := s.PurgeTerminal(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = s.Get(ctx, done.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)

	// Non-terminal jobs survive the purge.
	_, err = s.Get(ctx, queued.ID)
	require.NoError(t, err)
}

func TestCountByStatusAndSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := enqueue(t, s, "doc-a", job.PriorityNormal)
	claim(t, s)
	require.NoError(t, s.Complete(ctx, a.ID))
	enqueue(t, s, "doc-b", job.PriorityNormal)
	enqueue(t, s, "doc-c", job.PriorityNormal)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[job.StatusQueued])
	assert.Equal(t, int64(1), counts[job.StatusCompleted])

	// Snapshot reads mutate nothing: two reads agree.
	snap1, err := s.SnapshotJobs(ctx)
	require.NoError(t, err)
	snap2, err := s.SnapshotJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap1, snap2)
	assert.Len(t, snap1, 3)
}
