// Package stats derives queue status and statistics from the job record
// store. Every report is computed from a single consistent read and mutates
// nothing, so reporting stays idempotent under concurrent scheduling.
package stats

import (
	"context"
	"time"

	"github.com/fieldvault/compactor/internal/job"
	"github.com/fieldvault/compactor/internal/store"
)

// Reporter computes queue statistics.
type Reporter struct {
	store *store.Store
}

// NewReporter creates a Reporter over the job record store.
func NewReporter(s *store.Store) *Reporter {
	return &Reporter{store: s}
}

// QueueStatus is the queue depth broken down by status.
type QueueStatus struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Stuck      int64 `json:"stuck"`
	Total      int64 `json:"total"`
}

// QueueStatus returns per-status job counts from a single read.
func (r *Reporter) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	qs := &QueueStatus{
		Queued:     counts[job.StatusQueued],
		Processing: counts[job.StatusProcessing],
		Completed:  counts[job.StatusCompleted],
		Failed:     counts[job.StatusFailed],
		Cancelled:  counts[job.StatusCancelled],
		Stuck:      counts[job.StatusStuck],
	}
	for _, n := range counts {
		qs.Total += n
	}
	return qs, nil
}

// MethodStats aggregates outcomes for one compression method.
type MethodStats struct {
	Method    string `json:"method"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Cancelled int64  `json:"cancelled"`
}

// Stats is the full statistics report.
type Stats struct {
	Status               QueueStatus   `json:"status"`
	ByMethod             []MethodStats `json:"by_method"`
	AvgQueuedWaitSecs    float64       `json:"avg_queued_wait_seconds"`
	AvgProcessingSecs    float64       `json:"avg_processing_seconds"`
	OldestQueuedWaitSecs float64       `json:"oldest_queued_wait_seconds"`
	TotalAttempts        int64         `json:"total_attempts"`
}

// Stats computes the statistics report from one snapshot. The queued wait is
// measured for jobs currently waiting; the processing duration is measured
// for completed jobs from claim to completion.
func (r *Reporter) Stats(ctx context.Context) (*Stats, error) {
	jobs, err := r.store.SnapshotJobs(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	st := &Stats{}
	byMethod := map[string]*MethodStats{}
	methodOrder := []string{}

	var queuedWait, processingDur time.Duration
	var queuedN, completedN int64
	var oldestWait time.Duration

	for i := range jobs {
		j := &jobs[i]

		m, ok := byMethod[j.Method]
		if !ok {
			m = &MethodStats{Method: j.Method}
			byMethod[j.Method] = m
			methodOrder = append(methodOrder, j.Method)
		}
		m.Total++
		st.TotalAttempts += int64(j.Attempts)

		switch j.Status {
		case job.StatusQueued:
			st.Status.Queued++
			wait := now.Sub(j.CreatedAt)
			queuedWait += wait
			queuedN++
			if wait > oldestWait {
				oldestWait = wait
			}
		case job.StatusProcessing:
			st.Status.Processing++
		case job.StatusCompleted:
			st.Status.Completed++
			m.Completed++
			if j.ProcessingStartedAt != nil {
				processingDur += j.UpdatedAt.Sub(*j.ProcessingStartedAt)
				completedN++
			}
		case job.StatusFailed:
			st.Status.Failed++
			m.Failed++
		case job.StatusCancelled:
			st.Status.Cancelled++
			m.Cancelled++
		case job.StatusStuck:
			st.Status.Stuck++
		}
	}
	st.Status.Total = int64(len(jobs))

	if queuedN > 0 {
		st.AvgQueuedWaitSecs = queuedWait.Seconds() / float64(queuedN)
	}
	if completedN > 0 {
		st.AvgProcessingSecs = processingDur.Seconds() / float64(completedN)
	}
	st.OldestQueuedWaitSecs = oldestWait.Seconds()

	st.ByMethod = make([]MethodStats, 0, len(methodOrder))
	for _, method := range methodOrder {
		st.ByMethod = append(st.ByMethod, *byMethod[method])
	}
	return st, nil
}

// QueuedJob is a queue-ordered diagnostic view of one waiting job.
type QueuedJob struct {
	JobID             string  `json:"job_id"`
	DocumentID        string  `json:"document_id"`
	Method            string  `json:"method"`
	Priority          string  `json:"priority"`
	EffectivePriority string  `json:"effective_priority"`
	Attempts          int     `json:"attempts"`
	WaitSecs          float64 `json:"wait_seconds"`
	BackedOff         bool    `json:"backed_off"`
}

// DebugSnapshot is the diagnostic dump: the waiting queue in effective
// selection order plus in-flight jobs.
type DebugSnapshot struct {
	Queue      []QueuedJob `json:"queue"`
	Processing []job.Job   `json:"processing"`
	Stuck      []job.Job   `json:"stuck"`
}

// Debug builds the diagnostic snapshot. agingThreshold mirrors the
// scheduler's effective-priority computation so the listed order matches
// what selection would do.
func (r *Reporter) Debug(ctx context.Context, agingThreshold time.Duration) (*DebugSnapshot, error) {
	jobs, err := r.store.SnapshotJobs(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snap := &DebugSnapshot{
		Queue:      []QueuedJob{},
		Processing: []job.Job{},
		Stuck:      []job.Job{},
	}

	for i := range jobs {
		j := jobs[i]
		switch j.Status {
		case job.StatusQueued:
			snap.Queue = append(snap.Queue, QueuedJob{
				JobID:             j.ID,
				DocumentID:        j.DocumentID,
				Method:            j.Method,
				Priority:          j.Priority.String(),
				EffectivePriority: job.EffectivePriority(&j, now, agingThreshold).String(),
				Attempts:          j.Attempts,
				WaitSecs:          now.Sub(j.CreatedAt).Seconds(),
				BackedOff:         j.NextEligibleAt != nil && j.NextEligibleAt.After(now),
			})
		case job.StatusProcessing:
			snap.Processing = append(snap.Processing, j)
		case job.StatusStuck:
			snap.Stuck = append(snap.Stuck, j)
		}
	}

	// Effective selection order: highest effective priority first, then
	// oldest first.
	sortQueue(snap.Queue, jobs, now, agingThreshold)
	return snap, nil
}

func sortQueue(queue []QueuedJob, jobs []job.Job, now time.Time, agingThreshold time.Duration) {
	rank := make(map[string]int, len(jobs))
	created := make(map[string]time.Time, len(jobs))
	for i := range jobs {
		if jobs[i].Status != job.StatusQueued {
			continue
		}
		rank[jobs[i].ID] = int(job.EffectivePriority(&jobs[i], now, agingThreshold))
		created[jobs[i].ID] = jobs[i].CreatedAt
	}

	// Insertion sort keeps the snapshot stable for equal keys; queue depths
	// on a single device stay small.
	for i := 1; i < len(queue); i++ {
		for k := i; k > 0; k-- {
			a, b := queue[k-1], queue[k]
			if rank[a.JobID] > rank[b.JobID] {
				break
			}
			if rank[a.JobID] == rank[b.JobID] && !created[a.JobID].After(created[b.JobID]) {
				break
			}
			queue[k-1], queue[k] = b, a
		}
	}
}
