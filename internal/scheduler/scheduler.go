// Package scheduler runs the compression work loop: it selects the highest
// priority eligible job from the job record store, executes the compression
// capability under the currently permitted concurrency, applies retry and
// backoff policy, and reacts to lifecycle and memory-pressure signals.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldvault/compactor/internal/config"
	"github.com/fieldvault/compactor/internal/job"
	"github.com/fieldvault/compactor/internal/store"
)

// Compressor is the opaque compression capability. The scheduler never
// interprets methods; it hands bytes and a method identifier to the codec.
type Compressor interface {
	Compress(ctx context.Context, data []byte, method string) ([]byte, error)
}

// DocumentStorage is the external document storage collaborator. The
// scheduler only reads a document's bytes and writes back the compressed
// payload; path resolution and tier format belong to the collaborator.
type DocumentStorage interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Replace(ctx context.Context, documentID string, compressed []byte) error
}

// OutcomePublisher receives terminal job outcomes. Publication is
// best-effort; implementations must not block the scheduler.
type OutcomePublisher interface {
	JobFinished(ctx context.Context, j *job.Job)
}

// Config holds scheduler construction dependencies.
type Config struct {
	Logger     *slog.Logger
	Store      *store.Store
	Compressor Compressor
	Documents  DocumentStorage
	Events     OutcomePublisher // optional
	Scheduler  config.SchedulerConfig
}

// Scheduler owns the worker slots and the process-wide scheduling state.
// It reads and mutates job state only through the store contract and holds
// no authoritative copy across suspension points.
type Scheduler struct {
	logger     *slog.Logger
	store      *store.Store
	compressor Compressor
	documents  DocumentStorage
	events     OutcomePublisher

	cfg   atomic.Pointer[config.SchedulerConfig]
	life  lifecycleState
	slots int

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	active activeJobs
}

// New creates a Scheduler. The configuration must already be validated.
func New(cfg *Config) *Scheduler {
	s := &Scheduler{
		logger:     cfg.Logger,
		store:      cfg.Store,
		compressor: cfg.Compressor,
		documents:  cfg.Documents,
		events:     cfg.Events,
		slots:      cfg.Scheduler.MaxConcurrency,
		wake:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		active:     activeJobs{jobs: make(map[string]*activeJob)},
	}
	sc := cfg.Scheduler
	s.cfg.Store(&sc)
	s.life.pressure = PressureNormal
	return s
}

// Start spawns the worker slots and the stuck-job detector. The detector
// runs an immediate startup pass before its periodic schedule.
func (s *Scheduler) Start(ctx context.Context) {
	cfg := s.cfg.Load()
	s.logger.Info("Starting compression scheduler",
		slog.Int("worker_slots", s.slots),
		slog.Int("max_attempts", cfg.MaxAttempts),
		slog.Duration("stuck_job_timeout", cfg.StuckJobTimeout),
	)

	for i := 0; i < s.slots; i++ {
		s.wg.Add(1)
		go s.slotLoop(ctx, i)
	}

	s.wg.Add(1)
	go s.runDetector(ctx)
}

// Stop shuts the scheduler down and waits for in-flight work to finish its
// next cooperative checkpoint.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping compression scheduler")
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("Compression scheduler stopped")
}

// Wake nudges one idle worker slot to run a selection pass. Safe to call
// from any goroutine; a pending wake is never queued twice.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ProcessQueueNow forces an immediate selection pass, used when the normal
// wake signal may have been missed (e.g. app resume).
func (s *Scheduler) ProcessQueueNow() {
	s.Wake()
}

// CurrentConfig returns the active scheduler configuration.
func (s *Scheduler) CurrentConfig() config.SchedulerConfig {
	return *s.cfg.Load()
}

// ReplaceConfig validates and atomically swaps the scheduler configuration.
// Workers observe the new values at their next suspension point. The worker
// slot count is fixed at construction, so max_concurrency can be lowered at
// runtime but not raised above the starting value.
func (s *Scheduler) ReplaceConfig(cfg config.SchedulerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.MaxConcurrency > s.slots {
		s.logger.Warn("max_concurrency exceeds the started worker slots; capped until restart",
			slog.Int("max_concurrency", cfg.MaxConcurrency),
			slog.Int("worker_slots", s.slots),
		)
	}
	s.cfg.Store(&cfg)
	s.logger.Info("Scheduler configuration replaced",
		slog.Int("max_concurrency", cfg.MaxConcurrency),
		slog.Int("max_attempts", cfg.MaxAttempts),
	)
	s.Wake()
	return nil
}

// slotLoop is one worker slot: Idle -> Selecting -> Executing -> Idle. It
// suspends on the wake channel or the periodic tick; it never busy-polls.
func (s *Scheduler) slotLoop(ctx context.Context, slot int) {
	defer s.wg.Done()

	log := s.logger.With(slog.Int("slot", slot))
	log.Debug("Worker slot started")

	ticker := time.NewTicker(s.cfg.Load().PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			log.Debug("Worker slot stopping")
			return
		case <-ctx.Done():
			log.Debug("Worker slot stopping - context canceled")
			return
		case <-s.wake:
		case <-ticker.C:
		}

		s.drain(ctx, slot)
	}
}

// drain claims and executes jobs until the queue is empty or this slot is no
// longer within the permitted concurrency.
func (s *Scheduler) drain(ctx context.Context, slot int) {
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		if slot >= s.permittedConcurrency() {
			return
		}

		cfg := s.cfg.Load()
		j, err := s.store.ClaimNext(ctx, cfg.AgingThreshold)
		if err != nil {
			s.logger.Error("Job selection failed",
				slog.Int("slot", slot),
				slog.Any("error", err),
			)
			return
		}
		if j == nil {
			return
		}

		s.execute(ctx, j)
	}
}

// activeJob tracks one in-flight execution for cooperative yield requests.
type activeJob struct {
	priority job.Priority
	yield    atomic.Bool
}

type activeJobs struct {
	mu   sync.Mutex
	jobs map[string]*activeJob
}

func (a *activeJobs) register(jobID string, p job.Priority) *activeJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	aj := &activeJob{priority: p}
	a.jobs[jobID] = aj
	return aj
}

func (a *activeJobs) unregister(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.jobs, jobID)
}

// yieldBelow requests a cooperative yield from every active job below the
// given tier. The executing worker honors it at its next checkpoint.
func (a *activeJobs) yieldBelow(tier job.Priority) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, aj := range a.jobs {
		if aj.priority < tier {
			aj.yield.Store(true)
			n++
		}
	}
	return n
}

// yieldAll requests a cooperative yield from every active job.
func (a *activeJobs) yieldAll() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, aj := range a.jobs {
		aj.yield.Store(true)
	}
	return len(a.jobs)
}
