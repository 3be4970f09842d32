package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fieldvault/compactor/internal/job"
)

// LifecycleEvent is an application lifecycle signal from the host platform.
type LifecycleEvent string

const (
	EventForeground        LifecycleEvent = "foreground"
	EventBackground        LifecycleEvent = "background"
	EventTerminateImminent LifecycleEvent = "terminate_imminent"
)

// ParseLifecycleEvent converts the wire form of a lifecycle event.
func ParseLifecycleEvent(s string) (LifecycleEvent, error) {
	switch LifecycleEvent(strings.ToLower(s)) {
	case EventForeground, EventBackground, EventTerminateImminent:
		return LifecycleEvent(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("invalid lifecycle event %q", s)
}

// PressureLevel is a host memory-pressure signal.
type PressureLevel string

const (
	PressureNormal   PressureLevel = "normal"
	PressureWarning  PressureLevel = "warning"
	PressureCritical PressureLevel = "critical"
)

// ParsePressureLevel converts the wire form of a pressure level.
func ParsePressureLevel(s string) (PressureLevel, error) {
	switch PressureLevel(strings.ToLower(s)) {
	case PressureNormal, PressureWarning, PressureCritical:
		return PressureLevel(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("invalid pressure level %q", s)
}

// lifecycleState tracks the host environment signals that gate scheduling.
// All fields are guarded by mu; workers read derived values through
// permittedConcurrency.
type lifecycleState struct {
	mu         sync.Mutex
	background bool
	suspended  bool
	pressure   PressureLevel
	bgTimer    *time.Timer
}

// HandleLifecycle applies an application lifecycle signal.
//
// background starts the background-window timer; when it expires, in-flight
// jobs are checkpointed and worker slots suspend. foreground cancels the
// timer, resumes checkpointed jobs without charging an attempt, and wakes
// the workers. terminate_imminent checkpoints immediately.
func (s *Scheduler) HandleLifecycle(ctx context.Context, event LifecycleEvent) error {
	s.life.mu.Lock()
	defer s.life.mu.Unlock()

	s.logger.Info("Lifecycle signal received", slog.String("event", string(event)))

	switch event {
	case EventBackground:
		s.life.background = true
		if s.life.bgTimer != nil {
			s.life.bgTimer.Stop()
		}
		window := s.cfg.Load().BackgroundWindow
		s.life.bgTimer = time.AfterFunc(window, s.backgroundWindowExpired)

	case EventForeground:
		s.life.background = false
		s.life.suspended = false
		if s.life.bgTimer != nil {
			s.life.bgTimer.Stop()
			s.life.bgTimer = nil
		}
		if _, err := s.store.ResumeCheckpointed(ctx, time.Time{}); err != nil {
			return err
		}
		s.Wake()

	case EventTerminateImminent:
		s.life.suspended = true
		n := s.active.yieldAll()
		if _, err := s.store.CheckpointAll(ctx); err != nil {
			return err
		}
		s.logger.Info("Checkpointed for imminent termination", slog.Int("yield_requests", n))

	default:
		return fmt.Errorf("invalid lifecycle event %q", event)
	}

	return nil
}

// backgroundWindowExpired fires when the OS background execution window runs
// out. In-flight jobs are checkpointed so the startup or foreground resume
// can requeue them without charging an attempt.
func (s *Scheduler) backgroundWindowExpired() {
	s.life.mu.Lock()
	defer s.life.mu.Unlock()

	if !s.life.background {
		return
	}
	s.life.suspended = true
	n := s.active.yieldAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.CheckpointAll(ctx); err != nil {
		s.logger.Error("Failed to checkpoint at background-window expiry",
			slog.Any("error", err),
		)
	}
	s.logger.Info("Background window expired, workers suspended",
		slog.Int("yield_requests", n),
	)
}

// HandlePressure applies a memory-pressure signal. critical pauses selection
// and asks every sub-critical in-flight job to yield; warning reduces the
// permitted concurrency; normal restores it.
func (s *Scheduler) HandlePressure(level PressureLevel) error {
	s.life.mu.Lock()
	defer s.life.mu.Unlock()

	switch level {
	case PressureNormal, PressureWarning, PressureCritical:
	default:
		return fmt.Errorf("invalid pressure level %q", level)
	}

	prev := s.life.pressure
	s.life.pressure = level
	s.logger.Info("Memory pressure signal received",
		slog.String("level", string(level)),
		slog.String("previous", string(prev)),
	)

	if level == PressureCritical {
		n := s.active.yieldBelow(job.PriorityCritical)
		if n > 0 {
			s.logger.Info("Requested yields under critical pressure", slog.Int("count", n))
		}
	}
	if level == PressureNormal && prev != PressureNormal {
		s.Wake()
	}
	return nil
}

// permittedConcurrency derives the number of worker slots allowed to select
// work under the current lifecycle and pressure state.
func (s *Scheduler) permittedConcurrency() int {
	cfg := s.cfg.Load()

	s.life.mu.Lock()
	defer s.life.mu.Unlock()

	if s.life.suspended || s.life.pressure == PressureCritical {
		return 0
	}

	n := cfg.MaxConcurrency
	if n > s.slots {
		// Slots are spawned once at start; a runtime config raise cannot
		// add more until the process restarts.
		n = s.slots
	}
	if s.life.background && cfg.BackgroundConcurrencyCap < n {
		n = cfg.BackgroundConcurrencyCap
	}
	if s.life.pressure == PressureWarning {
		n -= cfg.PressureWarningStep
		if n < 1 {
			n = 1
		}
	}
	return n
}

// State is a point-in-time view of the scheduler's runtime state.
type State struct {
	Background           bool          `json:"background"`
	Suspended            bool          `json:"suspended"`
	Pressure             PressureLevel `json:"memory_pressure"`
	PermittedConcurrency int           `json:"permitted_concurrency"`
	WorkerSlots          int           `json:"worker_slots"`
	ActiveJobs           int           `json:"active_jobs"`
}

// CurrentState snapshots the scheduler state for diagnostics.
func (s *Scheduler) CurrentState() State {
	permitted := s.permittedConcurrency()

	s.life.mu.Lock()
	background := s.life.background
	suspended := s.life.suspended
	pressure := s.life.pressure
	s.life.mu.Unlock()

	s.active.mu.Lock()
	activeCount := len(s.active.jobs)
	s.active.mu.Unlock()

	return State{
		Background:           background,
		Suspended:            suspended,
		Pressure:             pressure,
		PermittedConcurrency: permitted,
		WorkerSlots:          s.slots,
		ActiveJobs:           activeCount,
	}
}
