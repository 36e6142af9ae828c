// Package scheduler runs the engine's periodic background jobs: heartbeats
// for running batches and recovery of batches abandoned by dead processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one periodic task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Results reported to a JobObserver.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultPanic   = "panic"
	ResultSkipped = "skipped"
)

// JobObserver receives the outcome and duration of every job run.
type JobObserver interface {
	JobRan(job, result string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) JobRan(string, string, time.Duration) {}

// Schedule says how often a job runs.
type Schedule struct {
	// Every is the pause between the end of one run and the start of the
	// next, so a slow run never queues up another behind it.
	Every time.Duration
	// Immediately runs the job once as soon as the scheduler starts.
	Immediately bool
	// Timeout bounds one run. Zero leaves runs bounded only by Stop.
	Timeout time.Duration
}

type entry struct {
	job   Job
	sched Schedule
}

// Scheduler runs registered jobs, each in its own goroutine, until Stop or
// until the context given to Start ends.
type Scheduler struct {
	entries  []entry
	observer JobObserver
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver reports job runs to o.
func WithObserver(o JobObserver) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New creates a scheduler with no jobs.
func New(logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{observer: nopObserver{}, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job. It must be called before Start.
func (s *Scheduler) Add(job Job, sched Schedule) error {
	if sched.Every <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", job.Name(), sched.Every)
	}
	s.entries = append(s.entries, entry{job: job, sched: sched})
	return nil
}

// Start launches every registered job. Jobs stop when ctx ends or Stop is
// called. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info().Int("jobs", len(s.entries)).Msg("scheduler started")
}

// Stop cancels running jobs and waits for them to return. It may be called
// more than once, and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	defer s.wg.Done()

	if e.sched.Immediately {
		s.run(ctx, e)
	}
	timer := time.NewTimer(e.sched.Every)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.run(ctx, e)
			timer.Reset(e.sched.Every)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, e entry) {
	if ctx.Err() != nil {
		return
	}
	if e.sched.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.sched.Timeout)
		defer cancel()
	}

	name := e.job.Name()
	start := time.Now()
	result, err := runSafely(ctx, e.job)
	elapsed := time.Since(start)
	s.observer.JobRan(name, result, elapsed)

	switch result {
	case ResultOK:
		s.logger.Debug().Str("job", name).Dur("took", elapsed).Msg("job finished")
	case ResultSkipped:
		s.logger.Debug().Str("job", name).Msg("job skipped, locked by another instance")
	case ResultPanic:
		s.logger.Error().Err(err).Str("job", name).Msg("job panicked")
	default:
		s.logger.Warn().Err(err).Str("job", name).Dur("took", elapsed).Msg("job failed")
	}
}

func runSafely(ctx context.Context, job Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = ResultPanic, fmt.Errorf("panic: %v", r)
		}
	}()

	err = job.Run(ctx)
	switch {
	case err == nil:
		return ResultOK, nil
	case errors.Is(err, ErrLockHeld):
		return ResultSkipped, err
	default:
		return ResultError, err
	}
}
