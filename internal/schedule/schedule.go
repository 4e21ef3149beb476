// Package schedule runs the reconciliation jobs: fixed-interval jobs
// whose interval may change between iterations, and daily jobs pinned
// to a wall-clock hour. A job never overlaps itself; a run that
// outlasts its interval simply delays the next one.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a recurring unit of work. Every is read before each wait so
// interval changes apply without restart.
type Job struct {
	Name  string
	Every func() time.Duration
	Run   func(ctx context.Context) error
}

// DailyJob runs once a day at the given hour (UTC).
type DailyJob struct {
	Name string
	Hour int
	Run  func(ctx context.Context) error
}

// Scheduler owns the job goroutines.
type Scheduler struct {
	log *slog.Logger

	mu           sync.Mutex
	intervalJobs []Job
	dailyJobs    []DailyJob
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      bool
}

// New builds an idle scheduler.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

// Add registers an interval job. Must be called before Start.
func (s *Scheduler) Add(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervalJobs = append(s.intervalJobs, j)
}

// AddDaily registers a daily job. Must be called before Start.
func (s *Scheduler) AddDaily(j DailyJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyJobs = append(s.dailyJobs, j)
}

// Start launches every registered job. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.intervalJobs {
		s.wg.Add(1)
		go s.runInterval(ctx, j)
	}
	for _, j := range s.dailyJobs {
		s.wg.Add(1)
		go s.runDaily(ctx, j)
	}
}

// Stop cancels every job and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runInterval(ctx context.Context, j Job) {
	defer s.wg.Done()
	timer := time.NewTimer(j.Every())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.invoke(ctx, j.Name, j.Run)
		timer.Reset(j.Every())
	}
}

func (s *Scheduler) runDaily(ctx context.Context, j DailyJob) {
	defer s.wg.Done()
	for {
		wait := untilHour(time.Now().UTC(), j.Hour)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.invoke(ctx, j.Name, j.Run)
	}
}

func (s *Scheduler) invoke(ctx context.Context, name string, run func(context.Context) error) {
	start := time.Now()
	if err := run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("job failed", "job", name, "error", err)
		return
	}
	s.log.Debug("job finished", "job", name, "took", time.Since(start))
}

// untilHour returns the wait until the next occurrence of the hour.
func untilHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
