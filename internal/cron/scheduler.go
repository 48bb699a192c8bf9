// Package cron runs the background sweeps on cron schedules or fixed
// intervals. Jobs are registered in-process; the scheduler ticks once a
// minute and fires whatever is due.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// JobFunc is one sweep body. Errors are logged, not fatal; the job stays
// scheduled.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	expr     string        // cron expression; empty for interval jobs
	every    time.Duration // fixed interval; zero for cron jobs
	fn       JobFunc
	nextRun  time.Time
	lastRun  time.Time
	failures int
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler fires registered jobs when they come due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
	}
}

// AddCronJob registers a job on a 5-field cron expression.
func (s *Scheduler) AddCronJob(name, expr string, fn JobFunc) error {
	next, err := NextRunTime(expr, time.Now())
	if err != nil {
		return fmt.Errorf("job %s: parse cron %q: %w", name, expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, expr: expr, fn: fn, nextRun: next})
	return nil
}

// AddIntervalJob registers a job that fires every interval, starting one
// interval after registration.
func (s *Scheduler) AddIntervalJob(name string, every time.Duration, fn JobFunc) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, every: every, fn: fn, nextRun: time.Now().Add(every)})
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job once. Exposed so tests and the daemon's startup
// path can drive the scheduler synchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.nextRun) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(ctx, j, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job, now time.Time) {
	start := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.lastRun = now
	if j.expr != "" {
		next, parseErr := NextRunTime(j.expr, now)
		if parseErr != nil {
			// The expression was validated at registration; re-arm on the
			// tick interval rather than stalling the job.
			next = now.Add(s.interval)
		}
		j.nextRun = next
	} else {
		j.nextRun = now.Add(j.every)
	}
	if err != nil {
		j.failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", j.name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("job finished", "job", j.name, "duration", time.Since(start))
}

// JobStatus is the operator-facing view of one registered job.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run,omitempty"`
	Failures int       `json:"failures"`
}

// Jobs reports the registered jobs and their run state.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		schedule := j.expr
		if schedule == "" {
			schedule = "every " + j.every.String()
		}
		statuses = append(statuses, JobStatus{
			Name:     j.name,
			Schedule: schedule,
			NextRun:  j.nextRun,
			LastRun:  j.lastRun,
			Failures: j.failures,
		})
	}
	return statuses
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
