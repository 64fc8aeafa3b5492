// Package sweep runs the periodic eviction pass that keeps the position store
// bounded while no new reports arrive.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/paulloo/countdown3d/internal/logging"
)

// DefaultInterval is how often expired positions are swept.
const DefaultInterval = 60 * time.Second

const jobName = "evict-expired"

// Sweeper evicts everything expired as of now and returns how many entries
// were removed.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Scheduler calls Sweep on a fixed interval.
type Scheduler struct {
	target Sweeper
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	scheduler gocron.Scheduler
	job       gocron.Job
	interval  time.Duration
}

// New registers the sweep job. A non-positive interval uses DefaultInterval.
// Nothing runs until Run is called.
func New(target Sweeper, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweep: create scheduler: %w", err)
	}
	s := &Scheduler{
		target:    target,
		logger:    logging.Default(logger).With("component", "sweep"),
		now:       time.Now,
		scheduler: gs,
		interval:  interval,
	}
	j, err := gs.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.run),
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		gs.Shutdown() //nolint:errcheck
		return nil, fmt.Errorf("sweep: create job: %w", err)
	}
	s.job = j
	return s, nil
}

func (s *Scheduler) run() {
	if n := s.target.Sweep(s.now()); n > 0 {
		s.logger.Debug("evicted expired positions", "count", n)
	}
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for a
// sweep in progress to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.scheduler.Start()
	s.logger.Info("sweep scheduled", "interval", s.Interval())
	<-ctx.Done()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("sweep: shutdown: %w", err)
	}
	return nil
}

// SetInterval reschedules the job. It is a no-op when d equals the current
// interval.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		d = DefaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.interval {
		return nil
	}
	j, err := s.scheduler.Update(s.job.ID(),
		gocron.DurationJob(d),
		gocron.NewTask(s.run),
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("sweep: update interval: %w", err)
	}
	s.logger.Info("sweep interval changed", "from", s.interval, "to", d)
	s.job = j
	s.interval = d
	return nil
}

// Interval returns the current sweep interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// LastRun returns when the sweep last ran; the zero time if it has not.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	j := s.job
	s.mu.Unlock()
	t, err := j.LastRun()
	if err != nil {
		return time.Time{}
	}
	return t
}
