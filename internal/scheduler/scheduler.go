package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"pricealert/internal/logger"
)

type job struct {
	name  string
	every time.Duration
	run   func(ctx context.Context)
}

// Scheduler runs registered jobs at fixed intervals. A job never overlaps
// with itself: a tick that arrives while the previous run is still going is
// skipped.
type Scheduler struct {
	cron *gocron.Scheduler
	jobs []job
	log  *zap.Logger
}

// New creates a scheduler working in UTC.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{cron: gocron.NewScheduler(time.UTC), log: logger.OrNop(log)}
}

// Add registers run to be called every interval once Start is called.
func (s *Scheduler) Add(name string, every time.Duration, run func(ctx context.Context)) {
	s.jobs = append(s.jobs, job{name: name, every: every, run: run})
}

// Start schedules all jobs, the first run happening immediately. Jobs
// receive ctx and stop being invoked once it is done.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, j := range s.jobs {
		if j.every <= 0 {
			return fmt.Errorf("job %s: interval must be positive", j.name)
		}
		_, err := s.cron.Every(j.every).SingletonMode().Do(func() {
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			j.run(ctx)
			s.log.Debug("Scheduled job finished", zap.String("job", j.name), zap.Duration("took", time.Since(start)))
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
		s.log.Info("Job scheduled", zap.String("job", j.name), zap.Duration("every", j.every))
	}
	s.cron.StartAsync()
	return nil
}

// Stop stops the scheduler. Running jobs are not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("Scheduler stopped")
}
