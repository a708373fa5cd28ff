// Package scheduler runs the periodic maintenance jobs: reservation
// expiry, host reconciliation, and nickname upkeep. Each job holds a
// Redis-backed named mutex while running so multiple server instances can
// share one catalog without stepping on each other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Job is one scheduled task. Run receives a context that is cancelled on
// scheduler shutdown.
type Job struct {
	Name     string
	Schedule *cronexpr.Expression
	Run      func(ctx context.Context) error
}

// Scheduler drives registered jobs on their cron schedules.
type Scheduler struct {
	locker *Locker
	jobs   []Job
	wg     sync.WaitGroup
}

// New builds a scheduler. locker may be nil for single-instance setups
// (and tests), in which case jobs run unlocked.
func New(locker *Locker) *Scheduler {
	return &Scheduler{locker: locker}
}

// Add registers a job under a cron schedule.
func (s *Scheduler) Add(name, schedule string, run func(ctx context.Context) error) error {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return fmt.Errorf("job %s: bad schedule %q: %w", name, schedule, err)
	}
	s.jobs = append(s.jobs, Job{Name: name, Schedule: expr, Run: run})
	return nil
}

// Start launches one goroutine per job and returns. Stop by cancelling
// the context, then Wait.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
}

// Wait blocks until all job goroutines have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	for {
		next := job.Schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runOnce(ctx, job)
	}
}

// RunJob runs one registered job by name immediately, outside its
// schedule. Used by the admin command for manual kicks.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			s.runOnce(ctx, job)
			return nil
		}
	}
	return fmt.Errorf("%w: job %q", util.ErrNotFound, name)
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	log := util.WithJob(job.Name)

	if s.locker != nil {
		if err := s.locker.Acquire(ctx, job.Name); err != nil {
			if errors.Is(err, util.ErrAlreadyLocked) {
				log.Debug("skipped, another instance holds the lock")
			} else {
				log.Errorf("lock: %v", err)
			}
			return
		}
		defer func() {
			if err := s.locker.Release(ctx, job.Name); err != nil {
				log.Errorf("unlock: %v", err)
			}
		}()
	}

	started := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Errorf("failed after %s: %v", time.Since(started).Round(time.Millisecond), err)
		return
	}
	log.Debugf("completed in %s", time.Since(started).Round(time.Millisecond))
}
