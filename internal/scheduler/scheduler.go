package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
)

// TimeOfDay is a wall-clock time at minute precision
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" in 24-hour format
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, expected HH:MM: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Job is the work fired by the scheduler
type Job func(ctx context.Context)

// Scheduler fires a job once a day at a fixed local time.
//
// Runs missed while the process was down, or while the clock jumped
// forward, are not caught up: only the next occurrence after now fires.
type Scheduler struct {
	at       TimeOfDay
	location *time.Location
	clock    clock.Clock
	job      Job
	logger   *slog.Logger
}

// New creates a scheduler firing job daily at `at` in loc
func New(at TimeOfDay, loc *time.Location, clk clock.Clock, job Job, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		at:       at,
		location: loc,
		clock:    clk,
		job:      job,
		logger:   logger,
	}
}

// Next returns the first fire time strictly after now
func (s *Scheduler) Next(now time.Time) time.Time {
	local := now.In(s.location)
	y, m, d := local.Date()

	next := time.Date(y, m, d, s.at.Hour, s.at.Minute, 0, 0, s.location)
	if !next.After(local) {
		next = time.Date(y, m, d+1, s.at.Hour, s.at.Minute, 0, 0, s.location)
	}
	return next
}

// Run blocks until ctx is cancelled, firing the job on its own goroutine at
// every occurrence. It waits for an in-flight job before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info("Scheduler started",
		"time_of_day", s.at.String(),
		"location", s.location.String(),
	)

	// a clock stepped back after a fire must not reschedule the same slot
	var lastFired time.Time
	for {
		now := s.clock.Now()
		from := now
		if from.Before(lastFired) {
			from = lastFired
		}
		next := s.Next(from)
		s.logger.Info("Next backup scheduled", "at", next, "in", next.Sub(now))

		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Scheduler shutting down")
			return nil
		case fired := <-timer.Chan():
			s.logger.Debug("Scheduled trigger fired", "at", fired)
			lastFired = next
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.job(ctx)
			}()
		}
	}
}
