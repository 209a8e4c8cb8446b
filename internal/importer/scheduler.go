package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "rentcal/internal/log"
)

// Runner is anything that performs one import cycle.
type Runner interface {
	RunOnce(ctx context.Context) Report
}

// Scheduler triggers import cycles on a cron schedule. A tick that arrives
// while the previous cycle is still running is skipped.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler parses schedule (standard 5-field cron) in loc and registers r.
// Each cycle runs under ctx, bounded by timeout when it is positive.
func NewScheduler(ctx context.Context, schedule string, loc *time.Location, timeout time.Duration, r Runner) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	_, err := c.AddFunc(schedule, func() {
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		appLog.Debug("scheduled import starting", "schedule", schedule)
		r.RunOnce(runCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return &Scheduler{cron: c}, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further ticks and waits for a running cycle to finish or
// ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Next reports when the schedule fires next, or the zero time if stopped.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
