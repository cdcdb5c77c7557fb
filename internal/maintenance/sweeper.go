// Package maintenance runs periodic housekeeping against the store: it
// fails NEEDS_INPUT tasks whose deadline passed and prunes old archived
// rows. The sweep cadence is a standard 5-field cron expression.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/hollowbit/taskdeck/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	Schedule string // cron expression; defaults to every minute
}

// Sweeper expires overdue input requests on a cron cadence.
type Sweeper struct {
	store    *store.Store
	logger   *slog.Logger
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper parses the schedule and builds the sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "* * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		schedule: schedule,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance sweeper started",
		slog.Time("next_sweep", s.schedule.Next(time.Now())))
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance sweeper stopped")
}

// loop sleeps until the next scheduled sweep, then runs it.
func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass immediately. Exported so startup and tests can
// force a sweep without waiting for the schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.ExpireNeedsInput(ctx, time.Now())
	if err != nil {
		s.logger.Error("input-timeout sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, taskID := range expired {
		s.logger.Warn("task failed: input deadline passed", slog.String("task_id", taskID))
	}
}
