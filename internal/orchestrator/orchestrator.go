// Package orchestrator is the task state machine. It owns every status
// transition: operations arrive from the router and gateway, a worker pool
// drives claimed tasks against their executor backend, and committed
// transitions are mirrored to the bridge after the fact.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hollowbit/taskdeck/internal/bridge"
	"github.com/hollowbit/taskdeck/internal/bus"
	"github.com/hollowbit/taskdeck/internal/executor"
	"github.com/hollowbit/taskdeck/internal/store"
)

// Config tunes the worker pool and input handling.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// InputTimeout bounds how long a task may sit in NEEDS_INPUT before
	// the sweeper fails it. Zero means wait forever.
	InputTimeout time.Duration `yaml:"input_timeout"`
	WorkdirRoot  string        `yaml:"workdir_root"`
	// StartRetries bounds retry attempts when an executor backend is
	// transiently unavailable at claim time.
	StartRetries int           `yaml:"start_retries"`
	StartBackoff time.Duration `yaml:"start_backoff"`
	// Metrics receives poll timings and start-retry counts. Nil disables
	// recording.
	Metrics RunMetrics `yaml:"-"`
}

// RunMetrics receives executor-facing measurements from the worker pool.
type RunMetrics interface {
	RecordPoll(ctx context.Context, kind string, d time.Duration)
	CountStartRetry(ctx context.Context, kind string)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.WorkdirRoot == "" {
		c.WorkdirRoot = "tasks"
	}
	if c.StartRetries <= 0 {
		c.StartRetries = 3
	}
	if c.StartBackoff <= 0 {
		c.StartBackoff = time.Second
	}
	return c
}

// Orchestrator coordinates tasks between the store, the executor
// registry and the bridge.
type Orchestrator struct {
	store    *store.Store
	registry *executor.Registry
	bridge   *bridge.Synchronizer
	eventBus *bus.Bus
	logger   *slog.Logger
	cfg      Config

	wake chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	runCtx   context.Context
	draining bool
	driving  map[string]struct{}
}

func New(st *store.Store, registry *executor.Registry, sync *bridge.Synchronizer, eventBus *bus.Bus, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		bridge:   sync,
		eventBus: eventBus,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		wake:     make(chan struct{}, 1),
		driving:  make(map[string]struct{}),
	}
}

// claimDriving marks a task as owned by a polling goroutine. Returns
// false when another goroutine already drives it.
func (o *Orchestrator) claimDriving(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.driving[taskID]; ok {
		return false
	}
	o.driving[taskID] = struct{}{}
	return true
}

func (o *Orchestrator) releaseDriving(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.driving, taskID)
}

// Recover requeues tasks that were RUNNING when the previous process
// died. Their executor handles are gone; a worker will claim them fresh.
// Must run before the worker pool starts.
func (o *Orchestrator) Recover(ctx context.Context) error {
	n, err := o.store.RecoverRunning(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Info("requeued interrupted tasks", slog.Int64("count", n))
	}
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func(id int) {
			defer o.wg.Done()
			o.workerLoop(ctx, id)
		}(i)
	}
	<-ctx.Done()
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
	o.wg.Wait()
	if o.bridge != nil {
		o.bridge.Wait()
	}
}

// nudge wakes an idle worker without blocking the caller.
func (o *Orchestrator) nudge() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
