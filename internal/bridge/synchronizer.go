package bridge

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/hollowbit/taskdeck/internal/bus"
	"github.com/hollowbit/taskdeck/internal/store"
)

// Config enables the bridge and names the tracker CLI.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	Command string        `yaml:"command"`
	Project string        `yaml:"project"`
	Timeout time.Duration `yaml:"timeout"`
}

// Synchronizer mirrors committed task transitions into the tracker.
// Availability is decided once at construction; when the CLI is missing
// or the bridge is disabled, every mirror call is a silent no-op and
// tasks stay Unmirrored.
type Synchronizer struct {
	tracker   Tracker
	store     *store.Store
	eventBus  *bus.Bus
	logger    *slog.Logger
	project   string
	timeout   time.Duration
	available bool

	wg sync.WaitGroup
}

func NewSynchronizer(cfg Config, st *store.Store, eventBus *bus.Bus, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Synchronizer{
		store:    st,
		eventBus: eventBus,
		logger:   logger,
		project:  cfg.Project,
		timeout:  cfg.Timeout,
	}
	if !cfg.Enabled {
		return s
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		logger.Warn("bridge disabled: tracker CLI not found",
			slog.String("command", cfg.Command))
		return s
	}
	s.tracker = NewCLITracker(cfg.Command)
	s.available = true
	return s
}

// NewSynchronizerWithTracker wires an explicit tracker. Tests use it to
// bypass the LookPath probe.
func NewSynchronizerWithTracker(t Tracker, st *store.Store, eventBus *bus.Bus, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		tracker:   t,
		store:     st,
		eventBus:  eventBus,
		logger:    logger,
		timeout:   30 * time.Second,
		available: t != nil,
	}
}

// Available reports whether mirror calls will actually reach a tracker.
func (s *Synchronizer) Available() bool { return s.available }

// MirrorCreate files the external issue and records its id. Called after
// the create transaction commits; never blocks the caller.
func (s *Synchronizer) MirrorCreate(task *store.Task) {
	if !s.available {
		return
	}
	s.async(task.ID, "create", func(ctx context.Context) error {
		id, err := s.tracker.Create(ctx, task.Title, task.Body, s.project)
		if err != nil {
			return err
		}
		return s.store.SetExternalID(ctx, task.ID, id)
	})
}

// trackerStatus maps task statuses onto the tracker's vocabulary. Terminal
// statuses close the issue instead.
var trackerStatus = map[store.Status]string{
	store.StatusPending:    "open",
	store.StatusRunning:    "in_progress",
	store.StatusNeedsInput: "blocked",
}

// MirrorTransition reflects a committed status change. Unmirrored tasks
// are skipped; the external reference is weak and never backfilled here.
func (s *Synchronizer) MirrorTransition(task *store.Task) {
	if !s.available || task.ExternalID == Unmirrored {
		return
	}
	externalID := task.ExternalID
	if store.IsTerminal(task.Status) {
		s.async(task.ID, "close", func(ctx context.Context) error {
			return s.tracker.Close(ctx, externalID)
		})
		return
	}
	status, ok := trackerStatus[task.Status]
	if !ok {
		return
	}
	s.async(task.ID, "status", func(ctx context.Context) error {
		return s.tracker.Status(ctx, externalID, status)
	})
}

// async runs a mirror op on its own goroutine with a fresh context: the
// caller's request context may already be done by the time we run.
func (s *Synchronizer) async(taskID, op string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("bridge mirror failed",
				slog.String("task_id", taskID),
				slog.String("op", op),
				slog.String("error", err.Error()))
			if s.eventBus != nil {
				s.eventBus.Publish(bus.TopicBridgeMirrorFailed, bus.BridgeEvent{
					TaskID: taskID,
					Op:     op,
					Error:  err.Error(),
				})
			}
		}
	}()
}

// Wait blocks until in-flight mirror ops finish. Called at shutdown.
func (s *Synchronizer) Wait() {
	s.wg.Wait()
}
