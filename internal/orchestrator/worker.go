package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hollowbit/taskdeck/internal/executor"
	"github.com/hollowbit/taskdeck/internal/store"
)

// workerLoop claims PENDING tasks and drives each one to a terminal
// status. A worker owns at most one task at a time; blocking executor
// calls only ever happen here.
func (o *Orchestrator) workerLoop(ctx context.Context, id int) {
	logger := o.logger.With(slog.Int("worker", id))
	for {
		task, err := o.store.ClaimNextPending(ctx)
		if err != nil {
			logger.Error("claim failed", slog.String("error", err.Error()))
		}
		if task != nil {
			o.drive(ctx, logger, task)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// drive runs one claimed task from RUNNING to a terminal status.
func (o *Orchestrator) drive(ctx context.Context, logger *slog.Logger, task *store.Task) {
	logger = logger.With(slog.String("task_id", task.ID))
	if !o.claimDriving(task.ID) {
		return
	}
	defer o.releaseDriving(task.ID)

	backend, err := o.registry.ForKind(executor.Kind(task.ExecutorKind))
	if err != nil {
		o.failTask(ctx, logger, task.ID, fmt.Sprintf("no backend for kind %q", task.ExecutorKind))
		return
	}

	workdir := filepath.Join(o.cfg.WorkdirRoot, task.ID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		o.failTask(ctx, logger, task.ID, fmt.Sprintf("prepare workdir: %v", err))
		return
	}

	handle, err := o.startWithRetry(ctx, backend, executor.Task{
		ID:           task.ID,
		Title:        task.Title,
		Body:         task.Body,
		Instructions: o.composeInstructions(ctx, logger, task),
	}, workdir)
	if err != nil {
		o.failTask(ctx, logger, task.ID, fmt.Sprintf("executor start: %v", err))
		return
	}
	if err := o.store.SetExecHandle(ctx, task.ID, handle.Encode()); err != nil {
		// The task was cancelled between claim and start.
		logger.Warn("handle not persisted, stopping run", slog.String("error", err.Error()))
		_ = backend.Cancel(ctx, handle)
		return
	}
	logger.Info("task started", slog.String("kind", task.ExecutorKind))

	o.pollUntilDone(ctx, logger, backend, handle, task.ID)
}

// composeInstructions folds the owning project's standing instructions
// and the stored memories into the context block an executor run
// receives. Lookups are best effort: a failed read costs the run its
// context, never the run itself.
func (o *Orchestrator) composeInstructions(ctx context.Context, logger *slog.Logger, task *store.Task) string {
	var parts []string
	if task.ProjectID != "" {
		project, err := o.store.GetProject(ctx, task.ProjectID)
		switch {
		case err != nil:
			logger.Warn("project instructions unavailable", slog.String("error", err.Error()))
		case project.Instructions != "":
			parts = append(parts, project.Instructions)
		}
		parts = appendMemories(parts, o.listMemories(ctx, logger, store.ScopeProject, task.ProjectID))
	}
	parts = appendMemories(parts, o.listMemories(ctx, logger, store.ScopeTask, task.ID))
	return strings.Join(parts, "\n\n")
}

func (o *Orchestrator) listMemories(ctx context.Context, logger *slog.Logger, scopeKind, scopeID string) []store.Memory {
	memories, err := o.store.ListMemories(ctx, scopeKind, scopeID)
	if err != nil {
		logger.Warn("memories unavailable",
			slog.String("scope", scopeKind),
			slog.String("error", err.Error()))
		return nil
	}
	return memories
}

func appendMemories(parts []string, memories []store.Memory) []string {
	for _, m := range memories {
		parts = append(parts, m.Key+": "+m.Value)
	}
	return parts
}

// startWithRetry retries transient backend unavailability with backoff.
func (o *Orchestrator) startWithRetry(ctx context.Context, backend executor.Executor, task executor.Task, workdir string) (executor.Handle, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.StartRetries; attempt++ {
		handle, err := backend.Start(ctx, task, workdir)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !errors.Is(err, executor.ErrUnavailable) {
			return executor.Handle{}, err
		}
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.CountStartRetry(ctx, string(backend.Kind()))
		}
		select {
		case <-ctx.Done():
			return executor.Handle{}, ctx.Err()
		case <-time.After(o.cfg.StartBackoff * time.Duration(attempt+1)):
		}
	}
	return executor.Handle{}, lastErr
}

// pollUntilDone mirrors executor state into the store until the run
// reaches a terminal status or someone else (close, sweeper) ends it.
func (o *Orchestrator) pollUntilDone(ctx context.Context, logger *slog.Logger, backend executor.Executor, handle executor.Handle, taskID string) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	// lastParked remembers the prompt already committed as NEEDS_INPUT so
	// a stale observation racing a concurrent ProvideInput cannot park the
	// task twice for the same question.
	lastParked := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pollStart := time.Now()
		observed, err := backend.Poll(ctx, handle)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.RecordPoll(ctx, string(backend.Kind()), time.Since(pollStart))
		}
		if err != nil {
			logger.Warn("poll failed", slog.String("error", err.Error()))
			continue
		}

		switch observed.State {
		case executor.StateRunning:
			lastParked = ""
			continue

		case executor.StateNeedsInput:
			if observed.Prompt == lastParked {
				// Either still parked from an earlier tick, or the agent
				// re-asked the same question after a resume. Only the
				// latter needs a new transition.
				current, getErr := o.store.GetTask(ctx, taskID)
				if getErr != nil || current.Status != store.StatusRunning {
					continue
				}
				if fresh, pollErr := backend.Poll(ctx, handle); pollErr != nil || fresh.State != executor.StateNeedsInput {
					continue
				}
			}
			if done := o.markNeedsInput(ctx, logger, backend, handle, taskID, observed.Prompt); done {
				return
			}
			lastParked = observed.Prompt

		case executor.StateSucceeded, executor.StateFailed:
			o.finishTask(ctx, logger, backend, handle, taskID)
			return
		}
	}
}

// markNeedsInput parks the task until input arrives. Returns true when
// the task turned out to be finished by someone else.
func (o *Orchestrator) markNeedsInput(ctx context.Context, logger *slog.Logger, backend executor.Executor, handle executor.Handle, taskID, prompt string) bool {
	var deadline *time.Time
	if o.cfg.InputTimeout > 0 {
		d := time.Now().Add(o.cfg.InputTimeout).UTC()
		deadline = &d
	}
	payload, _ := json.Marshal(map[string]string{"prompt": prompt})
	_, err := o.store.TransitionTask(ctx, taskID,
		[]store.Status{store.StatusRunning}, store.StatusNeedsInput,
		"task.needs_input", string(payload),
		&store.TaskUpdate{InputPrompt: &prompt, InputDeadline: deadline})
	if err == nil {
		// Input may have been delivered between our poll and the commit.
		// Re-check so a just-answered task is not left parked.
		if fresh, pollErr := backend.Poll(ctx, handle); pollErr == nil && fresh.State != executor.StateNeedsInput {
			empty := ""
			_, _ = o.store.TransitionTask(ctx, taskID,
				[]store.Status{store.StatusNeedsInput}, store.StatusRunning,
				"", "", &store.TaskUpdate{InputPrompt: &empty, ClearDeadline: true})
			return false
		}
		logger.Info("task waiting for input", slog.String("prompt", prompt))
		if o.bridge != nil {
			if task, getErr := o.store.GetTask(ctx, taskID); getErr == nil {
				o.bridge.MirrorTransition(task)
			}
		}
		return false
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		current, getErr := o.store.GetTask(ctx, taskID)
		if getErr == nil && store.IsTerminal(current.Status) {
			return true
		}
		// Already NEEDS_INPUT from a previous tick, or input just arrived.
		return false
	}
	logger.Error("needs_input transition failed", slog.String("error", err.Error()))
	return false
}

// finishTask fetches the terminal outcome and commits it, folding the
// result summary into the final log entry.
func (o *Orchestrator) finishTask(ctx context.Context, logger *slog.Logger, backend executor.Executor, handle executor.Handle, taskID string) {
	result, err := backend.Result(ctx, handle)
	if err != nil {
		logger.Error("result fetch failed", slog.String("error", err.Error()))
		result = &executor.Result{State: executor.StateFailed, Reason: "result unavailable"}
	}

	to := store.StatusSucceeded
	event := "task.succeeded"
	upd := &store.TaskUpdate{ClearDeadline: true}
	if result.State != executor.StateSucceeded {
		to = store.StatusFailed
		event = "task.failed"
		reason := result.Reason
		if reason == "" {
			reason = "executor reported failure"
		}
		upd.Reason = &reason
	}
	payload, _ := json.Marshal(map[string]string{
		"summary": result.Summary,
		"reason":  result.Reason,
	})

	updated, err := o.store.TransitionTask(ctx, taskID,
		[]store.Status{store.StatusRunning}, to, event, string(payload), upd)
	if errors.Is(err, store.ErrInvalidTransition) {
		// The agent finished while the store still says NEEDS_INPUT
		// (it answered its own question) or the task was cancelled.
		current, getErr := o.store.GetTask(ctx, taskID)
		if getErr != nil || current.Status != store.StatusNeedsInput {
			return
		}
		if _, err := o.store.TransitionTask(ctx, taskID,
			[]store.Status{store.StatusNeedsInput}, store.StatusRunning,
			"", "", &store.TaskUpdate{ClearDeadline: true}); err != nil {
			return
		}
		updated, err = o.store.TransitionTask(ctx, taskID,
			[]store.Status{store.StatusRunning}, to, event, string(payload), upd)
		if err != nil {
			logger.Error("terminal transition failed", slog.String("error", err.Error()))
			return
		}
	} else if err != nil {
		logger.Error("terminal transition failed", slog.String("error", err.Error()))
		return
	}

	logger.Info("task finished", slog.String("status", string(updated.Status)))
	if o.bridge != nil {
		o.bridge.MirrorTransition(updated)
	}
}

// failTask commits an infrastructure failure with a human-readable reason.
func (o *Orchestrator) failTask(ctx context.Context, logger *slog.Logger, taskID, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	updated, err := o.store.TransitionTask(ctx, taskID,
		[]store.Status{store.StatusRunning}, store.StatusFailed,
		"task.failed", string(payload), &store.TaskUpdate{Reason: &reason})
	if err != nil {
		logger.Error("fail transition lost", slog.String("error", err.Error()), slog.String("reason", reason))
		return
	}
	logger.Warn("task failed", slog.String("reason", reason))
	if o.bridge != nil {
		o.bridge.MirrorTransition(updated)
	}
}
