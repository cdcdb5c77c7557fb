package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hollowbit/taskdeck/internal/executor"
	"github.com/hollowbit/taskdeck/internal/store"
)

// CreateTaskRequest is the payload of a create operation.
type CreateTaskRequest struct {
	ProjectRef   string `json:"project,omitempty"`
	Title        string `json:"title"`
	Body         string `json:"body,omitempty"`
	ExecutorKind string `json:"executorKind,omitempty"`
	TaskType     string `json:"taskType,omitempty"`
}

// CreateTask validates the request, inserts the PENDING task and kicks
// off the best-effort bridge mirror. The executor kind is resolved now so
// an unknown kind fails fast instead of poisoning the queue.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (*store.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("task title is required: %w", executor.ErrInvalidTask)
	}

	body := req.Body
	kind := req.ExecutorKind
	if req.TaskType != "" {
		tt, err := o.store.GetTaskTypeByName(ctx, req.TaskType)
		if err != nil {
			return nil, err
		}
		if kind == "" {
			kind = tt.ExecutorKind
		}
		if tt.PromptTemplate != "" {
			rendered := strings.ReplaceAll(tt.PromptTemplate, "{title}", req.Title)
			if body != "" {
				body = rendered + "\n\n" + body
			} else {
				body = rendered
			}
		}
	}
	if kind == "" {
		kind = string(executor.KindClaude)
	}
	parsed, err := executor.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	if _, err := o.registry.ForKind(parsed); err != nil {
		return nil, err
	}

	var projectID string
	if req.ProjectRef != "" {
		project, err := o.store.ResolveProject(ctx, req.ProjectRef)
		if err != nil {
			return nil, err
		}
		projectID = project.ID
	}

	task := &store.Task{
		ProjectID:    projectID,
		Title:        strings.TrimSpace(req.Title),
		Body:         body,
		ExecutorKind: string(parsed),
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	if o.bridge != nil {
		o.bridge.MirrorCreate(task)
	}
	o.nudge()
	return task, nil
}

// ProvideInput answers a NEEDS_INPUT task. The input is delivered to the
// executor first; only once the backend has it does the status move back
// to RUNNING. No new log entry is written — the task re-enters the
// running phase it already logged.
func (o *Orchestrator) ProvideInput(ctx context.Context, taskID, input string) (*store.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != store.StatusNeedsInput {
		return nil, fmt.Errorf("task %s is %s, not waiting for input: %w",
			taskID, task.Status, store.ErrInvalidTransition)
	}

	handle, err := executor.DecodeHandle(task.ExecHandle)
	if err != nil {
		return nil, fmt.Errorf("task %s has no usable executor handle: %w", taskID, executor.ErrInvalidTask)
	}
	backend, err := o.registry.ForKind(handle.Kind)
	if err != nil {
		return nil, err
	}
	if err := backend.Resume(ctx, handle, input); err != nil {
		return nil, err
	}

	empty := ""
	updated, err := o.store.TransitionTask(ctx, taskID,
		[]store.Status{store.StatusNeedsInput}, store.StatusRunning,
		"", "", &store.TaskUpdate{InputPrompt: &empty, ClearDeadline: true})
	if err != nil {
		return nil, err
	}
	if o.bridge != nil {
		o.bridge.MirrorTransition(updated)
	}
	o.adopt(updated.ID, backend, handle)
	return updated, nil
}

// adopt resumes polling a task that no worker currently drives. Happens
// when input arrives for a task that was parked before a daemon restart:
// its container is still alive but the goroutine that launched it is gone.
func (o *Orchestrator) adopt(taskID string, backend executor.Executor, handle executor.Handle) {
	if !o.claimDriving(taskID) {
		return
	}
	// The Add must not race Run's Wait once the counter has drained.
	// draining flips under the same mutex before Run waits, so an Add
	// made here is ordered before the Wait; once draining is set no
	// new poller is adopted. A restarted daemon re-adopts via Recover.
	o.mu.Lock()
	runCtx := o.runCtx
	if runCtx == nil || o.draining {
		o.mu.Unlock()
		o.releaseDriving(taskID)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		defer o.releaseDriving(taskID)
		o.pollUntilDone(runCtx, o.logger.With(slog.String("task_id", taskID)), backend, handle, taskID)
	}()
}

// Close cancels a task. Closing an already cancelled task is a no-op
// success; closing a succeeded or failed task is an invalid transition.
func (o *Orchestrator) Close(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == store.StatusCancelled {
		return task, nil
	}
	if store.IsTerminal(task.Status) {
		return nil, fmt.Errorf("task %s already %s: %w", taskID, task.Status, store.ErrInvalidTransition)
	}

	// Stop the backend before flipping the status: Cancel is idempotent,
	// so a failure here can be retried without harm.
	if task.ExecHandle != "" {
		if handle, err := executor.DecodeHandle(task.ExecHandle); err == nil {
			if backend, err := o.registry.ForKind(handle.Kind); err == nil {
				if err := backend.Cancel(ctx, handle); err != nil {
					return nil, err
				}
			}
		}
	}

	updated, err := o.store.TransitionTask(ctx, taskID,
		[]store.Status{store.StatusPending, store.StatusRunning, store.StatusNeedsInput},
		store.StatusCancelled, "task.cancelled", `{"reason":"closed"}`, nil)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Lost a race. If the winner also cancelled, close stays idempotent.
		current, getErr := o.store.GetTask(ctx, taskID)
		if getErr == nil && current.Status == store.StatusCancelled {
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if o.bridge != nil {
		o.bridge.MirrorTransition(updated)
	}
	return updated, nil
}

// Status is the read-only view: the task row plus its full log.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*store.Task, []store.TaskLog, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	logs, err := o.store.ListTaskLogs(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, logs, nil
}
