package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Agent control files, relative to the task workdir. The workdir is
// bind-mounted into the container, so both sides see the same files.
const (
	controlDir = ".deck"
	taskFile   = "task.json"
	stateFile  = "state.json"
	inputFile  = "input"
)

// ContainerRuntime is the slice of the sandbox provisioner the claude
// backend needs. Tests substitute a fake.
type ContainerRuntime interface {
	Launch(ctx context.Context, taskID, workdir string, cmd, env []string) (string, error)
	Inspect(ctx context.Context, containerID string) (running bool, exitCode int, err error)
	Kill(ctx context.Context, containerID string) error
}

// controlState is what the agent writes to .deck/state.json.
type controlState struct {
	State   string `json:"state"` // working | needs_input | done | failed
	Prompt  string `json:"prompt,omitempty"`
	Summary string `json:"summary,omitempty"`
	Output  string `json:"output,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ClaudeConfig shapes the containerized agent run.
type ClaudeConfig struct {
	// Command launched inside the container.
	Command []string
	// Env is passed through to the container (API keys and the like).
	Env []string
}

// ClaudeExecutor runs tasks as long-lived containerized agent sessions.
// Progress is observed through the agent's control file, never by
// scraping output.
type ClaudeExecutor struct {
	runtime ContainerRuntime
	cfg     ClaudeConfig
	logger  *slog.Logger
}

func NewClaudeExecutor(runtime ContainerRuntime, cfg ClaudeConfig, logger *slog.Logger) *ClaudeExecutor {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"claude", "--task-file", controlDir + "/" + taskFile}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeExecutor{runtime: runtime, cfg: cfg, logger: logger}
}

func (e *ClaudeExecutor) Kind() Kind { return KindClaude }

// Start writes the task brief under .deck/ and launches the container.
func (e *ClaudeExecutor) Start(ctx context.Context, task Task, workdir string) (Handle, error) {
	if task.ID == "" || task.Title == "" {
		return Handle{}, fmt.Errorf("task must have id and title: %w", ErrInvalidTask)
	}
	dir := filepath.Join(workdir, controlDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("prepare control dir: %w", err)
	}
	brief, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return Handle{}, fmt.Errorf("encode task brief: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, taskFile), brief); err != nil {
		return Handle{}, err
	}
	// A leftover state file from a previous run would be read as current.
	if err := os.Remove(filepath.Join(dir, stateFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Handle{}, fmt.Errorf("clear stale state file: %w", err)
	}

	containerID, err := e.runtime.Launch(ctx, task.ID, workdir, e.cfg.Command, e.cfg.Env)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.logger.Info("claude run started",
		slog.String("task_id", task.ID),
		slog.String("container_id", shortID(containerID)))
	return Handle{Kind: KindClaude, Ref: containerID, Workdir: workdir}, nil
}

// Poll reads the control file and falls back to container state when the
// agent has not written one yet.
func (e *ClaudeExecutor) Poll(ctx context.Context, h Handle) (Poll, error) {
	cs, err := e.readControl(h)
	if err != nil {
		return Poll{}, err
	}
	if cs != nil {
		switch cs.State {
		case "needs_input":
			return Poll{State: StateNeedsInput, Prompt: cs.Prompt}, nil
		case "done":
			return Poll{State: StateSucceeded}, nil
		case "failed":
			return Poll{State: StateFailed}, nil
		}
		// "working" or anything unrecognized falls through to the
		// container check so a crashed agent is still detected.
	}

	running, _, err := e.runtime.Inspect(ctx, h.Ref)
	if err != nil {
		return Poll{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if running {
		return Poll{State: StateRunning}, nil
	}
	// Container gone without a terminal control state: the agent died.
	// Result reconstructs the failure from the exit code.
	return Poll{State: StateFailed}, nil
}

// Resume delivers the operator's answer and clears the needs-input marker
// so the next Poll reflects the agent working again.
func (e *ClaudeExecutor) Resume(ctx context.Context, h Handle, input string) error {
	running, _, err := e.runtime.Inspect(ctx, h.Ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !running {
		return fmt.Errorf("agent container is gone: %w", ErrInvalidTask)
	}
	dir := filepath.Join(h.Workdir, controlDir)
	if err := writeFileAtomic(filepath.Join(dir, inputFile), []byte(input)); err != nil {
		return err
	}
	working, _ := json.Marshal(controlState{State: "working"})
	return writeFileAtomic(filepath.Join(dir, stateFile), working)
}

// Cancel kills the container. Cancelling an already finished run succeeds.
func (e *ClaudeExecutor) Cancel(ctx context.Context, h Handle) error {
	if err := e.runtime.Kill(ctx, h.Ref); err != nil {
		return fmt.Errorf("cancel claude run: %w", err)
	}
	return nil
}

// Result returns the terminal outcome recorded in the control file. When
// the container died without writing one, it synthesizes a failure from
// the exit code.
func (e *ClaudeExecutor) Result(ctx context.Context, h Handle) (*Result, error) {
	cs, err := e.readControl(h)
	if err != nil {
		return nil, err
	}
	if cs != nil {
		switch cs.State {
		case "done":
			return &Result{State: StateSucceeded, Output: cs.Output, Summary: cs.Summary}, nil
		case "failed":
			return &Result{State: StateFailed, Output: cs.Output, Summary: cs.Summary, Reason: cs.Reason}, nil
		}
	}
	running, exitCode, err := e.runtime.Inspect(ctx, h.Ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if running {
		return nil, ErrNotFinished
	}
	return &Result{
		State:  StateFailed,
		Reason: fmt.Sprintf("agent exited unexpectedly (code %d)", exitCode),
	}, nil
}

func (e *ClaudeExecutor) readControl(h Handle) (*controlState, error) {
	raw, err := os.ReadFile(filepath.Join(h.Workdir, controlDir, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read control file: %w", err)
	}
	var cs controlState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("parse control file: %w", err)
	}
	return &cs, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
