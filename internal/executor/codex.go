package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandRunner is the subprocess port of the codex backend.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, dir, stdin string) (stdout, stderr string, exitCode int, err error)
}

// HostRunner runs commands on the host.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, name string, args []string, dir, stdin string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			// Other errors (e.g. not found, killed)
			exitCode = -1
			err = runErr
		}
	} else {
		exitCode = 0
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// CodexConfig shapes the one-shot agent invocation.
type CodexConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// codexOutput is the JSON document the codex CLI prints on exit.
type codexOutput struct {
	Status  string `json:"status"` // succeeded | failed
	Output  string `json:"output,omitempty"`
	Summary string `json:"summary,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// CodexExecutor runs tasks as synchronous one-shot agent invocations.
// Start blocks until the process exits; the outcome is kept in memory and
// handed out by the first Poll/Result. Codex runs never pause for input.
type CodexExecutor struct {
	runner CommandRunner
	cfg    CodexConfig
	logger *slog.Logger

	mu      sync.Mutex
	results map[string]*Result
}

func NewCodexExecutor(runner CommandRunner, cfg CodexConfig, logger *slog.Logger) *CodexExecutor {
	if cfg.Command == "" {
		cfg.Command = "codex"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CodexExecutor{
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		results: make(map[string]*Result),
	}
}

func (e *CodexExecutor) Kind() Kind { return KindCodex }

// Start runs the command to completion with the task brief on stdin.
func (e *CodexExecutor) Start(ctx context.Context, task Task, workdir string) (Handle, error) {
	if task.ID == "" || task.Title == "" {
		return Handle{}, fmt.Errorf("task must have id and title: %w", ErrInvalidTask)
	}
	brief, err := json.Marshal(task)
	if err != nil {
		return Handle{}, fmt.Errorf("encode task brief: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	started := time.Now()
	stdout, stderr, exitCode, runErr := e.runner.Run(runCtx, e.cfg.Command, e.cfg.Args, workdir, string(brief))
	if runErr != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrUnavailable, runErr)
	}

	result := e.interpret(stdout, stderr, exitCode)
	runID := uuid.NewString()
	e.mu.Lock()
	e.results[runID] = result
	e.mu.Unlock()

	e.logger.Info("codex run finished",
		slog.String("task_id", task.ID),
		slog.String("state", string(result.State)),
		slog.Duration("took", time.Since(started)))
	return Handle{Kind: KindCodex, Ref: runID, Workdir: workdir}, nil
}

// interpret maps process output to a Result. A clean exit with parseable
// JSON is authoritative; anything else is a failure with the best reason
// available.
func (e *CodexExecutor) interpret(stdout, stderr string, exitCode int) *Result {
	var out codexOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &out); err == nil && out.Status != "" {
		state := StateFailed
		if out.Status == "succeeded" && exitCode == 0 {
			state = StateSucceeded
		}
		return &Result{State: state, Output: out.Output, Summary: out.Summary, Reason: out.Reason}
	}
	if exitCode == 0 {
		// No JSON but a clean exit: treat raw stdout as the output.
		return &Result{State: StateSucceeded, Output: stdout}
	}
	reason := strings.TrimSpace(stderr)
	if reason == "" {
		reason = fmt.Sprintf("exit code %d", exitCode)
	}
	return &Result{State: StateFailed, Output: stdout, Reason: reason}
}

// Poll reports the stored terminal state. A handle from before a restart
// has no stored result; it is reported failed so the task can be retried.
func (e *CodexExecutor) Poll(ctx context.Context, h Handle) (Poll, error) {
	e.mu.Lock()
	result, ok := e.results[h.Ref]
	e.mu.Unlock()
	if !ok {
		return Poll{State: StateFailed}, nil
	}
	return Poll{State: result.State}, nil
}

// Resume is meaningless for a run that already finished.
func (e *CodexExecutor) Resume(ctx context.Context, h Handle, input string) error {
	return fmt.Errorf("codex runs cannot be resumed: %w", ErrInvalidTask)
}

// Cancel is a no-op: by the time a handle exists the process has exited.
func (e *CodexExecutor) Cancel(ctx context.Context, h Handle) error {
	return nil
}

func (e *CodexExecutor) Result(ctx context.Context, h Handle) (*Result, error) {
	e.mu.Lock()
	result, ok := e.results[h.Ref]
	e.mu.Unlock()
	if !ok {
		return &Result{State: StateFailed, Reason: "run outcome lost (daemon restart)"}, nil
	}
	return result, nil
}
