package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRuntime stands in for the sandbox provisioner.
type fakeRuntime struct {
	launchErr  error
	running    bool
	exitCode   int
	inspectErr error
	killErr    error
	killed     []string

	lastTaskID  string
	lastWorkdir string
	lastCmd     []string
}

func (f *fakeRuntime) Launch(_ context.Context, taskID, workdir string, cmd, _ []string) (string, error) {
	if f.launchErr != nil {
		return "", f.launchErr
	}
	f.lastTaskID, f.lastWorkdir, f.lastCmd = taskID, workdir, cmd
	f.running = true
	return "container-1", nil
}

func (f *fakeRuntime) Inspect(context.Context, string) (bool, int, error) {
	return f.running, f.exitCode, f.inspectErr
}

func (f *fakeRuntime) Kill(_ context.Context, id string) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, id)
	f.running = false
	return nil
}

func writeControl(t *testing.T, workdir string, cs controlState) {
	t.Helper()
	raw, err := json.Marshal(cs)
	if err != nil {
		t.Fatalf("marshal control state: %v", err)
	}
	dir := filepath.Join(workdir, controlDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir control dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), raw, 0o644); err != nil {
		t.Fatalf("write control state: %v", err)
	}
}

func TestClaude_StartWritesBriefAndLaunches(t *testing.T) {
	rt := &fakeRuntime{}
	e := NewClaudeExecutor(rt, ClaudeConfig{}, nil)
	workdir := t.TempDir()

	h, err := e.Start(context.Background(), Task{
		ID:           "t1",
		Title:        "fix login",
		Body:         "500 on POST",
		Instructions: "Run the linter before finishing.",
	}, workdir)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.Kind != KindClaude || h.Ref != "container-1" || h.Workdir != workdir {
		t.Fatalf("handle = %+v", h)
	}
	if rt.lastTaskID != "t1" || rt.lastWorkdir != workdir {
		t.Fatalf("launch got task %q in %q", rt.lastTaskID, rt.lastWorkdir)
	}

	raw, err := os.ReadFile(filepath.Join(workdir, controlDir, taskFile))
	if err != nil {
		t.Fatalf("read task brief: %v", err)
	}
	var brief Task
	if err := json.Unmarshal(raw, &brief); err != nil {
		t.Fatalf("parse task brief: %v", err)
	}
	if brief.Title != "fix login" || brief.Body != "500 on POST" {
		t.Fatalf("brief = %+v", brief)
	}
	if brief.Instructions != "Run the linter before finishing." {
		t.Fatalf("brief instructions = %q", brief.Instructions)
	}
}

func TestClaude_StartClearsStaleState(t *testing.T) {
	rt := &fakeRuntime{}
	e := NewClaudeExecutor(rt, ClaudeConfig{}, nil)
	workdir := t.TempDir()
	writeControl(t, workdir, controlState{State: "done"})

	h, err := e.Start(context.Background(), Task{ID: "t1", Title: "retry me"}, workdir)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := e.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got.State != StateRunning {
		t.Fatalf("poll after restart = %s, want running (stale state must be cleared)", got.State)
	}
}

func TestClaude_PollFollowsControlFile(t *testing.T) {
	tests := []struct {
		name       string
		control    *controlState
		running    bool
		wantState  State
		wantPrompt string
	}{
		{"no file, container up", nil, true, StateRunning, ""},
		{"no file, container gone", nil, false, StateFailed, ""},
		{"working", &controlState{State: "working"}, true, StateRunning, ""},
		{"working but crashed", &controlState{State: "working"}, false, StateFailed, ""},
		{"needs input", &controlState{State: "needs_input", Prompt: "prod or staging?"}, true, StateNeedsInput, "prod or staging?"},
		{"done", &controlState{State: "done", Output: "patched"}, false, StateSucceeded, ""},
		{"failed", &controlState{State: "failed", Reason: "tests red"}, true, StateFailed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{running: tt.running, exitCode: 137}
			e := NewClaudeExecutor(rt, ClaudeConfig{}, nil)
			workdir := t.TempDir()
			if tt.control != nil {
				writeControl(t, workdir, *tt.control)
			}
			h := Handle{Kind: KindClaude, Ref: "container-1", Workdir: workdir}

			got, err := e.Poll(context.Background(), h)
			if err != nil {
				t.Fatalf("poll: %v", err)
			}
			if got.State != tt.wantState || got.Prompt != tt.wantPrompt {
				t.Fatalf("poll = %+v, want state %s prompt %q", got, tt.wantState, tt.wantPrompt)
			}
		})
	}
}

func TestClaude_PollIsRepeatable(t *testing.T) {
	rt := &fakeRuntime{running: true}
	e := NewClaudeExecutor(rt, ClaudeConfig{}, nil)
	workdir := t.TempDir()
	writeControl(t, workdir, controlState{State: "needs_input", Prompt: "which branch?"})
	h := Handle{Kind: KindClaude, Ref: "container-1", Workdir: workdir}

	for i := 0; i < 3; i++ {
		got, err := e.Poll(context.Background(), h)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if got.State != StateNeedsInput || got.Prompt != "which branch?" {
			t.Fatalf("poll %d = %+v", i, got)
		}
	}
}

func TestClaude_ResumeDeliversInputAndClearsMarker(t *testing.T) {
	rt := &fakeRuntime{running: true}
	e := NewClaudeExecutor(rt, ClaudeConfig{}, nil)
	workdir := t.TempDir()
	writeControl(t, workdir, controlState{State: "needs_input", Prompt: "which env?"})
	h := Handle{Kind: KindClaude, Ref: "container-1", Workdir: workdir}

	if err := e.Resume(context.Background(), h, "staging"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(workdir, controlDir, inputFile))
	if err != nil {
		t.Fatalf("read input file: %v", err)
	}
	if string(raw) != "staging" {
		t.Fatalf("input file = %q, want staging", raw)
	}

	got, err := e.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("poll after resume: %v", err)
	}
	if got.State != StateRunning {
		t.Fatalf("state after resume = %s, want running", got.State)
	}
}

func TestClaude_ResumeDeadContainer(t *testing.T) {
	rt := &fakeRuntime{running: false}
	e := NewClaudeExecutor(rt, ClaudeConfig{}, nil)
	h := Handle{Kind: KindClaude, Ref: "container-1", Workdir: t.TempDir()}

	if err := e.Resume(context.Background(), h, "answer"); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("resume dead container err = %v, want ErrInvalidTask", err)
	}
}

func TestClaude_CancelKillsContainer(t *testing.T) {
	rt := &fakeRuntime{running: true}
	e := NewClaudeExecutor(rt, ClaudeConfig{}, nil)
	h := Handle{Kind: KindClaude, Ref: "container-1", Workdir: t.TempDir()}

	if err := e.Cancel(context.Background(), h); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Idempotent: a second cancel on a stopped container also succeeds.
	if err := e.Cancel(context.Background(), h); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if len(rt.killed) != 2 || rt.killed[0] != "container-1" {
		t.Fatalf("killed = %v", rt.killed)
	}
}

func TestClaude_Result(t *testing.T) {
	t.Run("done", func(t *testing.T) {
		e := NewClaudeExecutor(&fakeRuntime{}, ClaudeConfig{}, nil)
		workdir := t.TempDir()
		writeControl(t, workdir, controlState{State: "done", Output: "diff applied", Summary: "fixed it"})
		h := Handle{Kind: KindClaude, Ref: "container-1", Workdir: workdir}

		got, err := e.Result(context.Background(), h)
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if got.State != StateSucceeded || got.Output != "diff applied" || got.Summary != "fixed it" {
			t.Fatalf("result = %+v", got)
		}
	})

	t.Run("still running", func(t *testing.T) {
		e := NewClaudeExecutor(&fakeRuntime{running: true}, ClaudeConfig{}, nil)
		h := Handle{Kind: KindClaude, Ref: "container-1", Workdir: t.TempDir()}
		if _, err := e.Result(context.Background(), h); !errors.Is(err, ErrNotFinished) {
			t.Fatalf("result err = %v, want ErrNotFinished", err)
		}
	})

	t.Run("crashed without state", func(t *testing.T) {
		e := NewClaudeExecutor(&fakeRuntime{running: false, exitCode: 137}, ClaudeConfig{}, nil)
		h := Handle{Kind: KindClaude, Ref: "container-1", Workdir: t.TempDir()}
		got, err := e.Result(context.Background(), h)
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if got.State != StateFailed || !strings.Contains(got.Reason, "137") {
			t.Fatalf("result = %+v, want failure naming exit code", got)
		}
	})
}
