package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hollowbit/taskdeck/internal/executor"
	"github.com/hollowbit/taskdeck/internal/store"
)

// fakeExec is a scripted backend. Tests flip its state to simulate agent
// progress; Poll just reports whatever is set.
type fakeExec struct {
	kind executor.Kind

	mu        sync.Mutex
	state     executor.State
	prompt    string
	result    *executor.Result
	startErr  error
	resumeErr error
	resumed   []string
	cancels   int
	starts    int
	lastTask  executor.Task
}

func newFakeExec(kind executor.Kind) *fakeExec {
	return &fakeExec{kind: kind, state: executor.StateRunning}
}

func (f *fakeExec) set(state executor.State, prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.prompt = state, prompt
}

func (f *fakeExec) setResult(r *executor.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = r.State
	f.result = r
}

func (f *fakeExec) Kind() executor.Kind { return f.kind }

func (f *fakeExec) Start(_ context.Context, task executor.Task, workdir string) (executor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.lastTask = task
	if f.startErr != nil {
		return executor.Handle{}, f.startErr
	}
	return executor.Handle{Kind: f.kind, Ref: "run-" + task.ID, Workdir: workdir}, nil
}

func (f *fakeExec) Poll(context.Context, executor.Handle) (executor.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return executor.Poll{State: f.state, Prompt: f.prompt}, nil
}

func (f *fakeExec) Resume(_ context.Context, _ executor.Handle, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed = append(f.resumed, input)
	f.state, f.prompt = executor.StateRunning, ""
	return nil
}

func (f *fakeExec) Cancel(context.Context, executor.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.state = executor.StateFailed
	return nil
}

func (f *fakeExec) Result(context.Context, executor.Handle) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.result == nil {
		return nil, executor.ErrNotFinished
	}
	return f.result, nil
}

type fixture struct {
	store *store.Store
	exec  *fakeExec
	orch  *Orchestrator
}

// newFixture builds an orchestrator with a fast poll loop and a fake
// claude backend, running until the test ends.
func newFixture(t *testing.T, run bool) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "orch.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fake := newFakeExec(executor.KindClaude)
	registry := executor.NewRegistry(fake)
	orch := New(st, registry, nil, nil, Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		WorkdirRoot:  t.TempDir(),
		StartBackoff: time.Millisecond,
	}, nil)

	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			orch.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return &fixture{store: st, exec: fake, orch: orch}
}

// waitStatus polls until the task reaches the wanted status.
func waitStatus(t *testing.T, st *store.Store, taskID string, want store.Status) *store.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := st.GetTask(context.Background(), taskID)
	t.Fatalf("task never reached %s (currently %s)", want, task.Status)
	return nil
}

func TestCheckoutScenario(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	if err := fx.store.CreateProject(ctx, &store.Project{Name: "demo"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{
		ProjectRef:   "demo",
		Title:        "Fix checkout page",
		ExecutorKind: "claude",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	waitStatus(t, fx.store, task.ID, store.StatusRunning)
	fx.exec.set(executor.StateNeedsInput, "which payment provider?")
	got := waitStatus(t, fx.store, task.ID, store.StatusNeedsInput)
	if got.InputPrompt != "which payment provider?" {
		t.Fatalf("prompt = %q", got.InputPrompt)
	}

	if _, err := fx.orch.ProvideInput(ctx, task.ID, "stripe"); err != nil {
		t.Fatalf("provide input: %v", err)
	}
	if len(fx.exec.resumed) != 1 || fx.exec.resumed[0] != "stripe" {
		t.Fatalf("resumed = %v", fx.exec.resumed)
	}
	waitStatus(t, fx.store, task.ID, store.StatusRunning)

	fx.exec.setResult(&executor.Result{State: executor.StateSucceeded, Summary: "switched provider to stripe"})
	waitStatus(t, fx.store, task.ID, store.StatusSucceeded)

	logs, err := fx.store.ListTaskLogs(ctx, task.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	wantEvents := []string{"task.created", "task.running", "task.needs_input", "task.succeeded"}
	if len(logs) != len(wantEvents) {
		t.Fatalf("log count = %d, want %d: %+v", len(logs), len(wantEvents), logs)
	}
	for i, want := range wantEvents {
		if logs[i].Event != want {
			t.Fatalf("log[%d] = %s, want %s", i, logs[i].Event, want)
		}
	}

	// The result summary is folded into the final log entry.
	var payload map[string]string
	if err := json.Unmarshal([]byte(logs[3].Payload), &payload); err != nil {
		t.Fatalf("final payload: %v", err)
	}
	if payload["summary"] != "switched provider to stripe" {
		t.Fatalf("final payload = %v", payload)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	if _, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "x", ExecutorKind: "gemini"}); !errors.Is(err, executor.ErrUnknownKind) {
		t.Fatalf("unknown kind err = %v", err)
	}
	if _, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "x", ProjectRef: "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing project err = %v", err)
	}
	if _, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "   "}); err == nil {
		t.Fatal("blank title accepted")
	}
}

func TestCreateTask_NoBridgeStillSucceeds(t *testing.T) {
	fx := newFixture(t, false)
	task, err := fx.orch.CreateTask(context.Background(), CreateTaskRequest{Title: "offline"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ExternalID != 0 {
		t.Fatalf("external id = %d, want unmirrored", task.ExternalID)
	}
}

func TestCreateTask_TaskTypeDefaults(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	if err := fx.store.CreateTaskType(ctx, &store.TaskType{
		Name:           "bugfix",
		ExecutorKind:   "claude",
		PromptTemplate: "Investigate and fix: {title}",
	}); err != nil {
		t.Fatalf("create type: %v", err)
	}

	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "login 500", TaskType: "bugfix"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ExecutorKind != "claude" {
		t.Fatalf("kind = %s", task.ExecutorKind)
	}
	if task.Body != "Investigate and fix: login 500" {
		t.Fatalf("body = %q", task.Body)
	}
}

func TestProvideInput_RejectsWrongState(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "still pending"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fx.orch.ProvideInput(ctx, task.ID, "answer"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestProvideInput_ResumeFailureKeepsState(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "ask me"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStatus(t, fx.store, task.ID, store.StatusRunning)
	fx.exec.set(executor.StateNeedsInput, "which env?")
	waitStatus(t, fx.store, task.ID, store.StatusNeedsInput)

	fx.exec.mu.Lock()
	fx.exec.resumeErr = executor.ErrUnavailable
	fx.exec.mu.Unlock()

	if _, err := fx.orch.ProvideInput(ctx, task.ID, "prod"); !errors.Is(err, executor.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	got, _ := fx.store.GetTask(ctx, task.ID)
	if got.Status != store.StatusNeedsInput {
		t.Fatalf("status = %s, want NEEDS_INPUT preserved on resume failure", got.Status)
	}
}

func TestClose_PendingGoesStraightToCancelled(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "never ran"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	closed, err := fx.orch.Close(ctx, task.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != store.StatusCancelled {
		t.Fatalf("status = %s", closed.Status)
	}

	// Second close: same answer, no extra log entry.
	again, err := fx.orch.Close(ctx, task.ID)
	if err != nil || again.Status != store.StatusCancelled {
		t.Fatalf("second close = (%+v, %v)", again, err)
	}
	logs, _ := fx.store.ListTaskLogs(ctx, task.ID)
	if len(logs) != 2 {
		t.Fatalf("log count = %d, want 2 (created, cancelled)", len(logs))
	}
}

func TestClose_RunningCancelsExecutor(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "kill me"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStatus(t, fx.store, task.ID, store.StatusRunning)

	// Give the worker a moment to persist the handle.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := fx.store.GetTask(ctx, task.ID)
		if got.ExecHandle != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	closed, err := fx.orch.Close(ctx, task.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != store.StatusCancelled {
		t.Fatalf("status = %s", closed.Status)
	}
	fx.exec.mu.Lock()
	cancels := fx.exec.cancels
	fx.exec.mu.Unlock()
	if cancels == 0 {
		t.Fatal("executor never cancelled")
	}
}

func TestClose_SucceededIsInvalid(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "quick win"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStatus(t, fx.store, task.ID, store.StatusRunning)
	fx.exec.setResult(&executor.Result{State: executor.StateSucceeded})
	waitStatus(t, fx.store, task.ID, store.StatusSucceeded)

	if _, err := fx.orch.Close(ctx, task.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("close succeeded task err = %v, want ErrInvalidTransition", err)
	}
}

func TestWorker_RunCarriesProjectContext(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	project := &store.Project{Name: "shop", Instructions: "Run the linter before finishing."}
	if err := fx.store.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := fx.store.SetMemory(ctx, store.ScopeProject, project.ID, "deploy_branch", "release"); err != nil {
		t.Fatalf("set project memory: %v", err)
	}

	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{ProjectRef: "shop", Title: "Tune cache headers"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := fx.store.SetMemory(ctx, store.ScopeTask, task.ID, "reviewer", "petra"); err != nil {
		t.Fatalf("set task memory: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.orch.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.exec.mu.Lock()
		started := fx.exec.starts > 0
		fx.exec.mu.Unlock()
		if started {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	fx.exec.mu.Lock()
	got := fx.exec.lastTask.Instructions
	fx.exec.mu.Unlock()
	want := "Run the linter before finishing.\n\ndeploy_branch: release\n\nreviewer: petra"
	if got != want {
		t.Fatalf("instructions = %q, want %q", got, want)
	}
}

func TestWorker_NoProjectNoMemoriesLeavesInstructionsEmpty(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "standalone"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	waitStatus(t, fx.store, task.ID, store.StatusRunning)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.exec.mu.Lock()
		started := fx.exec.starts > 0
		fx.exec.mu.Unlock()
		if started {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	fx.exec.mu.Lock()
	got := fx.exec.lastTask.Instructions
	fx.exec.mu.Unlock()
	if got != "" {
		t.Fatalf("instructions = %q, want empty", got)
	}
}

func TestProvideInput_AfterShutdownSkipsAdoption(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "late answer"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.orch.Run(runCtx)
		close(done)
	}()

	waitStatus(t, fx.store, task.ID, store.StatusRunning)
	fx.exec.set(executor.StateNeedsInput, "which region?")
	waitStatus(t, fx.store, task.ID, store.StatusNeedsInput)

	cancel()
	<-done

	// The answer still reaches the executor and the transition commits,
	// but no poller may be added once the pool has drained.
	updated, err := fx.orch.ProvideInput(ctx, task.ID, "eu-west")
	if err != nil {
		t.Fatalf("provide input after shutdown: %v", err)
	}
	if updated.Status != store.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", updated.Status)
	}

	fx.orch.mu.Lock()
	drivers := len(fx.orch.driving)
	fx.orch.mu.Unlock()
	if drivers != 0 {
		t.Fatalf("driving = %d tasks after shutdown, want 0", drivers)
	}

	// The next start requeues the orphaned run.
	if err := fx.orch.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ := fx.store.GetTask(ctx, task.ID)
	if got.Status != store.StatusPending {
		t.Fatalf("recovered status = %s, want PENDING", got.Status)
	}
}

func TestWorker_StartFailureFailsTask(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	fx.exec.mu.Lock()
	fx.exec.startErr = errors.New("image missing")
	fx.exec.mu.Unlock()

	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "doomed"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := waitStatus(t, fx.store, task.ID, store.StatusFailed)
	if got.Reason == "" {
		t.Fatal("failed task has no reason")
	}
}

// countingMetrics tallies worker measurements.
type countingMetrics struct {
	mu      sync.Mutex
	polls   int
	retries int
}

func (c *countingMetrics) RecordPoll(context.Context, string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
}

func (c *countingMetrics) CountStartRetry(context.Context, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

func TestWorker_ReportsPollAndRetryMetrics(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "orch.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fake := newFakeExec(executor.KindClaude)
	counts := &countingMetrics{}
	orch := New(st, executor.NewRegistry(fake), nil, nil, Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		WorkdirRoot:  t.TempDir(),
		StartRetries: 2,
		StartBackoff: time.Millisecond,
		Metrics:      counts,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	task, err := orch.CreateTask(ctx, CreateTaskRequest{Title: "measured"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStatus(t, st, task.ID, store.StatusRunning)
	fake.setResult(&executor.Result{State: executor.StateSucceeded})
	waitStatus(t, st, task.ID, store.StatusSucceeded)

	counts.mu.Lock()
	polls := counts.polls
	counts.mu.Unlock()
	if polls == 0 {
		t.Fatal("no poll timings recorded")
	}

	fake.mu.Lock()
	fake.startErr = executor.ErrUnavailable
	fake.mu.Unlock()
	doomed, err := orch.CreateTask(ctx, CreateTaskRequest{Title: "doomed"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStatus(t, st, doomed.ID, store.StatusFailed)

	counts.mu.Lock()
	retries := counts.retries
	counts.mu.Unlock()
	if retries != 2 {
		t.Fatalf("start retries = %d, want 2", retries)
	}
}

func TestRecover_RequeuesInterruptedTasks(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	task, err := fx.orch.CreateTask(ctx, CreateTaskRequest{Title: "interrupted"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	handle := executor.Handle{Kind: executor.KindClaude, Ref: "stale"}.Encode()
	if _, err := fx.store.TransitionTask(ctx, task.ID,
		[]store.Status{store.StatusPending}, store.StatusRunning,
		"task.running", "", &store.TaskUpdate{ExecHandle: &handle}); err != nil {
		t.Fatalf("to running: %v", err)
	}

	if err := fx.orch.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ := fx.store.GetTask(ctx, task.ID)
	if got.Status != store.StatusPending || got.ExecHandle != "" {
		t.Fatalf("recovered = %s handle %q", got.Status, got.ExecHandle)
	}
}
