// Package executor abstracts the AI agent backends that actually work on
// tasks. The orchestrator only ever talks to the Executor interface; which
// backend a task gets is decided by its executor kind at creation time.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Kind identifies a registered backend.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
)

// ParseKind validates a user-supplied kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindClaude, KindCodex:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("executor kind %q: %w", s, ErrUnknownKind)
	}
}

var (
	// ErrUnknownKind is returned for kinds with no registered backend.
	ErrUnknownKind = errors.New("unknown executor kind")
	// ErrUnavailable means the backend's runtime (daemon, binary) is missing.
	ErrUnavailable = errors.New("executor unavailable")
	// ErrInvalidTask means the backend cannot run this task as given.
	ErrInvalidTask = errors.New("invalid task for executor")
	// ErrNotFinished is returned by Result before the run reaches a
	// terminal state.
	ErrNotFinished = errors.New("run not finished")
)

// State is the backend-side view of a run. It deliberately mirrors only
// the states a backend can observe; queueing states belong to the store.
type State string

const (
	StateRunning    State = "running"
	StateNeedsInput State = "needs_input"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal reports whether a run state can no longer change.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Handle is the durable reference to a live run. It round-trips through
// the store's exec_handle column as JSON so a restarted daemon can still
// address the run.
type Handle struct {
	Kind    Kind   `json:"kind"`
	Ref     string `json:"ref"`
	Workdir string `json:"workdir,omitempty"`
}

func (h Handle) Encode() string {
	b, _ := json.Marshal(h)
	return string(b)
}

func DecodeHandle(s string) (Handle, error) {
	var h Handle
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return Handle{}, fmt.Errorf("decode handle: %w", err)
	}
	if h.Kind == "" || h.Ref == "" {
		return Handle{}, fmt.Errorf("decode handle: missing kind or ref")
	}
	return h, nil
}

// Task is the executor-facing slice of a task. Keeping it separate from
// the store's row type lets backends be tested without a database.
type Task struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Body         string `json:"body,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Poll is a point-in-time observation of a run.
type Poll struct {
	State  State
	Prompt string // set when State is StateNeedsInput
}

// Result is the terminal outcome of a run.
type Result struct {
	State   State  `json:"state"`
	Output  string `json:"output,omitempty"`
	Summary string `json:"summary,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Executor is one agent backend. Poll must be side-effect free and safe
// to call repeatedly; Cancel must be idempotent.
type Executor interface {
	Kind() Kind
	Start(ctx context.Context, task Task, workdir string) (Handle, error)
	Poll(ctx context.Context, h Handle) (Poll, error)
	Resume(ctx context.Context, h Handle, input string) error
	Cancel(ctx context.Context, h Handle) error
	Result(ctx context.Context, h Handle) (*Result, error)
}

// Registry maps kinds to backends. The set is closed at construction;
// there is no runtime registration.
type Registry struct {
	byKind map[Kind]Executor
}

func NewRegistry(execs ...Executor) *Registry {
	m := make(map[Kind]Executor, len(execs))
	for _, e := range execs {
		m[e.Kind()] = e
	}
	return &Registry{byKind: m}
}

// ForKind resolves a backend or fails with ErrUnknownKind.
func (r *Registry) ForKind(k Kind) (Executor, error) {
	e, ok := r.byKind[k]
	if !ok {
		return nil, fmt.Errorf("executor kind %q: %w", k, ErrUnknownKind)
	}
	return e, nil
}

// Kinds lists the registered kinds in stable order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
