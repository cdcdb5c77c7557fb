// Package session gives operators an interactive terminal into a task's
// sandbox. A session wraps the container attach stream; whatever the
// transport (WebSocket today), closing is idempotent and always releases
// the underlying stream.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hollowbit/taskdeck/internal/executor"
	"github.com/hollowbit/taskdeck/internal/store"
)

// ErrSandboxUnavailable means no provisioner is configured or the task
// has no live sandbox to attach to.
var ErrSandboxUnavailable = errors.New("sandbox unavailable")

// Provisioner is the slice of the sandbox layer the manager needs.
type Provisioner interface {
	Attach(ctx context.Context, containerID string) (io.ReadWriteCloser, error)
	Inspect(ctx context.Context, containerID string) (running bool, exitCode int, err error)
}

// TaskSource looks up tasks. *store.Store satisfies it.
type TaskSource interface {
	GetTask(ctx context.Context, taskID string) (*store.Task, error)
}

// Relay receives complete input lines typed inside a session. The gateway
// uses it to turn terminal input into provideInput actions when the task
// is waiting.
type Relay func(taskID, user, line string)

// Gauge tracks the number of open sessions. Open moves it up, the first
// Close moves it back down.
type Gauge interface {
	SessionOpened()
	SessionClosed()
}

// Manager opens and tracks live sessions.
type Manager struct {
	provisioner Provisioner
	tasks       TaskSource
	relay       Relay
	logger      *slog.Logger
	gauge       Gauge

	mu     sync.Mutex
	active map[string]*Session
}

func NewManager(provisioner Provisioner, tasks TaskSource, relay Relay, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provisioner: provisioner,
		tasks:       tasks,
		relay:       relay,
		logger:      logger,
		active:      make(map[string]*Session),
	}
}

// SetGauge wires a session gauge. Call before the first Open.
func (m *Manager) SetGauge(g Gauge) {
	m.gauge = g
}

// Open attaches to the task's sandbox. Fails with ErrSandboxUnavailable
// when sessions are not configured, the task never got a container, or
// the container is gone.
func (m *Manager) Open(ctx context.Context, taskID, user string) (*Session, error) {
	if m.provisioner == nil {
		return nil, fmt.Errorf("sessions are not configured: %w", ErrSandboxUnavailable)
	}
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ExecHandle == "" {
		return nil, fmt.Errorf("task %s has no sandbox: %w", taskID, ErrSandboxUnavailable)
	}
	handle, err := executor.DecodeHandle(task.ExecHandle)
	if err != nil || handle.Kind != executor.KindClaude {
		return nil, fmt.Errorf("task %s does not run in a sandbox: %w", taskID, ErrSandboxUnavailable)
	}
	running, _, err := m.provisioner.Inspect(ctx, handle.Ref)
	if err != nil {
		return nil, fmt.Errorf("task %s: %v: %w", taskID, err, ErrSandboxUnavailable)
	}
	if !running {
		return nil, fmt.Errorf("task %s sandbox has exited: %w", taskID, ErrSandboxUnavailable)
	}
	stream, err := m.provisioner.Attach(ctx, handle.Ref)
	if err != nil {
		return nil, fmt.Errorf("task %s: %v: %w", taskID, err, ErrSandboxUnavailable)
	}

	s := &Session{
		ID:     uuid.NewString(),
		TaskID: taskID,
		User:   user,
		stream: stream,
		mgr:    m,
	}
	m.mu.Lock()
	m.active[s.ID] = s
	m.mu.Unlock()
	if m.gauge != nil {
		m.gauge.SessionOpened()
	}
	m.logger.Info("session opened",
		slog.String("session_id", s.ID),
		slog.String("task_id", taskID),
		slog.String("user", user))
	return s, nil
}

// ActiveCount reports live sessions, for metrics and shutdown checks.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CloseAll tears down every live session, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

// release runs exactly once per session, via the session's closeOnce.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	delete(m.active, s.ID)
	m.mu.Unlock()
	if m.gauge != nil {
		m.gauge.SessionClosed()
	}
	m.logger.Info("session closed",
		slog.String("session_id", s.ID),
		slog.String("task_id", s.TaskID))
}

// Session is one live terminal attached to a task sandbox. It is an
// io.ReadWriteCloser: reads stream container output, writes feed the
// container's stdin and are also offered line-by-line to the relay.
type Session struct {
	ID     string
	TaskID string
	User   string

	stream io.ReadWriteCloser
	mgr    *Manager

	lineMu  sync.Mutex
	lineBuf bytes.Buffer

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

// Write forwards input to the container and offers every completed line
// to the relay.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.stream.Write(p)
	if n > 0 && s.mgr.relay != nil {
		s.collectLines(p[:n])
	}
	return n, err
}

func (s *Session) collectLines(p []byte) {
	s.lineMu.Lock()
	defer s.lineMu.Unlock()
	s.lineBuf.Write(p)
	for {
		raw := s.lineBuf.Bytes()
		idx := bytes.IndexAny(raw, "\r\n")
		if idx < 0 {
			return
		}
		line := string(raw[:idx])
		s.lineBuf.Next(idx + 1)
		if line != "" {
			s.mgr.relay(s.TaskID, s.User, line)
		}
	}
}

// Close releases the attach stream and deregisters the session. Safe to
// call from any exit path, any number of times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
		s.mgr.release(s)
	})
	return s.closeErr
}
