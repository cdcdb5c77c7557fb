// Package gateway exposes the task core over HTTP: REST entity endpoints,
// action submission, and a WebSocket terminal bridge into running agent
// sandboxes. Bearer-token auth guards everything except /healthz.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strings"

	"github.com/hollowbit/taskdeck/internal/executor"
	"github.com/hollowbit/taskdeck/internal/router"
	"github.com/hollowbit/taskdeck/internal/session"
	"github.com/hollowbit/taskdeck/internal/store"
)

// Dispatcher is the slice of the action router the gateway needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, action router.Action) (*router.Result, error)
}

// SessionOpener attaches interactive terminals to running tasks.
type SessionOpener interface {
	Open(ctx context.Context, taskID, user string) (*session.Session, error)
	ActiveCount() int
}

type Config struct {
	Store    *store.Store
	Actions  Dispatcher
	Sessions SessionOpener // nil disables the terminal endpoint
	Logger   *slog.Logger

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	mux.HandleFunc("/api/actions", s.handleActions)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProjectByID)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskSubtree)
	mux.HandleFunc("/api/tasktypes", s.handleTaskTypes)
	mux.HandleFunc("/api/tasktypes/", s.handleTaskTypeByID)
	mux.HandleFunc("/api/memories", s.handleMemories)

	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	pending, running, needsInput, err := s.cfg.Store.TaskCounts(r.Context())
	healthy := err == nil
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":           healthy,
		"db_ok":             healthy,
		"pending_tasks":     pending,
		"running_tasks":     running,
		"needs_input_tasks": needsInput,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	pending, running, needsInput, err := s.cfg.Store.TaskCounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	activeSessions := 0
	if s.cfg.Sessions != nil {
		activeSessions = s.cfg.Sessions.ActiveCount()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pending_tasks":     pending,
		"running_tasks":     running,
		"needs_input_tasks": needsInput,
		"active_sessions":   activeSessions,
		"alloc_bytes":       mem.Alloc,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds to HTTP statuses and emits a JSON body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, router.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrProjectHasActiveTasks):
		return http.StatusConflict
	case errors.Is(err, router.ErrUnsupportedAction),
		errors.Is(err, executor.ErrInvalidTask),
		errors.Is(err, executor.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSandboxUnavailable),
		errors.Is(err, executor.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
